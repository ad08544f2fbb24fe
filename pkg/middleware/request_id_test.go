// Copyright (C) 2022 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/http/requestid"
	"storj.io/common/testcontext"
)

func TestAddRequestIDToHeaders(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var forwarded string
	handler := requestid.AddToContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream, err := http.NewRequestWithContext(r.Context(), "GET", "http://upstream.invalid/", http.NoBody)
		require.NoError(t, err)

		AddRequestIDToHeaders(upstream)
		forwarded = upstream.Header.Get(RequestIDHeader)
		require.Equal(t, requestid.FromContext(r.Context()), forwarded)
	}))

	request, err := http.NewRequestWithContext(ctx, "GET", "/", http.NoBody)
	require.NoError(t, err)
	handler.ServeHTTP(httptest.NewRecorder(), request)

	require.NotEmpty(t, forwarded, "RequestID value is not set")

	// no panic and no header without a request ID
	bare, err := http.NewRequestWithContext(ctx, "GET", "/", http.NoBody)
	require.NoError(t, err)
	AddRequestIDToHeaders(bare)
	require.Empty(t, bare.Header.Get(RequestIDHeader))
	AddRequestIDToHeaders(nil)
}
