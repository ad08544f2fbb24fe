// Copyright (C) 2022 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"net/http"

	"storj.io/common/http/requestid"
)

// RequestIDHeader is the header carrying the request ID to upstreams.
const RequestIDHeader = "X-Request-Id"

// AddRequestIDToHeaders copies the request ID of the context of req to its
// headers, so the upstream logs can be correlated with ours.
func AddRequestIDToHeaders(req *http.Request) {
	if req == nil {
		return
	}

	// Ideally, the context should always have request ID, since it is being set in the middleware.
	if id := requestid.FromContext(req.Context()); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
}
