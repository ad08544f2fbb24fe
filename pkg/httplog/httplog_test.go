// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package httplog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestStatusLevel(t *testing.T) {
	testCases := []struct {
		status        int
		expectedLevel zapcore.Level
	}{
		{
			status:        http.StatusOK,
			expectedLevel: zap.DebugLevel,
		},
		{
			status:        http.StatusCreated,
			expectedLevel: zap.DebugLevel,
		},
		{
			status:        http.StatusMultipleChoices,
			expectedLevel: zap.DebugLevel,
		},
		{
			status:        http.StatusPermanentRedirect,
			expectedLevel: zap.DebugLevel,
		},
		{
			status:        http.StatusBadRequest,
			expectedLevel: zap.InfoLevel,
		},
		{
			status:        http.StatusTooManyRequests,
			expectedLevel: zap.InfoLevel,
		},
		{
			status:        http.StatusNotFound,
			expectedLevel: zap.InfoLevel,
		},
		{
			status:        http.StatusInternalServerError,
			expectedLevel: zap.ErrorLevel,
		},
		{
			status:        http.StatusNotImplemented,
			expectedLevel: zap.WarnLevel,
		},
		{
			status:        http.StatusBadGateway,
			expectedLevel: zap.ErrorLevel,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(fmt.Sprintf("HTTP %d response logged as %s", tc.status, tc.expectedLevel), func(t *testing.T) {
			require.Equal(t, tc.expectedLevel, StatusLevel(tc.status))
		})
	}
}

func TestRedaction(t *testing.T) {
	r := NewRedactor("x-ratekeeper-bypass")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Cookie", "session=secret")
	headers.Set("X-Ratekeeper-Bypass", "secret")
	headers.Add("Accept", "text/html")
	headers.Add("Accept", "application/json")

	data, err := json.Marshal(r.Headers(headers))
	require.NoError(t, err)

	var gotHeaders map[string]string
	require.NoError(t, json.Unmarshal(data, &gotHeaders))
	require.Equal(t, map[string]string{
		"Authorization":       "[...]",
		"Cookie":              "[...]",
		"X-Ratekeeper-Bypass": "[...]",
		"Accept":              "text/html,application/json",
	}, gotHeaders)

	data, err = json.Marshal(r.Query(url.Values{
		"access_token": {"secret"},
		"page":         {"2"},
	}))
	require.NoError(t, err)

	var gotQuery map[string]string
	require.NoError(t, json.Unmarshal(data, &gotQuery))
	require.Equal(t, map[string]string{
		"access_token": "[...]",
		"page":         "2",
	}, gotQuery)
}
