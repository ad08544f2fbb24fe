// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/ratekeeper/pkg/limiter"
	"storj.io/ratekeeper/pkg/policy"
	"storj.io/ratekeeper/pkg/ratelimit"
	"storj.io/ratekeeper/pkg/trustedip"
)

type checkerFunc func(ctx context.Context, req limiter.Request) limiter.Decision

func (f checkerFunc) Check(ctx context.Context, req limiter.Request) limiter.Decision {
	return f(ctx, req)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream"))
	})
}

func TestRateLimitHeaders(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	reset := time.Unix(1735689600, 250*int64(time.Millisecond))

	t.Run("allowed", func(t *testing.T) {
		m := NewRateLimit(zaptest.NewLogger(t), checkerFunc(func(context.Context, limiter.Request) limiter.Decision {
			return limiter.Decision{Allowed: true, Limit: 60, Remaining: 59, ResetTime: reset}
		}), trustedip.NewListUntrustAll(), nil)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/search", nil).WithContext(ctx)
		m.Wrap(okHandler()).ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "upstream", rr.Body.String())
		require.Equal(t, "60", rr.Header().Get(HeaderLimit))
		require.Equal(t, "59", rr.Header().Get(HeaderRemaining))
		require.Equal(t, "1735689601", rr.Header().Get(HeaderReset))
		require.Empty(t, rr.Header().Get(HeaderRetryAfter))
	})

	t.Run("denied", func(t *testing.T) {
		m := NewRateLimit(zaptest.NewLogger(t), checkerFunc(func(context.Context, limiter.Request) limiter.Decision {
			return limiter.Decision{Limit: 60, Remaining: 3, ResetTime: reset, RetryAfter: 42 * time.Second}
		}), trustedip.NewListUntrustAll(), nil)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/search", nil).WithContext(ctx)
		m.Wrap(okHandler()).ServeHTTP(rr, req)

		require.Equal(t, http.StatusTooManyRequests, rr.Code)
		require.Equal(t, "60", rr.Header().Get(HeaderLimit))
		require.Equal(t, "0", rr.Header().Get(HeaderRemaining))
		require.Equal(t, "42", rr.Header().Get(HeaderRetryAfter))
		require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, false, body["allowed"])
		assert.EqualValues(t, 42, body["retryAfterSeconds"])
		assert.EqualValues(t, reset.UnixMilli(), body["resetTime"])
	})
}

type countryTable map[string]string

func (c countryTable) Country(ctx context.Context, ip string) (string, error) {
	return c[ip], nil
}

func TestDescribe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	countries := countryTable{
		"192.0.2.10":  "RU",
		"203.0.113.5": "CN",
	}

	for _, tt := range []struct {
		desc      string
		trusted   trustedip.List
		headers   map[string]string
		countries CountryResolver
		ip        string
		country   string
		token     string
	}{
		{
			desc:    "untrusted peer ignores forwarding headers",
			trusted: trustedip.NewListUntrustAll(),
			headers: map[string]string{trustedip.HeaderCDN: "198.51.100.1", trustedip.HeaderCDNCountry: "DE"},
			ip:      "192.0.2.10",
		},
		{
			desc:    "trusted CDN",
			trusted: trustedip.NewListTrustIPs("192.0.2.10"),
			headers: map[string]string{trustedip.HeaderCDN: "198.51.100.1", trustedip.HeaderCDNCountry: "de"},
			ip:      "198.51.100.1",
			country: "DE",
		},
		{
			desc:      "database lookup without CDN country",
			trusted:   trustedip.NewListUntrustAll(),
			countries: countries,
			ip:        "192.0.2.10",
			country:   "RU",
		},
		{
			desc:      "database lookup of the forwarded client",
			trusted:   trustedip.NewListTrustAll(),
			headers:   map[string]string{trustedip.HeaderForwardedFor: "203.0.113.5, 192.0.2.1"},
			countries: countries,
			ip:        "203.0.113.5",
			country:   "CN",
		},
		{
			desc:    "bearer token",
			trusted: trustedip.NewListUntrustAll(),
			headers: map[string]string{"Authorization": "bearer abc123"},
			ip:      "192.0.2.10",
			token:   "abc123",
		},
		{
			desc:    "other authorization schemes are ignored",
			trusted: trustedip.NewListUntrustAll(),
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			ip:      "192.0.2.10",
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			m := NewRateLimit(zaptest.NewLogger(t), nil, tt.trusted, tt.countries)

			req := httptest.NewRequest("GET", "/api/v1/users/42?page=2", nil).WithContext(ctx)
			req.RemoteAddr = "192.0.2.10:51234"
			req.Header.Set("User-Agent", "uplink/1.2")
			req.Header.Set("Referer", "https://example.test/")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			described := m.Describe(req)
			assert.Equal(t, tt.ip, described.Addrs.ClientIP())
			assert.Equal(t, tt.country, described.Country)
			assert.Equal(t, tt.token, described.Credential)
			assert.Equal(t, "/api/v1/users/42", described.Path)
			assert.Equal(t, "uplink/1.2", described.UserAgent)
			assert.Equal(t, "https://example.test/", described.Referer)
		})
	}
}

func TestRateLimitWithLimiter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	tables, err := policy.NewTables(policy.EndpointTable{
		policy.DefaultEndpoint: {Flat: &policy.Policy{Window: time.Minute, MaxRequests: 2}},
	}, policy.GeoTable{"KP": {Blocked: true}})
	require.NoError(t, err)

	store := ratelimit.NewMemoryStore(log, ratelimit.MemoryConfig{})
	l, err := limiter.New(log, limiter.Config{KeySecret: "secret"}, store, policy.NewHolder(tables), nil, nil)
	require.NoError(t, err)

	handler := NewRateLimit(log, l, trustedip.NewListTrustAll(), nil).Wrap(okHandler())

	do := func(country string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)
		if country != "" {
			req.Header.Set(trustedip.HeaderCDNCountry, country)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusOK, do("").Code)
	rr := do("")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "0", rr.Header().Get(HeaderRemaining))

	rr = do("")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get(HeaderRetryAfter))

	rr = do("KP")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "0", rr.Header().Get(HeaderLimit))
}

func TestMetrics(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	status := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
	}

	req, err := http.NewRequestWithContext(ctx, "GET", "", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	Metrics(status(200)).ServeHTTP(rr, req) // 1 200
	Metrics(status(429)).ServeHTTP(rr, req) // 2 429s
	Metrics(status(429)).ServeHTTP(rr, req)

	c := monkit.Collect(monkit.ScopeNamed("storj.io/ratekeeper/pkg/middleware"))

	assert.Equal(t, 1.0, c["request_times,method=GET,scope=storj.io/ratekeeper/pkg/middleware,status_code=200 count"])
	assert.Equal(t, 2.0, c["request_times,method=GET,scope=storj.io/ratekeeper/pkg/middleware,status_code=429 count"])
	assert.Equal(t, 2.0, c["requests_denied,scope=storj.io/ratekeeper/pkg/middleware value"])
}

func TestConcurrencyLimiter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const allowed = 2

	release := make(chan struct{})
	entered := make(chan struct{}, allowed)

	l := NewConcurrencyLimiter(allowed,
		func(r *http.Request) string { return r.Header.Get("X-Client") },
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "", http.StatusTooManyRequests)
		},
	)
	handler := l.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	do := func(client string) int {
		req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)
		req.Header.Set("X-Client", client)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	codes := make(chan int, allowed)
	for i := 0; i < allowed; i++ {
		ctx.Go(func() error {
			codes <- do("a")
			return nil
		})
		<-entered
	}

	require.Equal(t, http.StatusTooManyRequests, do("a"), "over the limit")

	close(release)
	require.Equal(t, http.StatusOK, do("b"), "other clients are independent")
	for i := 0; i < allowed; i++ {
		require.Equal(t, http.StatusOK, <-codes)
	}

	// the slots are released
	require.Equal(t, http.StatusOK, do("a"))

	l.m.Lock()
	defer l.m.Unlock()
	require.Empty(t, l.limits)
}
