// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package middleware adapts the admission decisions to HTTP.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"storj.io/ratekeeper/pkg/limiter"
	"storj.io/ratekeeper/pkg/trustedip"
)

// Rate limit headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Checker decides whether a request is admitted.
type Checker interface {
	Check(ctx context.Context, req limiter.Request) limiter.Decision
}

// CountryResolver resolves the country of an IP address.
type CountryResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// RateLimit admits requests through a Checker.
type RateLimit struct {
	log       *zap.Logger
	checker   Checker
	trusted   trustedip.List
	countries CountryResolver
}

// NewRateLimit returns a RateLimit. Forwarding headers are only honored for
// peers in trusted. countries may be nil, in which case only the country set
// by a trusted CDN is used.
func NewRateLimit(log *zap.Logger, checker Checker, trusted trustedip.List, countries CountryResolver) *RateLimit {
	return &RateLimit{
		log:       log,
		checker:   checker,
		trusted:   trusted,
		countries: countries,
	}
}

// Wrap returns next guarded by the rate limiter. Denied requests get a 429
// with the decision as body.
func (m *RateLimit) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := m.checker.Check(r.Context(), m.Describe(r))

		WriteHeaders(w.Header(), decision)
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(decision); err != nil {
			m.log.Debug("failed to write rate limit response", zap.Error(err))
		}
	})
}

// Describe builds the limiter request of r.
func (m *RateLimit) Describe(r *http.Request) limiter.Request {
	addrs := trustedip.FromRequest(m.trusted, r)

	country := trustedip.GetCountry(m.trusted, r)
	if country == "" && m.countries != nil {
		var err error
		country, err = m.countries.Country(r.Context(), addrs.ClientIP())
		if err != nil {
			m.log.Debug("country lookup failed", zap.Error(err))
		}
	}

	return limiter.Request{
		Addrs:      addrs,
		UserAgent:  r.UserAgent(),
		Referer:    r.Referer(),
		Path:       r.URL.Path,
		Country:    country,
		Credential: BearerToken(r),
		Header:     r.Header,
	}
}

// BearerToken returns the bearer token of the Authorization header of r.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WriteHeaders renders the decision as rate limit headers.
func WriteHeaders(h http.Header, d limiter.Decision) {
	remaining := d.Remaining
	if !d.Allowed {
		remaining = 0
	}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderReset, strconv.FormatInt(resetSeconds(d), 10))
	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
}

// resetSeconds rounds the reset time up to whole unix seconds.
func resetSeconds(d limiter.Decision) int64 {
	ms := d.ResetTime.UnixMilli()
	return (ms + 999) / 1000
}
