// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package limiter

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"storj.io/ratekeeper/pkg/policy"
	"storj.io/ratekeeper/pkg/trustedip"
)

// Request describes an inbound request to admit.
type Request struct {
	// Addrs are the client IP candidates, already filtered by the trusted
	// proxy list.
	Addrs     trustedip.Addrs
	UserAgent string
	Referer   string
	Path      string
	// Country is the ISO country code of the client, if known.
	Country string
	// Credential is the caller's bearer token, if any.
	Credential string
	Header     http.Header
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
	// RetryAfter is zero when the request is allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

type jsonDecision struct {
	Allowed           bool  `json:"allowed"`
	Limit             int   `json:"limit"`
	Remaining         int   `json:"remaining"`
	ResetTime         int64 `json:"resetTime"`
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// MarshalJSON encodes the reset time as epoch milliseconds.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonDecision{
		Allowed:           d.Allowed,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		ResetTime:         d.ResetTime.UnixMilli(),
		RetryAfterSeconds: d.RetryAfterSeconds(),
	})
}

// Reason is why a request was denied.
type Reason string

// Denial reasons.
const (
	ReasonBurst      Reason = "burst"
	ReasonSustained  Reason = "sustained"
	ReasonGeoBlocked Reason = "geo-blocked"
)

// Event describes a denial.
type Event struct {
	Reason   Reason
	Endpoint string
	Tier     policy.Tier
	Count    int64
	Limit    int
	// Key is the client digest; raw identifiers are never reported.
	Key     string
	Country string
	At      time.Time
}

// Observer is notified of denials. LimitReached is called on the decision
// path and must not block.
type Observer interface {
	LimitReached(ctx context.Context, event Event)
}

// TierResolver classifies a caller from its credential.
type TierResolver interface {
	ResolveTier(ctx context.Context, credential string) (policy.Tier, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, credential string) (policy.Tier, error)

// ResolveTier implements TierResolver.
func (f TierResolverFunc) ResolveTier(ctx context.Context, credential string) (policy.Tier, error) {
	return f(ctx, credential)
}

type nopObserver struct{}

func (nopObserver) LimitReached(context.Context, Event) {}
