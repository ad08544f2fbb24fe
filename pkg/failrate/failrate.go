// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package failrate limits the rate of failed operations per key, e.g. admin
// requests with invalid credentials per client IP.
//
// Successful operations never count towards the limit. A key is only tracked
// after its first failure, and it stops being tracked when an operation
// succeeds while its limiter is back to the full allowance, or when it's the
// least recently used one and room is needed.
package failrate

import (
	"context"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/errs"
	"golang.org/x/time/rate"

	"storj.io/ratekeeper/pkg/trustedip"
)

// Error is the class of failrate errors.
var Error = errs.Class("failrate")

// LimitersConfig configures a failure rate limiter.
type LimitersConfig struct {
	MaxReqsSecond int `help:"maximum number of allowed operations per second starting when first failure operation happens" default:"2" testDefault:"1"`
	Burst         int `help:"maximum number of allowed operations to overpass the maximum operations per second" default:"3" testDefault:"1"`
	NumLimits     int `help:"maximum number of keys/rate-limit pairs stored in the LRU cache" default:"1000" testDefault:"10"`
}

// Limiters register a rate limit per key when the operation is marked as failed
// for allowing to track subsequent operations on the registered keys and count
// the failed operations to be limited.
type Limiters struct {
	limiters *lru.Cache[string, *limiter]
	trusted  trustedip.List
	limit    rate.Limit
	burst    int
}

// NewLimiters creates a Limiters returning an error if c.MaxReqsSecond,
// c.Burst or c.NumLimits are 0 or negative. AllowReq only honors the
// forwarding headers of peers in trusted.
func NewLimiters(c LimitersConfig, trusted trustedip.List) (*Limiters, error) {
	if c.MaxReqsSecond <= 0 {
		return nil, Error.New("MaxReqsSecond cannot be zero or negative")
	}
	if c.Burst <= 0 {
		return nil, Error.New("Burst cannot be zero or negative")
	}
	if c.NumLimits <= 0 {
		return nil, Error.New("NumLimits cannot be zero or negative")
	}

	cache, err := lru.New[string, *limiter](c.NumLimits)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Limiters{
		limiters: cache,
		trusted:  trusted,
		limit:    1 / rate.Limit(c.MaxReqsSecond), // minimum interval between requests
		burst:    c.Burst,
	}, nil
}

// Allow returns true, non-nil succeeded and failed, and a zero delay if key is
// allowed to perform an operation. Otherwise it returns false, nil succeeded
// and failed, and the delay after which to retry.
//
// The caller MUST call succeeded or failed when true is returned.
func (irl *Limiters) Allow(ctx context.Context, key string) (allowed bool, succeeded func(), failed func(), delay time.Duration) {
	if rl, ok := irl.limiters.Get(key); ok {
		allowed, delay, rollback := rl.Allow()
		if !allowed {
			return false, nil, nil, delay
		}
		// When the key is already tracked, failed func doesn't have to do anything.
		return true, func() {
			// The operation has succeeded, hence rollback the consumed allowance.
			rollback()
			if rl.IsOnInitState() {
				irl.limiters.Remove(key)
			}
		}, func() {}, 0
	}

	return true, func() {}, func() {
		// The operation has failed, hence we start to rate-limit the key.
		rl := newRateLimiter(irl.limit, irl.burst)
		if prev, _, _ := irl.limiters.PeekOrAdd(key, rl); prev != nil {
			rl = prev
		}
		// Consume one operation, which is this failed one.
		rl.Allow()
	}, 0
}

// AllowReq calls Allow with the client IP of r as key. It panics if r is nil.
func (irl *Limiters) AllowReq(r *http.Request) (allowed bool, succeeded func(), failed func(), delay time.Duration) {
	return irl.Allow(r.Context(), trustedip.GetClientIP(irl.trusted, r))
}

// limiter is a wrapper around rate.Limiter that can roll back allowances.
type limiter struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	reservation *reservation
}

func newRateLimiter(limit rate.Limit, burst int) *limiter {
	return &limiter{
		limiter: rate.NewLimiter(limit, burst),
	}
}

// IsOnInitState returns true if the rate-limiter is back to its full allowance
// such is when it is created.
func (rl *limiter) IsOnInitState() bool {
	now := time.Now()
	rsvt := rl.limiter.ReserveN(now, rl.limiter.Burst())
	// Cancel immediately the reservation because we are only interested in
	// finding out the delay of executing as many operations as burst.
	rsvt.CancelAt(now)
	return rsvt.Delay() == 0
}

// Allow returns true when the operation is allowed to be performed, and a
// rollback function that gives the consumed token back. Otherwise it returns
// false and how long the caller must wait.
func (rl *limiter) Allow() (_ bool, _ time.Duration, rollback func()) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rsvt := rl.reservation
	if rsvt == nil {
		rsvt = newReservation(rl.limiter, now)
	}

	if d := rsvt.Delay(now); d > 0 {
		// The reserved token can't be consumed right now.
		rl.reservation = rsvt
		return false, d, nil
	}

	rl.reservation = nil
	return true, 0, rsvt.Cancel
}

// reservation is a rate.Reservation that can be canceled retrospectively to
// its creation time.
type reservation struct {
	r         *rate.Reservation
	createdAt time.Time
}

func newReservation(limiter *rate.Limiter, now time.Time) *reservation {
	return &reservation{
		r:         limiter.ReserveN(now, 1),
		createdAt: now,
	}
}

// Delay returns how long the caller should wait to consume it.
func (rsvp *reservation) Delay(now time.Time) time.Duration {
	return rsvp.r.DelayFrom(now)
}

// Cancel cancels the reservation retrospectively to its creation time.
func (rsvp *reservation) Cancel() {
	rsvp.r.CancelAt(rsvp.createdAt)
}
