// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit holds the per-key fixed-window counters and violation
// history that drive the admission decisions.
//
// Keys are opaque digests; a Store never sees raw client identifiers.
//
// Counting is fixed-window: up to roughly twice the limit can be admitted
// across a window boundary when traffic clusters around the reset. That is
// accepted in exchange for O(1) memory per key.
package ratelimit

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the class of store errors.
var Error = errs.Class("ratelimit store")

// DefaultViolationRetention is how long a violation record is kept after the
// last violation.
const DefaultViolationRetention = 24 * time.Hour

// RecentViolationsHorizon bounds Stats.RecentViolations.
const RecentViolationsHorizon = time.Hour

// TopViolatorsCount bounds Stats.TopViolators.
const TopViolatorsCount = 10

// Counter is the live fixed window of a key.
type Counter struct {
	Count     int64
	ResetAt   time.Time
	StartedAt time.Time
}

// Increment is the outcome of counting one request.
type Increment struct {
	Counter
	// IsNewWindow is true when this request opened the window.
	IsNewWindow bool
}

// Violation is the denial history of a key.
type Violation struct {
	Count  int64
	LastAt time.Time
}

// Violator is a key with its violation count.
type Violator struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats is an operational snapshot of a store.
type Stats struct {
	ActiveKeys       int        `json:"activeKeys"`
	TotalViolations  int64      `json:"totalViolations"`
	RecentViolations int        `json:"recentViolations"`
	TopViolators     []Violator `json:"topViolators"`
}

// Store holds the counters and violation records.
//
// Implementations must make Increment and RecordViolation atomic per key.
type Store interface {
	// Get returns the live counter of key. Expired counters are reported as
	// absent.
	Get(ctx context.Context, key string) (_ Counter, ok bool, _ error)
	// Increment counts one request of key, opening a new window of length
	// window when there is no live one.
	Increment(ctx context.Context, key string, window time.Duration) (Increment, error)
	// RecordViolation increments the violation count of key.
	RecordViolation(ctx context.Context, key string) error
	// ViolationCount returns the violation count of key, 0 when absent.
	ViolationCount(ctx context.Context, key string) (int64, error)
	// Cleanup removes expired counters and stale violation records.
	Cleanup(ctx context.Context) error
	// Stats returns an operational snapshot.
	Stats(ctx context.Context) (Stats, error)
}
