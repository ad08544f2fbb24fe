// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package monitor implements limiter observers reporting denials.
package monitor

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/eventkit"
	"storj.io/ratekeeper/pkg/limiter"
)

var (
	mon = monkit.Package()
	ek  = eventkit.Package()
)

// Events sends every denial to eventkit.
type Events struct{}

// LimitReached implements limiter.Observer.
func (Events) LimitReached(ctx context.Context, event limiter.Event) {
	ek.Event("ratelimit-denied",
		eventkit.String("reason", string(event.Reason)),
		eventkit.String("endpoint", event.Endpoint),
		eventkit.String("tier", event.Tier.String()),
		eventkit.Int64("count", event.Count),
		eventkit.Int64("limit", int64(event.Limit)),
		eventkit.String("key", event.Key),
		eventkit.String("country", event.Country),
	)
}

// Log logs every denial.
type Log struct {
	log *zap.Logger
}

// NewLog returns an observer logging to log.
func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

// LimitReached implements limiter.Observer.
func (l *Log) LimitReached(ctx context.Context, event limiter.Event) {
	l.log.Warn("rate limit reached",
		zap.String("reason", string(event.Reason)),
		zap.String("endpoint", event.Endpoint),
		zap.Stringer("tier", event.Tier),
		zap.Int64("count", event.Count),
		zap.Int("limit", event.Limit),
		zap.String("key", event.Key),
		zap.String("country", event.Country))
}

// Multi notifies each observer in order.
type Multi []limiter.Observer

// LimitReached implements limiter.Observer.
func (m Multi) LimitReached(ctx context.Context, event limiter.Event) {
	for _, o := range m {
		o.LimitReached(ctx, event)
	}
}
