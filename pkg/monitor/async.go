// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package monitor

import (
	"context"

	"go.uber.org/zap"

	"storj.io/ratekeeper/pkg/limiter"
)

// AsyncConfig configures Async.
type AsyncConfig struct {
	QueueSize int `help:"number of denial events buffered for the observers; events are dropped when full" default:"1024" testDefault:"16"`
}

// Async hands events to another observer from a background goroutine so
// that a slow observer never delays a decision. When the queue is full new
// events are dropped.
type Async struct {
	log   *zap.Logger
	next  limiter.Observer
	queue chan limiter.Event
}

// NewAsync returns a new Async forwarding to next. Events are delivered
// while Run is running.
func NewAsync(log *zap.Logger, next limiter.Observer, config AsyncConfig) *Async {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	return &Async{
		log:   log,
		next:  next,
		queue: make(chan limiter.Event, config.QueueSize),
	}
}

// LimitReached implements limiter.Observer. It never blocks.
func (a *Async) LimitReached(ctx context.Context, event limiter.Event) {
	select {
	case a.queue <- event:
	default:
		mon.Counter("ratelimit_events_dropped").Inc(1)
	}
}

// Run delivers queued events until ctx is canceled. Events still queued at
// that point are delivered before returning.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case event := <-a.queue:
			a.deliver(ctx, event)
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		}
	}
}

func (a *Async) drain() {
	ctx := context.Background()
	for {
		select {
		case event := <-a.queue:
			a.deliver(ctx, event)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, event limiter.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("observer panicked", zap.Any("panic", rec))
		}
	}()
	a.next.LimitReached(ctx, event)
}
