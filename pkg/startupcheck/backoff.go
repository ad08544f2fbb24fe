// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package startupcheck

import (
	"context"
	"time"
)

// backoff doubles the delay between failing attempts, from min up to max.
type backoff struct {
	min, max time.Duration
	delay    time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = 5 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max}
}

// Wait sleeps for the next delay or until ctx is done.
func (b *backoff) Wait(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if b.delay == 0 {
		b.delay = b.min
	} else {
		b.delay *= 2
	}
	if b.delay > b.max {
		b.delay = b.max
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	t := time.NewTimer(b.delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
