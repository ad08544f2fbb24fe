// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package failrate

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"storj.io/common/testcontext"
	"storj.io/ratekeeper/pkg/trustedip"
)

func tracked(limiters *Limiters, key string) bool {
	return limiters.limiters.Contains(key)
}

// fail runs one failed operation for key, requiring it to be allowed.
func fail(t *testing.T, limiters *Limiters, key string) {
	t.Helper()

	allowed, _, failed, _ := limiters.Allow(context.Background(), key)
	require.True(t, allowed, key)
	failed()
}

func TestSuccessesAreNotTracked(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 1, Burst: 1, NumLimits: 10}, trustedip.NewListUntrustAll())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		allowed, succeeded, _, delay := limiters.Allow(ctx, "admin")
		require.True(t, allowed)
		require.Zero(t, delay)
		succeeded()
	}
	require.False(t, tracked(limiters, "admin"))
}

func TestFailuresAreLimited(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 2, Burst: 3, NumLimits: 10}, trustedip.NewListUntrustAll())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fail(t, limiters, "guesser")
	}
	require.True(t, tracked(limiters, "guesser"))

	allowed, succeeded, failed, delay := limiters.Allow(ctx, "guesser")
	require.False(t, allowed)
	require.Nil(t, succeeded)
	require.Nil(t, failed)
	require.Greater(t, delay, time.Duration(0))
	// MaxReqsSecond is the interval between refills.
	require.LessOrEqual(t, delay, 2*time.Second)

	t.Run("other keys are unaffected", func(t *testing.T) {
		allowed, succeeded, _, _ := limiters.Allow(ctx, "someone-else")
		require.True(t, allowed)
		succeeded()
	})

	t.Run("successes can't be used to reset the allowance", func(t *testing.T) {
		limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 1, Burst: 3, NumLimits: 10}, trustedip.NewListUntrustAll())
		require.NoError(t, err)

		fail(t, limiters, "cheater")
		fail(t, limiters, "cheater")

		allowed, succeeded, _, _ := limiters.Allow(ctx, "cheater")
		require.True(t, allowed)
		succeeded()
		require.True(t, tracked(limiters, "cheater"), "a partially used allowance is still tracked")

		fail(t, limiters, "cheater")

		allowed, _, _, _ = limiters.Allow(ctx, "cheater")
		require.False(t, allowed)
	})
}

func TestLimitedKeysRecover(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 1, Burst: 1, NumLimits: 10}, trustedip.NewListUntrustAll())
	require.NoError(t, err)
	limiters.limit = rate.Every(10 * time.Millisecond)

	fail(t, limiters, "key")

	allowed, _, _, delay := limiters.Allow(ctx, "key")
	require.False(t, allowed)
	require.LessOrEqual(t, delay, 10*time.Millisecond)

	time.Sleep(delay)
	require.Eventually(t, func() bool {
		allowed, succeeded, _, _ := limiters.Allow(ctx, "key")
		if allowed {
			succeeded()
		}
		return allowed
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		allowed, succeeded, _, _ := limiters.Allow(ctx, "key")
		if !allowed {
			return false
		}
		succeeded()
		return !tracked(limiters, "key")
	}, time.Second, 5*time.Millisecond, "a key back to its full allowance is forgotten")
}

func TestLeastRecentlyUsedKeysAreEvicted(t *testing.T) {
	limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 1, Burst: 5, NumLimits: 2}, trustedip.NewListUntrustAll())
	require.NoError(t, err)

	fail(t, limiters, "a")
	fail(t, limiters, "b")
	fail(t, limiters, "c")

	require.False(t, tracked(limiters, "a"))
	require.True(t, tracked(limiters, "b"))
	require.True(t, tracked(limiters, "c"))
}

func TestAllowReq(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const clientIP = "172.28.254.80"

	newRequest := func() *http.Request {
		req := &http.Request{
			RemoteAddr: "10.5.2.23:4711",
			Header: http.Header{
				"X-Forwarded-For": {clientIP + ", 192.168.80.25"},
				"X-Real-Ip":       {clientIP},
			},
		}
		return req.WithContext(ctx)
	}

	for _, tt := range []struct {
		desc    string
		trusted trustedip.List
		key     string
		ignored string
	}{
		{desc: "trusted proxies", trusted: trustedip.NewListTrustAll(), key: clientIP, ignored: "10.5.2.23"},
		{desc: "untrusted peers", trusted: trustedip.NewListUntrustAll(), key: "10.5.2.23", ignored: clientIP},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 1, Burst: 1, NumLimits: 10}, tt.trusted)
			require.NoError(t, err)

			allowed, _, failed, _ := limiters.AllowReq(newRequest())
			require.True(t, allowed)
			failed()

			assert.True(t, tracked(limiters, tt.key))
			assert.False(t, tracked(limiters, tt.ignored))

			allowed, _, _, delay := limiters.AllowReq(newRequest())
			require.False(t, allowed)
			require.Greater(t, delay, time.Duration(0))
		})
	}
}

func TestNewLimitersValidation(t *testing.T) {
	for _, tt := range []struct {
		desc   string
		config LimitersConfig
		err    string
	}{
		{desc: "valid", config: LimitersConfig{MaxReqsSecond: 5, Burst: 1, NumLimits: 1}},
		{desc: "zero rate", config: LimitersConfig{MaxReqsSecond: 0, Burst: 2, NumLimits: 1}, err: "MaxReqsSecond"},
		{desc: "negative rate", config: LimitersConfig{MaxReqsSecond: -1, Burst: 2, NumLimits: 1}, err: "MaxReqsSecond"},
		{desc: "zero burst", config: LimitersConfig{MaxReqsSecond: 1, Burst: 0, NumLimits: 1}, err: "Burst"},
		{desc: "negative burst", config: LimitersConfig{MaxReqsSecond: 1, Burst: -5, NumLimits: 1}, err: "Burst"},
		{desc: "no room for limits", config: LimitersConfig{MaxReqsSecond: 1, Burst: 1, NumLimits: 0}, err: "NumLimits"},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			limiters, err := NewLimiters(tt.config, trustedip.NewListUntrustAll())
			if tt.err == "" {
				require.NoError(t, err)
				require.NotNil(t, limiters)
				return
			}
			require.ErrorContains(t, err, tt.err)
			require.True(t, Error.Has(err))
		})
	}
}

func TestConcurrentUse(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiters, err := NewLimiters(LimitersConfig{MaxReqsSecond: 2, Burst: 1, NumLimits: 2}, trustedip.NewListUntrustAll())
	require.NoError(t, err)
	limiters.limit = rate.Every(time.Millisecond)

	for worker := 0; worker < 6; worker++ {
		key := fmt.Sprintf("key%d", worker%3)
		fails := worker%2 == 0
		ctx.Go(func() error {
			for i := 0; i < 50; i++ {
				allowed, succeeded, failed, delay := limiters.Allow(ctx, key)
				switch {
				case !allowed:
					time.Sleep(delay)
				case fails:
					failed()
				default:
					succeeded()
				}
			}
			return nil
		})
	}
}
