// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisstore implements ratelimit.Store on Redis so that several
// instances share the same counters and violation history.
//
// All keys of a store live under one prefix. The scripts touch several keys
// at once, so a clustered deployment must map the prefix to a single slot,
// e.g. with a "{ratekeeper}" hash tag.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/ratekeeper/pkg/ratelimit"
)

var mon = monkit.Package()

// Error is the class of redis store errors.
var Error = errs.Class("redis store")

// Config configures the redis store.
type Config struct {
	Address          string        `help:"redis address (host:port) of the shared rate limit store" default:"localhost:6379"`
	Password         string        `help:"redis password" default:""`
	DB               int           `help:"redis database number" default:"0"`
	Prefix           string        `help:"prefix of every rate limit key" default:"{ratekeeper}"`
	OperationTimeout time.Duration `help:"timeout of a single store operation" default:"50ms"`
	PoolSize         int           `help:"redis connection pool size" default:"20"`

	CleanupInterval    time.Duration `help:"how often stale index entries are reaped" default:"1m"`
	ViolationRetention time.Duration `help:"how long a violation record is kept after the last violation" default:"24h"`
}

// incrementScript opens or continues the fixed window of KEYS[1] and
// records its reset time in the KEYS[2] index.
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local state = redis.call('HMGET', KEYS[1], 'count', 'start', 'reset')
local count = tonumber(state[1])
local start = tonumber(state[2])
local reset = tonumber(state[3])

if count == nil or reset == nil or start == nil or count < 0 or now > reset then
  reset = now + window
  redis.call('HSET', KEYS[1], 'count', 1, 'start', now, 'reset', reset)
  redis.call('PEXPIRE', KEYS[1], window + 1000)
  redis.call('ZADD', KEYS[2], reset, ARGV[3])
  return {1, now, reset, 1}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, start, reset, 0}
`)

// violationScript increments the violation count of KEYS[1] and ranks the
// key in the KEYS[2] (by count) and KEYS[3] (by recency) indexes.
var violationScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local retention = tonumber(ARGV[2])

local last = tonumber(redis.call('HGET', KEYS[1], 'last'))
if last ~= nil and now - last > retention then
  redis.call('DEL', KEYS[1])
end

local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last', now)
redis.call('PEXPIRE', KEYS[1], retention)
redis.call('ZADD', KEYS[2], count, ARGV[3])
redis.call('ZADD', KEYS[3], now, ARGV[3])
return count
`)

// Store is a ratelimit.Store backed by redis.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
}

var _ ratelimit.Store = (*Store)(nil)

// New returns a store connected to the configured server. It doesn't dial.
func New(config Config) (*Store, error) {
	if config.Address == "" {
		return nil, Error.New("address is required")
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 50 * time.Millisecond
	}
	if config.ViolationRetention <= 0 {
		config.ViolationRetention = ratelimit.DefaultViolationRetention
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{config.Address},
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	return NewWithClient(client, config), nil
}

// NewWithClient returns a store using client.
func NewWithClient(client redis.UniversalClient, config Config) *Store {
	if config.ViolationRetention <= 0 {
		config.ViolationRetention = ratelimit.DefaultViolationRetention
	}
	return &Store{
		client:    client,
		prefix:    config.Prefix,
		timeout:   config.OperationTimeout,
		retention: config.ViolationRetention,
		now:       time.Now,
	}
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.client.Ping(ctx).Err())
}

// Close closes the client.
func (s *Store) Close() error {
	return Error.Wrap(s.client.Close())
}

func (s *Store) counterKey(key string) string   { return s.prefix + ":c:" + key }
func (s *Store) violationKey(key string) string { return s.prefix + ":v:" + key }
func (s *Store) countersIndex() string          { return s.prefix + ":counters" }
func (s *Store) violatorsIndex() string         { return s.prefix + ":violators" }
func (s *Store) recencyIndex() string           { return s.prefix + ":recency" }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// Get implements ratelimit.Store.
func (s *Store) Get(ctx context.Context, key string) (_ ratelimit.Counter, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.client.HMGet(ctx, s.counterKey(key), "count", "start", "reset").Result()
	if err != nil {
		return ratelimit.Counter{}, false, Error.Wrap(err)
	}

	var fields [3]int64
	for i, v := range values {
		str, isString := v.(string)
		if !isString {
			return ratelimit.Counter{}, false, nil
		}
		fields[i], err = strconv.ParseInt(str, 10, 64)
		if err != nil {
			return ratelimit.Counter{}, false, Error.Wrap(err)
		}
	}

	c := ratelimit.Counter{
		Count:     fields[0],
		StartedAt: time.UnixMilli(fields[1]),
		ResetAt:   time.UnixMilli(fields[2]),
	}
	if c.Count < 0 || s.now().After(c.ResetAt) {
		return ratelimit.Counter{}, false, nil
	}
	return c, true, nil
}

// Increment implements ratelimit.Store.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (_ ratelimit.Increment, err error) {
	defer mon.Task()(&ctx)(&err)

	if window <= 0 {
		return ratelimit.Increment{}, Error.New("window must be positive")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := incrementScript.Run(ctx, s.client,
		[]string{s.counterKey(key), s.countersIndex()},
		millis(s.now()), window.Milliseconds(), key,
	).Int64Slice()
	if err != nil {
		return ratelimit.Increment{}, Error.Wrap(err)
	}
	if len(res) != 4 {
		return ratelimit.Increment{}, Error.New("unexpected script result: %v", res)
	}

	return ratelimit.Increment{
		Counter: ratelimit.Counter{
			Count:     res[0],
			StartedAt: time.UnixMilli(res[1]),
			ResetAt:   time.UnixMilli(res[2]),
		},
		IsNewWindow: res[3] == 1,
	}, nil
}

// RecordViolation implements ratelimit.Store.
func (s *Store) RecordViolation(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = violationScript.Run(ctx, s.client,
		[]string{s.violationKey(key), s.violatorsIndex(), s.recencyIndex()},
		millis(s.now()), s.retention.Milliseconds(), key,
	).Err()
	return Error.Wrap(err)
}

// ViolationCount implements ratelimit.Store.
func (s *Store) ViolationCount(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.HGet(ctx, s.violationKey(key), "count").Int64()
	if errs.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, Error.Wrap(err)
}

// Cleanup implements ratelimit.Store. Counters and violation records expire
// on their own; only the indexes need trimming.
func (s *Store) Cleanup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()
	cutoff := strconv.FormatInt(millis(now.Add(-s.retention)), 10)

	stale, err := s.client.ZRangeByScore(ctx, s.recencyIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + cutoff,
	}).Result()
	if err != nil {
		return Error.Wrap(err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, s.countersIndex(), "-inf", "("+strconv.FormatInt(millis(now), 10))
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, m := range stale {
			members[i] = m
		}
		pipe.ZRem(ctx, s.violatorsIndex(), members...)
		pipe.ZRem(ctx, s.recencyIndex(), members...)
	}
	_, err = pipe.Exec(ctx)
	return Error.Wrap(err)
}

// Stats implements ratelimit.Store.
func (s *Store) Stats(ctx context.Context) (_ ratelimit.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()
	nowStr := strconv.FormatInt(millis(now), 10)
	liveFrom := strconv.FormatInt(millis(now.Add(-s.retention)), 10)
	recentFrom := strconv.FormatInt(millis(now.Add(-ratelimit.RecentViolationsHorizon)), 10)

	pipe := s.client.Pipeline()
	active := pipe.ZCount(ctx, s.countersIndex(), nowStr, "+inf")
	recent := pipe.ZCount(ctx, s.recencyIndex(), recentFrom, "+inf")
	live := pipe.ZRangeByScore(ctx, s.recencyIndex(), &redis.ZRangeBy{Min: liveFrom, Max: "+inf"})
	ranked := pipe.ZRevRangeWithScores(ctx, s.violatorsIndex(), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Stats{}, Error.Wrap(err)
	}

	liveKeys := make(map[string]struct{}, len(live.Val()))
	for _, key := range live.Val() {
		liveKeys[key] = struct{}{}
	}

	stats := ratelimit.Stats{
		ActiveKeys:       int(active.Val()),
		RecentViolations: int(recent.Val()),
		TopViolators:     []ratelimit.Violator{},
	}

	var violators []ratelimit.Violator
	for _, z := range ranked.Val() {
		key, _ := z.Member.(string)
		if _, ok := liveKeys[key]; !ok {
			continue
		}
		stats.TotalViolations += int64(z.Score)
		violators = append(violators, ratelimit.Violator{Key: key, Count: int64(z.Score)})
	}
	stats.TopViolators = append(stats.TopViolators, ratelimit.RankViolators(violators)...)

	return stats, nil
}
