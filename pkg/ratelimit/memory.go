// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	Shards             int           `help:"number of independently locked shards of the in-memory store" default:"64" testDefault:"4"`
	CleanupInterval    time.Duration `help:"how often expired counters and stale violations are reaped" default:"1m"`
	ViolationRetention time.Duration `help:"how long a violation record is kept after the last violation" default:"24h"`
}

// MemoryStore is a Store local to the process. State is lost on restart.
//
// Keys are spread over shards, each with its own lock, so that the read,
// modify and write of a key happens atomically without serializing
// unrelated keys. Expired entries are treated as absent on access and
// physically removed by Cleanup, which Run calls periodically.
type MemoryStore struct {
	log       *zap.Logger
	shards    []*shard
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

type shard struct {
	mu         sync.Mutex
	counters   map[string]Counter
	violations map[string]Violation
}

// NewMemoryStore returns a new MemoryStore.
func NewMemoryStore(log *zap.Logger, config MemoryConfig) *MemoryStore {
	if config.Shards <= 0 {
		config.Shards = 64
	}
	if config.ViolationRetention <= 0 {
		config.ViolationRetention = DefaultViolationRetention
	}

	s := &MemoryStore{
		log:       log,
		shards:    make([]*shard, config.Shards),
		retention: config.ViolationRetention,
		interval:  config.CleanupInterval,
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			counters:   make(map[string]Counter),
			violations: make(map[string]Violation),
		}
	}
	return s
}

// SetClock replaces the time source. It must be called before the store is
// used.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) shard(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (_ Counter, ok bool, err error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || now.After(c.ResetAt) || c.Count < 0 {
		return Counter{}, false, nil
	}
	return c, true, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (_ Increment, err error) {
	if window <= 0 {
		return Increment{}, Error.New("window must be positive")
	}

	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if ok && c.Count < 0 {
		mon.Event("ratelimit_store_corruption")
		s.log.Warn("discarding corrupted counter", zap.String("key", key), zap.Int64("count", c.Count))
		ok = false
	}

	if !ok || now.After(c.ResetAt) {
		c = Counter{Count: 1, ResetAt: now.Add(window), StartedAt: now}
		sh.counters[key] = c
		return Increment{Counter: c, IsNewWindow: true}, nil
	}

	c.Count++
	sh.counters[key] = c
	return Increment{Counter: c}, nil
}

// RecordViolation implements Store.
func (s *MemoryStore) RecordViolation(ctx context.Context, key string) (err error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v := sh.violations[key]
	if !v.LastAt.IsZero() && now.Sub(v.LastAt) > s.retention {
		v = Violation{}
	}
	v.Count++
	v.LastAt = now
	sh.violations[key] = v
	return nil
}

// ViolationCount implements Store.
func (s *MemoryStore) ViolationCount(ctx context.Context, key string) (_ int64, err error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.violations[key]
	if !ok || now.Sub(v.LastAt) > s.retention {
		return 0, nil
	}
	return v.Count, nil
}

// Cleanup implements Store. It locks one shard at a time.
func (s *MemoryStore) Cleanup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()
	var counters, violations int
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		sh.mu.Lock()
		for key, c := range sh.counters {
			if now.After(c.ResetAt) || c.Count < 0 {
				delete(sh.counters, key)
				counters++
			}
		}
		for key, v := range sh.violations {
			if now.Sub(v.LastAt) > s.retention {
				delete(sh.violations, key)
				violations++
			}
		}
		sh.mu.Unlock()
	}

	mon.IntVal("ratelimit_reaped_counters").Observe(int64(counters))
	mon.IntVal("ratelimit_reaped_violations").Observe(int64(violations))
	s.log.Debug("reaped rate limit state",
		zap.Int("counters", counters),
		zap.Int("violations", violations))

	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()
	stats := Stats{TopViolators: []Violator{}}

	var violators []Violator
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, c := range sh.counters {
			if !now.After(c.ResetAt) && c.Count >= 0 {
				stats.ActiveKeys++
			}
		}
		for key, v := range sh.violations {
			age := now.Sub(v.LastAt)
			if age > s.retention {
				continue
			}
			stats.TotalViolations += v.Count
			if age <= RecentViolationsHorizon {
				stats.RecentViolations++
			}
			violators = append(violators, Violator{Key: key, Count: v.Count})
		}
		sh.mu.Unlock()
	}

	stats.TopViolators = append(stats.TopViolators, RankViolators(violators)...)
	return stats, nil
}

// RankViolators sorts violators by count, descending, ties by key, and keeps
// the first TopViolatorsCount.
func RankViolators(violators []Violator) []Violator {
	sort.Slice(violators, func(i, j int) bool {
		if violators[i].Count != violators[j].Count {
			return violators[i].Count > violators[j].Count
		}
		return violators[i].Key < violators[j].Key
	})
	if len(violators) > TopViolatorsCount {
		violators = violators[:TopViolatorsCount]
	}
	return violators
}

// Run reaps expired state every CleanupInterval until ctx is canceled.
func (s *MemoryStore) Run(ctx context.Context) error {
	return RunCleanup(ctx, s.log, s, s.interval)
}

// RunCleanup calls store.Cleanup every interval until ctx is canceled. A
// non-positive interval only waits for ctx.
func RunCleanup(ctx context.Context, log *zap.Logger, store Store, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	return sync2.NewCycle(interval).Run(ctx, func(ctx context.Context) error {
		if err := store.Cleanup(ctx); err != nil {
			log.Warn("rate limit cleanup failed", zap.Error(err))
		}
		return nil
	})
}
