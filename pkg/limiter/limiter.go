// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package limiter decides whether a request is admitted.
//
// A decision resolves the caller's tier and the endpoint policy, adjusts it
// for the client's country and violation history, and counts the request
// against a fixed window in the store. Check never fails: internal errors
// turn into a short denial.
package limiter

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/useragent"
	"storj.io/ratekeeper/pkg/policy"
	"storj.io/ratekeeper/pkg/ratelimit"
)

var mon = monkit.Package()

// Error is the class of limiter errors.
var Error = errs.Class("limiter")

// Config configures the limiter.
type Config struct {
	BypassSecret  string        `help:"value the bypass header of a policy must carry to skip limiting; any value is accepted when empty" default:""`
	KeySecret     string        `help:"secret keying the client digests; must be shared by instances using a shared store, random when empty" default:""`
	ProbeAgents   []string      `help:"user agent products of internal probes that are never limited" default:"ratekeeper-probe,kube-probe"`
	FailSafeRetry time.Duration `help:"retry after reported when a decision can't be made" default:"5s"`
	TierTimeout   time.Duration `help:"how long a decision waits for the tier of a credential before treating the caller as anonymous" default:"250ms"`
}

// Limiter is the admission decision engine. It is safe for concurrent use.
type Limiter struct {
	log      *zap.Logger
	config   Config
	store    ratelimit.Store
	policies *policy.Holder
	tiers    TierResolver
	observer Observer
	keys     *keyer
	probes   map[string]struct{}

	now func() time.Time
}

// New returns a new Limiter. tiers and observer may be nil.
func New(log *zap.Logger, config Config, store ratelimit.Store, policies *policy.Holder, tiers TierResolver, observer Observer) (*Limiter, error) {
	if store == nil || policies == nil {
		return nil, Error.New("store and policies are required")
	}
	if config.FailSafeRetry <= 0 {
		config.FailSafeRetry = 5 * time.Second
	}
	if config.TierTimeout <= 0 {
		config.TierTimeout = 250 * time.Millisecond
	}
	if observer == nil {
		observer = nopObserver{}
	}

	keys, err := newKeyer(config.KeySecret)
	if err != nil {
		return nil, err
	}

	probes := make(map[string]struct{}, len(config.ProbeAgents))
	for _, agent := range config.ProbeAgents {
		if agent != "" {
			probes[agent] = struct{}{}
		}
	}

	return &Limiter{
		log:      log,
		config:   config,
		store:    store,
		policies: policies,
		tiers:    tiers,
		observer: observer,
		keys:     keys,
		probes:   probes,
		now:      time.Now,
	}, nil
}

// Check decides whether req is admitted and counts it.
func (l *Limiter) Check(ctx context.Context, req Request) (decision Decision) {
	defer mon.Task()(&ctx)(nil)

	now := l.now()
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("rate limit check panicked", zap.Any("panic", rec), zap.Stack("stack"))
			decision = l.failSafe(now)
		}
	}()

	decision, err := l.check(ctx, now, req)
	if err != nil {
		l.log.Error("rate limit check failed", zap.Error(err))
		return l.failSafe(now)
	}

	if decision.Allowed {
		mon.Counter("ratelimit_allowed").Inc(1)
	} else {
		mon.Counter("ratelimit_denied").Inc(1)
	}
	return decision
}

func (l *Limiter) check(ctx context.Context, now time.Time, req Request) (Decision, error) {
	tier := l.resolveTier(ctx, req.Credential)

	tables := l.policies.Load()
	endpoint, rule := tables.Match(policy.NormalizeEndpoint(req.Path))
	base := rule.For(tier)

	geo := tables.Geo(req.Country)
	if geo.Blocked {
		mon.Counter("ratelimit_geo_blocked").Inc(1)
		l.observer.LimitReached(ctx, Event{
			Reason:   ReasonGeoBlocked,
			Endpoint: endpoint,
			Tier:     tier,
			Country:  req.Country,
			At:       now,
		})
		return deny(now, 0, now.Add(base.Window)), nil
	}

	if l.bypass(base, req) {
		mon.Counter("ratelimit_bypassed").Inc(1)
		return Decision{
			Allowed:   true,
			Limit:     base.MaxRequests,
			Remaining: base.MaxRequests,
			ResetTime: now.Add(base.Window),
		}, nil
	}

	effective := base.Scale(geo.Multiplier, 1)

	key := l.keys.Key(req.Addrs.ClientIP(), tier, endpoint, req.UserAgent)

	violations, err := l.store.ViolationCount(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if factor := PenaltyFactor(violations); factor < 1 {
		effective = effective.Scale(factor, 1)
	}

	inc, err := l.store.Increment(ctx, key, effective.Window)
	if err != nil {
		return Decision{}, err
	}

	inBurst := effective.BurstLimit > 0 && now.Sub(inc.StartedAt) < effective.BurstHorizon()

	var reason Reason
	var limit int
	switch {
	case inBurst && inc.Count > int64(effective.BurstLimit):
		reason, limit = ReasonBurst, effective.BurstLimit
	case inc.Count > int64(effective.MaxRequests):
		reason, limit = ReasonSustained, effective.MaxRequests
	default:
		remaining := int64(effective.MaxRequests) - inc.Count
		if inBurst {
			remaining = min(remaining, int64(effective.BurstLimit)-inc.Count)
		}
		return Decision{
			Allowed:   true,
			Limit:     effective.MaxRequests,
			Remaining: int(max(remaining, 0)),
			ResetTime: inc.ResetAt,
		}, nil
	}

	if err := l.store.RecordViolation(ctx, key); err != nil {
		l.log.Warn("failed to record violation", zap.Error(err))
	}
	l.observer.LimitReached(ctx, Event{
		Reason:   reason,
		Endpoint: endpoint,
		Tier:     tier,
		Count:    inc.Count,
		Limit:    limit,
		Key:      key,
		Country:  req.Country,
		At:       now,
	})

	return deny(now, limit, inc.ResetAt), nil
}

func deny(now time.Time, limit int, reset time.Time) Decision {
	retry := time.Duration(math.Ceil(reset.Sub(now).Seconds())) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{
		Limit:      limit,
		ResetTime:  reset,
		RetryAfter: retry,
	}
}

func (l *Limiter) failSafe(now time.Time) Decision {
	mon.Counter("ratelimit_failsafe").Inc(1)
	return Decision{
		ResetTime:  now.Add(l.config.FailSafeRetry),
		RetryAfter: l.config.FailSafeRetry,
	}
}

// resolveTier never fails: errors and panics of the resolver degrade to
// anonymous.
func (l *Limiter) resolveTier(ctx context.Context, credential string) (tier policy.Tier) {
	if l.tiers == nil || credential == "" {
		return policy.Anonymous
	}

	defer func() {
		if rec := recover(); rec != nil {
			mon.Counter("ratelimit_tier_fallback").Inc(1)
			l.log.Debug("tier resolution panicked", zap.Any("panic", rec))
			tier = policy.Anonymous
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, l.config.TierTimeout)
	defer cancel()

	tier, err := l.tiers.ResolveTier(ctx, credential)
	if err != nil {
		mon.Counter("ratelimit_tier_fallback").Inc(1)
		l.log.Debug("tier resolution failed", zap.Error(err))
		return policy.Anonymous
	}
	return tier
}

func (l *Limiter) bypass(p policy.Policy, req Request) bool {
	if p.BypassHeader != "" && req.Header != nil {
		if values := req.Header.Values(http.CanonicalHeaderKey(p.BypassHeader)); len(values) > 0 {
			if l.config.BypassSecret == "" || secretEqual(values[0], l.config.BypassSecret) {
				return true
			}
		}
	}

	if len(l.probes) == 0 || req.UserAgent == "" {
		return false
	}
	entries, err := useragent.ParseEntries([]byte(req.UserAgent))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if _, ok := l.probes[entry.Product]; ok {
			return true
		}
	}
	return false
}

// PenaltyFactor returns the multiplier applied to the limits of a key with
// the given number of violations.
func PenaltyFactor(violations int64) float64 {
	switch {
	case violations <= 0:
		return 1
	case violations == 1:
		return 0.8
	case violations < 5:
		return 0.5
	case violations < 10:
		return 0.3
	default:
		return 0.1
	}
}

// UpdateConfig replaces whole endpoint entries of the policy table.
func (l *Limiter) UpdateConfig(partial policy.EndpointTable) error {
	return l.policies.Update(partial)
}

// UpdateGeo replaces whole country modifiers of the geography table.
func (l *Limiter) UpdateGeo(partial policy.GeoTable) error {
	return l.policies.UpdateGeo(partial)
}

// UpdatePolicies applies endpoint and geography changes together. Nothing is
// applied when either is invalid.
func (l *Limiter) UpdatePolicies(endpoints policy.EndpointTable, geo policy.GeoTable) error {
	return l.policies.Patch(endpoints, geo)
}

// Policies returns the current policy tables.
func (l *Limiter) Policies() *policy.Tables { return l.policies.Load() }

// Stats returns the store statistics.
func (l *Limiter) Stats(ctx context.Context) (_ ratelimit.Stats, err error) {
	defer mon.Task()(&ctx)(&err)
	stats, err := l.store.Stats(ctx)
	return stats, Error.Wrap(err)
}
