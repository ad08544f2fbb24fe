// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package policy holds the static rate limit configuration: the endpoint
// table partitioned by tier and the per-country geographic modifiers.
//
// Tables are immutable once built. Hot updates go through a Holder, which
// swaps a whole new snapshot in place so readers never observe a partially
// applied update.
package policy

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of policy configuration errors. They are fatal at
// startup.
var Error = errs.Class("policy configuration")

// DefaultEndpoint is the mandatory fallback entry of an EndpointTable.
const DefaultEndpoint = "default"

// Policy is a single fixed-window rate limit.
type Policy struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max-requests"`
	// BurstLimit is a stricter cap applied while the window is younger than
	// BurstWindow. Zero disables it.
	BurstLimit int `yaml:"burst-limit,omitempty"`
	// BurstWindow defaults to a tenth of Window.
	BurstWindow  time.Duration `yaml:"burst-window,omitempty"`
	BypassHeader string        `yaml:"bypass-header,omitempty"`
}

// BurstHorizon returns how long after a window starts the burst cap applies.
func (p Policy) BurstHorizon() time.Duration {
	if p.BurstWindow > 0 {
		return p.BurstWindow
	}
	return p.Window / 10
}

// Scale multiplies MaxRequests and BurstLimit by factor, flooring the result.
// A positive limit never drops below minimum.
func (p Policy) Scale(factor float64, minimum int) Policy {
	p.MaxRequests = scale(p.MaxRequests, factor, minimum)
	p.BurstLimit = scale(p.BurstLimit, factor, minimum)
	return p
}

func scale(v int, factor float64, minimum int) int {
	if v <= 0 {
		return v
	}
	scaled := int(math.Floor(float64(v) * factor))
	if scaled < minimum {
		return minimum
	}
	return scaled
}

func (p Policy) validate(where string) error {
	switch {
	case p.Window <= 0:
		return Error.New("%s: window must be positive", where)
	case p.MaxRequests < 0:
		return Error.New("%s: max-requests must not be negative", where)
	case p.BurstLimit < 0:
		return Error.New("%s: burst-limit must not be negative", where)
	case p.BurstWindow < 0:
		return Error.New("%s: burst-window must not be negative", where)
	}
	return nil
}

type jsonPolicy struct {
	WindowMs      int64  `json:"windowMs"`
	MaxRequests   int    `json:"maxRequests"`
	BurstLimit    int    `json:"burstLimit,omitempty"`
	BurstWindowMs int64  `json:"burstWindowMs,omitempty"`
	BypassHeader  string `json:"bypassHeaderName,omitempty"`
}

// MarshalJSON encodes durations as milliseconds.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonPolicy{
		WindowMs:      p.Window.Milliseconds(),
		MaxRequests:   p.MaxRequests,
		BurstLimit:    p.BurstLimit,
		BurstWindowMs: p.BurstWindow.Milliseconds(),
		BypassHeader:  p.BypassHeader,
	})
}

// UnmarshalJSON decodes durations from milliseconds.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var v jsonPolicy
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Policy{
		Window:       time.Duration(v.WindowMs) * time.Millisecond,
		MaxRequests:  v.MaxRequests,
		BurstLimit:   v.BurstLimit,
		BurstWindow:  time.Duration(v.BurstWindowMs) * time.Millisecond,
		BypassHeader: v.BypassHeader,
	}
	return nil
}

// Tiered holds one policy per tier. There is no inheritance between tiers.
type Tiered struct {
	Anonymous     Policy `yaml:"anonymous" json:"anonymous"`
	Authenticated Policy `yaml:"authenticated" json:"authenticated"`
	Admin         Policy `yaml:"admin" json:"admin"`
	SuperAdmin    Policy `yaml:"superadmin" json:"superadmin"`
}

// For returns the policy of tier t.
func (t *Tiered) For(tier Tier) Policy {
	switch tier {
	case Authenticated:
		return t.Authenticated
	case Admin:
		return t.Admin
	case SuperAdmin:
		return t.SuperAdmin
	default:
		return t.Anonymous
	}
}

// Rule is an endpoint entry: either tier partitioned or a single flat policy.
type Rule struct {
	Tiers *Tiered `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Flat  *Policy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// For returns the policy that applies to tier.
func (r Rule) For(tier Tier) Policy {
	if r.Tiers != nil {
		return r.Tiers.For(tier)
	}
	if r.Flat != nil {
		return *r.Flat
	}
	return Policy{}
}

func (r Rule) validate(endpoint string) error {
	switch {
	case r.Tiers != nil && r.Flat != nil:
		return Error.New("endpoint %q: tiers and policy are mutually exclusive", endpoint)
	case r.Flat != nil:
		return r.Flat.validate(endpoint)
	case r.Tiers != nil:
		for _, tier := range Tiers {
			if err := r.Tiers.For(tier).validate(endpoint + "/" + tier.String()); err != nil {
				return err
			}
		}
		return nil
	}
	return Error.New("endpoint %q: either tiers or policy is required", endpoint)
}

// EndpointTable maps a normalized endpoint prefix to its rule.
type EndpointTable map[string]Rule

// Validate checks the table is usable.
func (t EndpointTable) Validate() error {
	if _, ok := t[DefaultEndpoint]; !ok {
		return Error.New("the %q endpoint entry is mandatory", DefaultEndpoint)
	}
	var group errs.Group
	for endpoint, rule := range t {
		if endpoint != DefaultEndpoint && !strings.HasPrefix(endpoint, "/") {
			group.Add(Error.New("endpoint %q must start with /", endpoint))
			continue
		}
		group.Add(rule.validate(endpoint))
	}
	return group.Err()
}

// GeoModifier adjusts the limits of requests coming from a country.
type GeoModifier struct {
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Blocked    bool    `yaml:"blocked,omitempty" json:"blocked,omitempty"`
}

// Neutral is the modifier applied to unknown countries.
var Neutral = GeoModifier{Multiplier: 1}

// GeoTable maps upper-case ISO 3166-1 alpha-2 country codes to modifiers.
type GeoTable map[string]GeoModifier

// Lookup returns the modifier for country, Neutral when unknown.
func (t GeoTable) Lookup(country string) GeoModifier {
	if country == "" {
		return Neutral
	}
	if m, ok := t[strings.ToUpper(country)]; ok {
		return m
	}
	return Neutral
}

// Validate checks every modifier.
func (t GeoTable) Validate() error {
	for country, m := range t {
		if len(country) != 2 || strings.ToUpper(country) != country {
			return Error.New("country %q must be an upper-case two letter code", country)
		}
		if !m.Blocked && m.Multiplier <= 0 {
			return Error.New("country %q: multiplier must be positive", country)
		}
	}
	return nil
}

// Tables is an immutable snapshot of the endpoint and geography tables.
type Tables struct {
	endpoints EndpointTable
	geo       GeoTable
	// prefixes are the endpoint keys sorted longest first.
	prefixes []string
}

// NewTables validates and snapshots the given tables. The maps are copied.
func NewTables(endpoints EndpointTable, geo GeoTable) (*Tables, error) {
	if err := endpoints.Validate(); err != nil {
		return nil, err
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	t := &Tables{
		endpoints: make(EndpointTable, len(endpoints)),
		geo:       make(GeoTable, len(geo)),
	}
	for k, v := range endpoints {
		t.endpoints[k] = v
		if k != DefaultEndpoint {
			t.prefixes = append(t.prefixes, k)
		}
	}
	for k, v := range geo {
		t.geo[k] = v
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t, nil
}

// Match returns the table key matching the normalized endpoint and its rule.
// The longest key that is a segment-aligned prefix of endpoint wins; when
// nothing matches the default entry is returned.
func (t *Tables) Match(endpoint string) (string, Rule) {
	for _, prefix := range t.prefixes {
		if hasSegmentPrefix(endpoint, prefix) {
			return prefix, t.endpoints[prefix]
		}
	}
	return DefaultEndpoint, t.endpoints[DefaultEndpoint]
}

// Geo returns the modifier for country.
func (t *Tables) Geo(country string) GeoModifier { return t.geo.Lookup(country) }

// Endpoints returns a copy of the endpoint table.
func (t *Tables) Endpoints() EndpointTable {
	c := make(EndpointTable, len(t.endpoints))
	for k, v := range t.endpoints {
		c[k] = v
	}
	return c
}

// GeoTable returns a copy of the geography table.
func (t *Tables) GeoTable() GeoTable {
	c := make(GeoTable, len(t.geo))
	for k, v := range t.geo {
		c[k] = v
	}
	return c
}

func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
