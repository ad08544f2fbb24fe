// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package policy

import "time"

func tiered(window time.Duration, anonymous, authenticated, admin, superAdmin int) Rule {
	p := func(max int) Policy {
		return Policy{Window: window, MaxRequests: max, BurstLimit: burstOf(max)}
	}
	return Rule{Tiers: &Tiered{
		Anonymous:     p(anonymous),
		Authenticated: p(authenticated),
		Admin:         p(admin),
		SuperAdmin:    p(superAdmin),
	}}
}

// burstOf allows a fifth of the window budget in the burst horizon.
func burstOf(max int) int {
	if max < 10 {
		return 0
	}
	return max / 5
}

// DefaultEndpoints returns the built-in endpoint table.
func DefaultEndpoints() EndpointTable {
	return EndpointTable{
		DefaultEndpoint: tiered(time.Minute, 60, 300, 1000, 5000),

		"/api/auth/login":    tiered(15*time.Minute, 5, 10, 20, 50),
		"/api/auth/register": tiered(time.Hour, 3, 3, 10, 50),
		"/api/auth":          tiered(time.Minute, 20, 60, 120, 500),
		"/api/admin":         tiered(time.Minute, 0, 0, 300, 1000),
		"/api/upload":        tiered(time.Hour, 0, 50, 200, 1000),
		"/api/search":        tiered(time.Minute, 30, 120, 600, 2000),
		"/api/sse": {Flat: &Policy{
			Window:      time.Minute,
			MaxRequests: 10,
		}},
		"/health": {Flat: &Policy{
			Window:       time.Minute,
			MaxRequests:  120,
			BypassHeader: "X-Health-Check",
		}},
	}
}

// DefaultGeo returns the built-in geography table.
func DefaultGeo() GeoTable {
	return GeoTable{
		"US": {Multiplier: 1.0},
		"CA": {Multiplier: 1.0},
		"GB": {Multiplier: 1.0},
		"DE": {Multiplier: 1.0},
		"CN": {Multiplier: 0.5},
		"RU": {Multiplier: 0.5},
		"KP": {Blocked: true},
	}
}

// Defaults returns a snapshot of the built-in tables.
func Defaults() *Tables {
	t, err := NewTables(DefaultEndpoints(), DefaultGeo())
	if err != nil {
		panic(err) // the built-in tables are covered by tests
	}
	return t
}
