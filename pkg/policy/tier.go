// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package policy

import (
	"strings"
)

// Tier classifies a caller for policy selection.
type Tier int

const (
	// Anonymous is any caller without a resolvable session.
	Anonymous Tier = iota
	// Authenticated is a caller with a valid session.
	Authenticated
	// Admin is an administrative caller.
	Admin
	// SuperAdmin is the most privileged caller.
	SuperAdmin
)

// Tiers lists every tier from the least to the most privileged.
var Tiers = []Tier{Anonymous, Authenticated, Admin, SuperAdmin}

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Admin:
		return "admin"
	case SuperAdmin:
		return "superadmin"
	default:
		return "anonymous"
	}
}

// ParseTier parses the name of a tier. Unknown names resolve to Anonymous
// and ok is false.
func ParseTier(s string) (_ Tier, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anonymous", "":
		return Anonymous, s != ""
	case "authenticated", "user":
		return Authenticated, true
	case "admin":
		return Admin, true
	case "superadmin", "super_admin", "super-admin":
		return SuperAdmin, true
	}
	return Anonymous, false
}

// AtLeast returns true if t is as privileged as other.
func (t Tier) AtLeast(other Tier) bool { return t >= other }
