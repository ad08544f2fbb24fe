// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package policy

import (
	"sync"
	"sync/atomic"
)

// Holder publishes the current Tables to concurrent readers.
//
// Readers call Load without synchronization. Writers build a new snapshot
// and swap the pointer; writers are serialized among themselves so that two
// concurrent partial updates don't lose each other.
type Holder struct {
	mu      sync.Mutex
	current atomic.Pointer[Tables]
}

// NewHolder returns a Holder publishing initial.
func NewHolder(initial *Tables) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Tables { return h.current.Load() }

// Update replaces whole entries at the given endpoint keys. Entries are not
// merged per tier: a partial rule replaces the previous rule entirely. A nil
// Tiers and Flat in a rule removes the entry, except for the default entry
// which can't be removed.
func (h *Holder) Update(partial EndpointTable) error {
	return h.Patch(partial, nil)
}

// UpdateGeo replaces whole modifiers at the given country codes.
func (h *Holder) UpdateGeo(partial GeoTable) error {
	return h.Patch(nil, partial)
}

// Patch applies endpoint and geography changes as one snapshot. Either both
// are published or, on error, neither is.
func (h *Holder) Patch(endpoints EndpointTable, geo GeoTable) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.current.Load()

	nextEndpoints := old.Endpoints()
	for endpoint, rule := range endpoints {
		if rule.Tiers == nil && rule.Flat == nil {
			if endpoint == DefaultEndpoint {
				return Error.New("the %q endpoint entry can't be removed", DefaultEndpoint)
			}
			delete(nextEndpoints, endpoint)
			continue
		}
		nextEndpoints[endpoint] = rule
	}

	nextGeo := old.GeoTable()
	for country, m := range geo {
		nextGeo[country] = m
	}

	next, err := NewTables(nextEndpoints, nextGeo)
	if err != nil {
		return err
	}

	h.current.Store(next)
	return nil
}

// Replace publishes a whole new snapshot.
func (h *Holder) Replace(tables *Tables) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Store(tables)
}
