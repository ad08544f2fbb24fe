// Copyright (C) 2022 Storj Labs, Inc.
// See LICENSE for copying information.

package middleware

import (
	"net/http"
	"sync"
)

// ConcurrencyLimiter caps the number of in-flight requests per key.
type ConcurrencyLimiter struct {
	allowed   uint // maximum concurrent allowed
	keyFunc   func(*http.Request) string
	limitFunc func(w http.ResponseWriter, r *http.Request)

	limits map[string]uint
	m      sync.Mutex
}

// NewConcurrencyLimiter constructs a ConcurrencyLimiter. limitFunc writes the
// response of the requests over the limit.
func NewConcurrencyLimiter(allowed uint, keyFunc func(*http.Request) string, limitFunc func(w http.ResponseWriter, r *http.Request)) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		allowed:   allowed,
		limits:    make(map[string]uint),
		keyFunc:   keyFunc,
		limitFunc: limitFunc,
	}
}

// Limit applies per-key request concurrency limiting as an HTTP middleware.
func (l *ConcurrencyLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyFunc(r)

		l.m.Lock()
		l.limits[key]++
		over := l.limits[key] > l.allowed
		l.m.Unlock()

		defer func() {
			l.m.Lock()
			l.limits[key]--
			if l.limits[key] == 0 {
				delete(l.limits, key)
			}
			l.m.Unlock()
		}()

		if over {
			mon.Counter("concurrency_limited").Inc(1)
			l.limitFunc(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
