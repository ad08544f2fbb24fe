// Copyright (C) 2020 Storj Labs, Inc.
// See LICENSE for copying information.

// Package adminapi exposes the rate limiter statistics and policies to
// administrators over HTTP.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/ratekeeper/pkg/authclient"
	"storj.io/ratekeeper/pkg/failrate"
	"storj.io/ratekeeper/pkg/middleware"
	"storj.io/ratekeeper/pkg/policy"
	"storj.io/ratekeeper/pkg/ratelimit"
)

// Service is the rate limiter as seen by administrators.
type Service interface {
	Stats(ctx context.Context) (ratelimit.Stats, error)
	Policies() *policy.Tables
	UpdatePolicies(endpoints policy.EndpointTable, geo policy.GeoTable) error
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Policies is the JSON form of the policy tables. A PATCH carries only the
// entries to replace; an empty rule removes its endpoint.
type Policies struct {
	Endpoints policy.EndpointTable `json:"endpoints,omitempty"`
	Geo       policy.GeoTable      `json:"geo,omitempty"`
}

// Resources expose the Service over HTTP.
type Resources struct {
	log           *zap.Logger
	service       Service
	tiers         authclient.Resolver
	failures      *failrate.Limiters
	store         Pinger
	postSizeLimit memory.Size

	handler http.Handler

	mu       sync.Mutex
	startup  bool
	shutdown bool
}

// New constructs Resources. Callers are authorized by the tier tiers
// resolves their bearer token to. Clients presenting invalid credentials too
// often are turned away by failures. failures and store may be nil.
func New(log *zap.Logger, service Service, tiers authclient.Resolver, failures *failrate.Limiters, store Pinger, postSizeLimit memory.Size) *Resources {
	res := &Resources{
		log:           log,
		service:       service,
		tiers:         tiers,
		failures:      failures,
		store:         store,
		postSizeLimit: postSizeLimit,
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health/startup", res.getStartup).Methods(http.MethodGet)
	v1.HandleFunc("/health/live", res.getLive).Methods(http.MethodGet)
	v1.Handle("/stats", res.require(policy.Admin, res.getStats)).Methods(http.MethodGet)
	v1.Handle("/policies", res.require(policy.Admin, res.getPolicies)).Methods(http.MethodGet)
	v1.Handle("/policies", res.require(policy.SuperAdmin, res.patchPolicies)).Methods(http.MethodPatch)

	res.handler = r
	return res
}

// ServeHTTP makes Resources an http.Handler.
func (res *Resources) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Below is a pre-flight check to make sure we don't unnecessarily read what
	// we would throw away anyway.
	if req.ContentLength > res.postSizeLimit.Int64() {
		res.writeError(w, "ServeHTTP", "", http.StatusRequestEntityTooLarge)
		return
	}
	res.handler.ServeHTTP(w, req)
}

// SetStartupDone sets the startup status flag to true indicating startup is complete.
func (res *Resources) SetStartupDone() {
	res.mu.Lock()
	defer res.mu.Unlock()

	res.startup = true
}

// SetShuttingDown makes the liveness check fail so load balancers drain the
// instance before it stops.
func (res *Resources) SetShuttingDown() {
	res.mu.Lock()
	defer res.mu.Unlock()

	res.shutdown = true
}

func (res *Resources) writeError(w http.ResponseWriter, method string, msg string, status int) {
	res.log.Info("writing error", zap.String("method", method), zap.String("msg", msg), zap.Int("status", status))
	http.Error(w, msg, status)
}

func (res *Resources) writeJSON(w http.ResponseWriter, method string, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		res.log.Debug("failed to write response", zap.String("method", method), zap.Error(err))
	}
}

// require only lets callers of at least tier min through.
func (res *Resources) require(min policy.Tier, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := middleware.BearerToken(req)
		if token == "" || res.tiers == nil {
			res.writeError(w, "require", "missing credentials", http.StatusUnauthorized)
			return
		}

		succeeded, failed := func() {}, func() {}
		if res.failures != nil {
			var allowed bool
			var delay time.Duration
			allowed, succeeded, failed, delay = res.failures.AllowReq(req)
			if !allowed {
				w.Header().Set(middleware.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				res.writeError(w, "require", "too many failed attempts", http.StatusTooManyRequests)
				return
			}
		}

		tier, err := res.tiers.ResolveTier(req.Context(), token)
		if err != nil {
			succeeded()
			res.writeError(w, "require", err.Error(), http.StatusServiceUnavailable)
			return
		}
		if tier == policy.Anonymous {
			failed()
			res.writeError(w, "require", "invalid credentials", http.StatusUnauthorized)
			return
		}
		succeeded()

		if !tier.AtLeast(min) {
			res.writeError(w, "require", "insufficient privileges", http.StatusForbidden)
			return
		}

		next(w, req)
	})
}

// getStartup returns 200 when the service has finished initial start up
// processing and 503 Service Unavailable otherwise.
func (res *Resources) getStartup(w http.ResponseWriter, req *http.Request) {
	res.mu.Lock()
	startup := res.startup
	res.mu.Unlock()

	if startup {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// getLive returns 200 when the service is able to process requests and 503
// Service Unavailable otherwise (e.g. the shared store is unreachable).
func (res *Resources) getLive(w http.ResponseWriter, req *http.Request) {
	res.log.Debug("getLive request", zap.String("remote address", req.RemoteAddr))

	res.mu.Lock()
	up := res.startup && !res.shutdown
	res.mu.Unlock()

	if !up {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if res.store != nil {
		if err := res.store.Ping(req.Context()); err != nil {
			res.log.Warn("store unreachable", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (res *Resources) getStats(w http.ResponseWriter, req *http.Request) {
	stats, err := res.service.Stats(req.Context())
	if err != nil {
		res.writeError(w, "getStats", err.Error(), http.StatusInternalServerError)
		return
	}
	res.writeJSON(w, "getStats", stats)
}

func (res *Resources) getPolicies(w http.ResponseWriter, req *http.Request) {
	tables := res.service.Policies()
	res.writeJSON(w, "getPolicies", Policies{
		Endpoints: tables.Endpoints(),
		Geo:       tables.GeoTable(),
	})
}

func (res *Resources) patchPolicies(w http.ResponseWriter, req *http.Request) {
	var patch Policies

	reader := http.MaxBytesReader(w, req.Body, res.postSizeLimit.Int64())
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		status := http.StatusUnprocessableEntity

		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}

		res.writeError(w, "patchPolicies", err.Error(), status)
		return
	}

	if err := res.service.UpdatePolicies(patch.Endpoints, patch.Geo); err != nil {
		res.writeError(w, "patchPolicies", err.Error(), http.StatusBadRequest)
		return
	}

	res.log.Info("policies updated",
		zap.Int("endpoints", len(patch.Endpoints)),
		zap.Int("countries", len(patch.Geo)))

	res.getPolicies(w, req)
}
