// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ratekeeper assembles the rate limiting reverse proxy.
package ratekeeper

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/ratekeeper/pkg/adminapi"
	"storj.io/ratekeeper/pkg/authclient"
	"storj.io/ratekeeper/pkg/errdata"
	"storj.io/ratekeeper/pkg/failrate"
	"storj.io/ratekeeper/pkg/geoip"
	"storj.io/ratekeeper/pkg/httplog"
	"storj.io/ratekeeper/pkg/httpserver"
	"storj.io/ratekeeper/pkg/limiter"
	"storj.io/ratekeeper/pkg/middleware"
	"storj.io/ratekeeper/pkg/monitor"
	"storj.io/ratekeeper/pkg/policy"
	"storj.io/ratekeeper/pkg/ratelimit"
	"storj.io/ratekeeper/pkg/ratelimit/redisstore"
	"storj.io/ratekeeper/pkg/startupcheck"
	"storj.io/ratekeeper/pkg/trustedip"
)

// Error is a class of ratekeeper errors.
var Error = errs.Class("ratekeeper")

// Peer is the rate limiting reverse proxy.
type Peer struct {
	log    *zap.Logger
	config Config

	policies  *policy.Holder
	store     ratelimit.Store
	countries *geoip.IPDB
	events    *monitor.Async
	limiter   *limiter.Limiter
	admin     *adminapi.Resources
	startup   *startupcheck.Checker

	server      *httpserver.Server
	adminServer *httpserver.Server

	closers []func() error
}

// New builds a Peer. Listeners are bound, but nothing is served until Run.
func New(log *zap.Logger, config Config) (_ *Peer, err error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	peer := &Peer{
		log:    log,
		config: config,
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, peer.close())
		}
	}()

	tables := policy.Defaults()
	if config.PolicyFile != "" {
		tables, err = policy.LoadFile(config.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	peer.policies = policy.NewHolder(tables)

	probes := map[string]startupcheck.Probe{
		"upstream": startupcheck.HTTP(&http.Client{Timeout: 5 * time.Second}, config.Upstream),
	}

	var pinger adminapi.Pinger
	switch config.Backend {
	case BackendRedis:
		store, err := redisstore.New(config.Redis)
		if err != nil {
			return nil, err
		}
		peer.store, pinger = store, store
		probes["store"] = store.Ping
		peer.closers = append(peer.closers, store.Close)
	default:
		peer.store = ratelimit.NewMemoryStore(log.Named("store"), config.Memory)
	}

	var countries middleware.CountryResolver
	if config.GeoIP.Database != "" {
		peer.countries, err = geoip.Open(config.GeoIP)
		if err != nil {
			return nil, err
		}
		countries = peer.countries
		peer.closers = append(peer.closers, peer.countries.Close)
	}

	peer.startup = startupcheck.New(log.Named("startupcheck"), config.StartupCheck, probes)

	tiers, err := newTierResolver(config.Auth)
	if err != nil {
		return nil, err
	}

	peer.events = monitor.NewAsync(log.Named("events"), monitor.Multi{
		monitor.Events{},
		monitor.NewLog(log.Named("limiter")),
	}, config.Events)

	peer.limiter, err = limiter.New(log.Named("limiter"), config.Limiter, peer.store, peer.policies, tiers, peer.events)
	if err != nil {
		return nil, err
	}

	trusted := trustedIPs(config)
	redactor := httplog.NewRedactor(bypassHeaders(tables)...)

	upstream, err := url.Parse(config.Upstream)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	handler := middleware.NewRateLimit(log.Named("ratelimit"), peer.limiter, trusted, countries).
		Wrap(newProxy(log.Named("proxy"), upstream))
	if config.ConcurrentRequests > 0 {
		handler = middleware.NewConcurrencyLimiter(config.ConcurrentRequests,
			func(r *http.Request) string { return trustedip.GetClientIP(trusted, r) },
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(middleware.HeaderRetryAfter, strconv.Itoa(1))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			},
		).Limit(handler)
	}
	handler = middleware.Metrics(handler)

	peer.server, err = httpserver.New(log, handler, redactor, httpserver.Config{
		Name:            "proxy",
		Address:         config.Server.Address,
		AddressTLS:      config.Server.AddressTLS,
		ProxyAddressTLS: config.Server.ProxyAddressTLS,
		TrafficLogging:  config.Server.TrafficLogging,
		TLSConfig:       tlsConfig(config.Server),
		DisableHTTP2:    config.Server.DisableHTTP2,
	})
	if err != nil {
		return nil, err
	}
	peer.closers = append(peer.closers, peer.server.Shutdown)

	if config.Admin.Address != "" {
		failures, err := failrate.NewLimiters(config.Admin.FailRate, trusted)
		if err != nil {
			return nil, err
		}
		peer.admin = adminapi.New(log.Named("admin"), peer.limiter, tiers, failures, pinger, config.Admin.POSTSizeLimit)
		peer.adminServer, err = httpserver.New(log, peer.admin, redactor, httpserver.Config{
			Name:           "admin",
			Address:        config.Admin.Address,
			TrafficLogging: true,
		})
		if err != nil {
			return nil, err
		}
		peer.closers = append(peer.closers, peer.adminServer.Shutdown)
	}

	return peer, nil
}

// Run serves until ctx is canceled or a server fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.events.Run(ctx))
	})
	group.Go(func() error {
		interval := peer.config.Memory.CleanupInterval
		if peer.config.Backend == BackendRedis {
			interval = peer.config.Redis.CleanupInterval
		}
		return errs2.IgnoreCanceled(ratelimit.RunCleanup(ctx, peer.log.Named("store"), peer.store, interval))
	})
	if peer.config.PolicyFile != "" && peer.config.PolicyReloadInterval > 0 {
		group.Go(func() error {
			return errs2.IgnoreCanceled(peer.reloadPolicies(ctx))
		})
	}

	group.Go(func() error {
		return peer.server.Run(ctx)
	})
	if peer.adminServer != nil {
		group.Go(func() error {
			return peer.adminServer.Run(ctx)
		})
	}
	group.Go(func() error {
		if err := peer.startup.Check(ctx); err != nil {
			return err
		}
		if peer.admin != nil {
			peer.admin.SetStartupDone()
		}
		return nil
	})

	peer.log.Info("rate limiter started",
		zap.String("backend", peer.config.Backend),
		zap.String("upstream", peer.config.Upstream),
		zap.String("address", peer.server.Addr()))

	return group.Wait()
}

// Close shuts the servers down and releases the store.
func (peer *Peer) Close() error {
	if peer.admin != nil {
		peer.admin.SetShuttingDown()
	}
	if delay := peer.config.Server.ShutdownDelay; delay > 0 {
		peer.log.Info("Waiting before server shutdown", zap.Duration("Delay", delay))
		time.Sleep(delay)
	}
	return peer.close()
}

func (peer *Peer) close() error {
	var group errs.Group
	for i := len(peer.closers) - 1; i >= 0; i-- {
		group.Add(peer.closers[i]())
	}
	peer.closers = nil
	return group.Err()
}

// Address returns the HTTP address of the proxy.
func (peer *Peer) Address() string { return peer.server.Addr() }

// AdminAddress returns the address of the admin API, empty when disabled.
func (peer *Peer) AdminAddress() string {
	if peer.adminServer == nil {
		return ""
	}
	return peer.adminServer.Addr()
}

// Limiter returns the decision engine.
func (peer *Peer) Limiter() *limiter.Limiter { return peer.limiter }

func (peer *Peer) reloadPolicies(ctx context.Context) error {
	return sync2.NewCycle(peer.config.PolicyReloadInterval).Run(ctx, func(ctx context.Context) error {
		tables, err := policy.LoadFile(peer.config.PolicyFile)
		if err != nil {
			peer.log.Warn("failed to reload policies; keeping the current ones", zap.Error(err))
			return nil
		}
		peer.policies.Replace(tables)
		return nil
	})
}

func newTierResolver(config authclient.Config) (authclient.Chain, error) {
	static, err := authclient.ParseStaticTokens(config.StaticTokens)
	if err != nil {
		return nil, err
	}

	chain := authclient.Chain{static}
	if config.BaseURL != "" {
		client, err := authclient.New(config)
		if err != nil {
			return nil, err
		}
		chain = append(chain, client)
	}
	return chain, nil
}

func trustedIPs(config Config) trustedip.List {
	if !config.UseClientIPHeaders {
		return trustedip.NewListUntrustAll()
	}
	if len(config.ClientTrustedIPSList) > 0 {
		return trustedip.NewListTrustIPs(config.ClientTrustedIPSList...)
	}
	return trustedip.NewListTrustAll()
}

func tlsConfig(config ServerConfig) *httpserver.TLSConfig {
	if config.InsecureDisableTLS {
		return nil
	}

	tc := &httpserver.TLSConfig{
		LetsEncrypt: config.LetsEncrypt,
		CertFile:    config.CertFile,
		KeyFile:     config.KeyFile,
		ConfigDir:   config.CertDir,
	}
	if config.PublicURL != "" {
		tc.PublicURLs = []string{config.PublicURL}
	}
	if config.CertFile == "" && config.KeyFile == "" {
		tc.CertDir = config.CertDir
	}
	return tc
}

// bypassHeaders lists the bypass headers of every policy so they are kept out
// of the logs.
func bypassHeaders(tables *policy.Tables) []string {
	var headers []string
	for _, rule := range tables.Endpoints() {
		if rule.Flat != nil {
			headers = append(headers, rule.Flat.BypassHeader)
		}
		if rule.Tiers != nil {
			for _, tier := range policy.Tiers {
				headers = append(headers, rule.Tiers.For(tier).BypassHeader)
			}
		}
	}
	return headers
}

// newProxy forwards admitted requests to upstream.
func newProxy(log *zap.Logger, upstream *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			middleware.AddRequestIDToHeaders(pr.Out)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := errdata.GetStatus(errdata.Upstream(err), http.StatusBadGateway)
			log.Warn("upstream request failed",
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Error(err))
			w.WriteHeader(status)
		},
		ErrorLog: zap.NewStdLog(log),
	}
}
