// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratekeeper

import (
	"net/url"
	"time"

	"storj.io/common/memory"
	"storj.io/ratekeeper/pkg/authclient"
	"storj.io/ratekeeper/pkg/failrate"
	"storj.io/ratekeeper/pkg/geoip"
	"storj.io/ratekeeper/pkg/limiter"
	"storj.io/ratekeeper/pkg/monitor"
	"storj.io/ratekeeper/pkg/ratelimit"
	"storj.io/ratekeeper/pkg/ratelimit/redisstore"
	"storj.io/ratekeeper/pkg/startupcheck"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config configures the rate limiting proxy.
type Config struct {
	Server ServerConfig
	Admin  AdminConfig

	Upstream             string        `user:"true" help:"URL admitted requests are forwarded to" releaseDefault:"" devDefault:"http://localhost:8080"`
	PolicyFile           string        `user:"true" help:"path to the YAML policy file; built-in defaults are used when empty" default:""`
	PolicyReloadInterval time.Duration `help:"how often the policy file is re-read; 0 disables reloading" default:"0"`

	ClientTrustedIPSList []string `help:"list of clients IPs (without port and comma separated) which are trusted; usually used when the service run behinds gateways, load balancers, etc."`
	UseClientIPHeaders   bool     `help:"use the headers sent by the client to identify its IP and country. When true the list of IPs set by --client-trusted-ips-list, when not empty, is used" default:"true"`

	ConcurrentRequests uint `help:"maximum concurrent requests per client IP; 0 disables the cap" default:"0"`

	Backend string                `user:"true" help:"where counters are kept (memory or redis)" default:"memory"`
	Memory  ratelimit.MemoryConfig
	Redis   redisstore.Config

	Limiter limiter.Config
	Auth    authclient.Config
	GeoIP   geoip.Config
	Events  monitor.AsyncConfig

	StartupCheck startupcheck.Config
}

// ServerConfig configures the proxy listeners.
type ServerConfig struct {
	Address            string        `user:"true" help:"address to serve HTTP requests on" default:":20080"`
	AddressTLS         string        `user:"true" help:"address to serve HTTPS requests on" default:":20443"`
	ProxyAddressTLS    string        `help:"address to serve HTTPS PROXY protocol requests on; disabled when empty" default:""`
	InsecureDisableTLS bool          `help:"listen using insecure connections only" releaseDefault:"false" devDefault:"true"`
	CertDir            string        `help:"directory path to search for TLS certificates" default:"$CONFDIR/certs"`
	CertFile           string        `help:"server certificate file" default:""`
	KeyFile            string        `help:"server key file" default:""`
	LetsEncrypt        bool          `help:"obtain a certificate from Let's Encrypt for the public URL" default:"false"`
	PublicURL          string        `help:"public URL of the proxy, used for Let's Encrypt" default:""`
	DisableHTTP2       bool          `help:"disable HTTP/2 on the TLS listeners" default:"false"`
	TrafficLogging     bool          `help:"log every request and response" default:"true"`
	ShutdownDelay      time.Duration `help:"time to delay server shutdown while returning 503s on the liveness endpoint" devDefault:"1s" releaseDefault:"45s"`
}

// AdminConfig configures the administrative API.
type AdminConfig struct {
	Address       string      `user:"true" help:"address to serve the admin API on; disabled when empty" default:"127.0.0.1:20081"`
	POSTSizeLimit memory.Size `help:"maximum size of an admin request body" default:"64KiB"`

	FailRate failrate.LimitersConfig
}

// Validate checks the configuration before anything is started.
func (c Config) Validate() error {
	if c.Upstream == "" {
		return Error.New("upstream is required")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return Error.Wrap(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Error.New("unexpected upstream scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Error.New("upstream host is missing")
	}

	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return Error.New("unknown backend %q", c.Backend)
	}

	if c.Server.LetsEncrypt && c.Server.PublicURL == "" {
		return Error.New("public url is required with Let's Encrypt")
	}

	return c.Auth.Validate()
}
