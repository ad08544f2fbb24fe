// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package authclient

import (
	"net/url"
	"time"

	"github.com/zeebo/errs"
)

// Error wraps all the errors returned when resolving a tier. Callers treat
// them as transient and degrade to the anonymous tier.
var Error = errs.Class("auth service")

// Config describes configuration necessary to resolve caller tiers.
type Config struct {
	BaseURL      string        `user:"true" help:"base url of the auth service resolving caller tiers; only static tokens are resolved when empty" releaseDefault:"" devDefault:"http://localhost:20000"`
	Timeout      time.Duration `user:"true" help:"how long to wait for a single auth service request" default:"250ms"`
	StaticTokens []string      `user:"true" help:"list of token=tier pairs (comma separated) resolved without the auth service" default:""`
	Cache        CacheConfig
}

// CacheConfig describes configuration necessary to cache the results of auth
// service lookups.
type CacheConfig struct {
	Expiration time.Duration `user:"true" help:"how long to keep resolved tiers in cache" default:"1m"`
	Capacity   int           `user:"true" help:"how many resolved tiers to keep in cache" default:"10000"`
}

// Validate checks if the configuration value are valid.
func (a Config) Validate() error {
	if _, err := ParseStaticTokens(a.StaticTokens); err != nil {
		return err
	}
	if a.BaseURL == "" {
		return nil
	}
	reqURL, err := url.Parse(a.BaseURL)
	if err != nil {
		return Error.Wrap(err)
	}
	if reqURL.Scheme != "http" && reqURL.Scheme != "https" {
		return Error.New("unexpected scheme found in endpoint parameter %s", reqURL.Scheme)
	}
	if reqURL.Host == "" {
		return Error.New("host missing in parameter %s", reqURL.Host)
	}
	return nil
}

// TierResponse is the struct representing the response from the auth service.
type TierResponse struct {
	Tier string `json:"tier"`
}
