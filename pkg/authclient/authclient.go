// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package authclient resolves the tier of a caller from its bearer token.
package authclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"path"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/blake3"
	"github.com/zeebo/errs"

	"storj.io/common/http/requestid"
	"storj.io/ratekeeper/pkg/policy"
)

var mon = monkit.Package()

// requestIDHeader propagates the request ID to the auth service.
const requestIDHeader = "X-Request-Id"

// AuthClient communicates with the Auth Service.
type AuthClient struct {
	Config

	client *http.Client
	cache  *expirable.LRU[string, policy.Tier]
}

// New returns a new auth client.
func New(config Config) (*AuthClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.BaseURL == "" {
		return nil, Error.New("base url is required")
	}
	return &AuthClient{
		Config: config,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: &http.Transport{ResponseHeaderTimeout: config.Timeout},
		},
		cache: newTierCache(config.Cache),
	}, nil
}

// ResolveTier maps a bearer token into its tier. Tokens the auth service
// doesn't recognize resolve to anonymous without an error.
func (a *AuthClient) ResolveTier(ctx context.Context, token string) (_ policy.Tier, err error) {
	defer mon.Task()(&ctx)(&err)

	if token == "" {
		return policy.Anonymous, nil
	}

	digest := blake3.Sum256([]byte(token))
	key := hex.EncodeToString(digest[:])

	if a.cache == nil {
		return a.resolve(ctx, token)
	}

	if tier, ok := a.cache.Get(key); ok {
		mon.Event("auth_tier_cache_hit")
		return tier, nil
	}

	tier, err := a.resolve(ctx, token)
	if err != nil {
		return policy.Anonymous, err
	}
	a.cache.Add(key, tier)
	return tier, nil
}

func (a *AuthClient) resolve(ctx context.Context, token string) (_ policy.Tier, err error) {
	reqURL, err := url.Parse(a.BaseURL)
	if err != nil {
		return policy.Anonymous, Error.Wrap(err)
	}

	reqURL.Path = path.Join(reqURL.Path, "/v1/tier")
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL.String(), nil)
	if err != nil {
		return policy.Anonymous, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestIDHeader, id)
	}

	client := a.client
	if client == nil {
		client = &http.Client{Timeout: a.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return policy.Anonymous, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return policy.Anonymous, nil
	default:
		return policy.Anonymous, Error.New("invalid status code: %d", resp.StatusCode)
	}

	var tierResp TierResponse
	if err := json.NewDecoder(resp.Body).Decode(&tierResp); err != nil {
		return policy.Anonymous, Error.Wrap(err)
	}

	tier, ok := policy.ParseTier(tierResp.Tier)
	if !ok {
		mon.Event("auth_unknown_tier")
	}
	return tier, nil
}

// GetHealthLive returns the auth service health live status.
func (a *AuthClient) GetHealthLive(ctx context.Context) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	baseURL, err := url.Parse(a.BaseURL)
	if err != nil {
		return false, Error.Wrap(err)
	}
	healthLiveURL, err := baseURL.Parse("/v1/health/live")
	if err != nil {
		return false, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", healthLiveURL.String(), nil)
	if err != nil {
		return false, Error.Wrap(err)
	}
	res, err := a.client.Do(req)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(res.Body.Close())) }()
	if res.StatusCode != http.StatusOK {
		return false, Error.New("unexpected response code %d %s", res.StatusCode, res.Status)
	}
	return true, nil
}

func newTierCache(config CacheConfig) *expirable.LRU[string, policy.Tier] {
	if config.Expiration <= 0 || config.Capacity <= 0 {
		return nil
	}
	return expirable.NewLRU[string, policy.Tier](config.Capacity, nil, config.Expiration)
}
