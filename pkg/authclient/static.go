// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package authclient

import (
	"context"
	"strings"

	"storj.io/ratekeeper/pkg/policy"
)

// StaticTokens resolves tiers from a fixed token table.
type StaticTokens map[string]policy.Tier

// ParseStaticTokens parses token=tier pairs.
func ParseStaticTokens(pairs []string) (StaticTokens, error) {
	tokens := make(StaticTokens, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, name, ok := strings.Cut(pair, "=")
		if !ok || token == "" {
			return nil, Error.New("static token must be token=tier")
		}
		tier, ok := policy.ParseTier(name)
		if !ok {
			return nil, Error.New("unknown tier %q", name)
		}
		tokens[token] = tier
	}
	return tokens, nil
}

// ResolveTier returns the tier of token, anonymous when unknown.
func (s StaticTokens) ResolveTier(ctx context.Context, token string) (policy.Tier, error) {
	if tier, ok := s[token]; ok {
		return tier, nil
	}
	return policy.Anonymous, nil
}

// Resolver resolves the tier of a token.
type Resolver interface {
	ResolveTier(ctx context.Context, token string) (policy.Tier, error)
}

// Chain asks each resolver in order and returns the first tier that isn't
// anonymous. An error stops the chain.
type Chain []Resolver

// ResolveTier implements Resolver.
func (c Chain) ResolveTier(ctx context.Context, token string) (policy.Tier, error) {
	for _, r := range c {
		tier, err := r.ResolveTier(ctx, token)
		if err != nil {
			return policy.Anonymous, err
		}
		if tier != policy.Anonymous {
			return tier, nil
		}
	}
	return policy.Anonymous, nil
}
