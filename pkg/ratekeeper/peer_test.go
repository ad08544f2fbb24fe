// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratekeeper_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/errs2"
	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/ratekeeper/pkg/adminapi"
	"storj.io/ratekeeper/pkg/authclient"
	"storj.io/ratekeeper/pkg/failrate"
	"storj.io/ratekeeper/pkg/middleware"
	"storj.io/ratekeeper/pkg/ratekeeper"
	"storj.io/ratekeeper/pkg/ratelimit"
	"storj.io/ratekeeper/pkg/startupcheck"
)

const testPolicies = `
endpoints:
  default:
    policy: {window: 1m, max-requests: 2}
  /healthz:
    policy: {window: 1m, max-requests: 1, bypass-header: X-Probe}
geo:
  KP: {blocked: true}
`

func testConfig(t *testing.T, upstream string) ratekeeper.Config {
	policyFile := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte(testPolicies), 0644))

	return ratekeeper.Config{
		Server: ratekeeper.ServerConfig{
			Address:            "127.0.0.1:0",
			InsecureDisableTLS: true,
			TrafficLogging:     true,
		},
		Admin: ratekeeper.AdminConfig{
			Address:       "127.0.0.1:0",
			POSTSizeLimit: 4 * memory.KiB,
			FailRate:      failrate.LimitersConfig{MaxReqsSecond: 1, Burst: 5, NumLimits: 10},
		},
		Upstream:           upstream,
		PolicyFile:         policyFile,
		UseClientIPHeaders: true,
		Backend:            ratekeeper.BackendMemory,
		Memory:             ratelimit.MemoryConfig{Shards: 4, CleanupInterval: time.Minute},
		Auth: authclient.Config{
			StaticTokens: []string{"root=superadmin", "reader=admin"},
		},
		StartupCheck: startupcheck.Config{
			Enabled:    true,
			Timeout:    10 * time.Second,
			MinBackoff: time.Millisecond,
			MaxBackoff: 100 * time.Millisecond,
		},
	}
}

func newUpstream(t *testing.T) *httptest.Server {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Request-Id", r.Header.Get(middleware.RequestIDHeader))
		_, _ = fmt.Fprintf(w, "upstream %s", r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

// startPeer runs a peer until the returned stop is called.
func startPeer(ctx *testcontext.Context, t *testing.T, config ratekeeper.Config) (_ *ratekeeper.Peer, stop func()) {
	peer, err := ratekeeper.New(zaptest.NewLogger(t), config)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return errs2.IgnoreCanceled(peer.Run(runCtx))
	})
	return peer, func() {
		cancel()
		require.NoError(t, peer.Close())
	}
}

func get(ctx context.Context, t *testing.T, url string, headers map[string]string) (*http.Response, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestPeer(t *testing.T) {
	ctx := testcontext.NewWithTimeout(t, time.Minute)
	defer ctx.Cleanup()

	peer, stop := startPeer(ctx, t, testConfig(t, newUpstream(t).URL))
	defer stop()
	proxy := "http://" + peer.Address()
	admin := "http://" + peer.AdminAddress()

	require.Eventually(t, func() bool {
		resp, _ := get(ctx, t, admin+"/v1/health/live", nil)
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 10*time.Millisecond)

	t.Run("admitted requests reach the upstream", func(t *testing.T) {
		resp, body := get(ctx, t, proxy+"/api/search", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "upstream /api/search", body)
		require.Equal(t, "2", resp.Header.Get(middleware.HeaderLimit))
		require.Equal(t, "1", resp.Header.Get(middleware.HeaderRemaining))
		require.NotEmpty(t, resp.Header.Get("X-Upstream-Request-Id"))

		resp, _ = get(ctx, t, proxy+"/api/search", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "0", resp.Header.Get(middleware.HeaderRemaining))
	})

	t.Run("excess requests are denied", func(t *testing.T) {
		resp, body := get(ctx, t, proxy+"/api/search", nil)
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.NotEmpty(t, resp.Header.Get(middleware.HeaderRetryAfter))

		var decision map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(body), &decision))
		require.Equal(t, false, decision["allowed"])
	})

	t.Run("bypass header", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			resp, _ := get(ctx, t, proxy+"/healthz", map[string]string{"X-Probe": "1"})
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
	})

	t.Run("blocked country", func(t *testing.T) {
		resp, _ := get(ctx, t, proxy+"/other", map[string]string{"CF-IPCountry": "KP"})
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.Equal(t, "0", resp.Header.Get(middleware.HeaderLimit))
	})

	t.Run("admin stats", func(t *testing.T) {
		resp, _ := get(ctx, t, admin+"/v1/stats", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, body := get(ctx, t, admin+"/v1/stats", map[string]string{"Authorization": "Bearer reader"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stats ratelimit.Stats
		require.NoError(t, json.Unmarshal([]byte(body), &stats))
		assert.GreaterOrEqual(t, stats.TotalViolations, int64(1))
		assert.NotEmpty(t, stats.TopViolators)
	})

	t.Run("admin policies", func(t *testing.T) {
		resp, body := get(ctx, t, admin+"/v1/policies", map[string]string{"Authorization": "Bearer root"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var policies adminapi.Policies
		require.NoError(t, json.Unmarshal([]byte(body), &policies))
		require.Contains(t, policies.Endpoints, "/healthz")
		require.True(t, policies.Geo["KP"].Blocked)
	})
}

func TestPeerPolicyReload(t *testing.T) {
	ctx := testcontext.NewWithTimeout(t, time.Minute)
	defer ctx.Cleanup()

	config := testConfig(t, newUpstream(t).URL)
	config.PolicyReloadInterval = 10 * time.Millisecond

	peer, stop := startPeer(ctx, t, config)
	defer stop()

	require.NoError(t, os.WriteFile(config.PolicyFile, []byte(`
endpoints:
  default:
    policy: {window: 1m, max-requests: 100}
`), 0644))

	require.Eventually(t, func() bool {
		_, rule := peer.Limiter().Policies().Match("/anything")
		return rule.Flat != nil && rule.Flat.MaxRequests == 100
	}, 10*time.Second, 10*time.Millisecond)

	t.Run("broken files keep the current policies", func(t *testing.T) {
		require.NoError(t, os.WriteFile(config.PolicyFile, []byte("endpoints: {"), 0644))
		require.Never(t, func() bool {
			_, rule := peer.Limiter().Policies().Match("/anything")
			return rule.Flat == nil || rule.Flat.MaxRequests != 100
		}, 100*time.Millisecond, 10*time.Millisecond)
	})
}

func TestConfigValidate(t *testing.T) {
	for _, tt := range []struct {
		desc   string
		modify func(*ratekeeper.Config)
		err    string
	}{
		{desc: "valid"},
		{desc: "missing upstream", modify: func(c *ratekeeper.Config) { c.Upstream = "" }, err: "upstream is required"},
		{desc: "bad upstream scheme", modify: func(c *ratekeeper.Config) { c.Upstream = "ftp://example.test" }, err: "unexpected upstream scheme"},
		{desc: "unknown backend", modify: func(c *ratekeeper.Config) { c.Backend = "etcd" }, err: "unknown backend"},
		{desc: "bad static token", modify: func(c *ratekeeper.Config) { c.Auth.StaticTokens = []string{"nope"} }, err: "token=tier"},
		{desc: "lets encrypt without url", modify: func(c *ratekeeper.Config) { c.Server.LetsEncrypt = true }, err: "public url"},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			config := ratekeeper.Config{
				Upstream: "http://localhost:8080",
				Backend:  ratekeeper.BackendMemory,
			}
			if tt.modify != nil {
				tt.modify(&config)
			}
			err := config.Validate()
			if tt.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.err)
		})
	}
}
