// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package startupcheck waits for the dependencies of the proxy to become
// reachable before it reports itself as started.
package startupcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
)

var (
	mon = monkit.Package()

	// Error is a class of startup check errors.
	Error = errs.Class("startup check")
)

// Config configures the startup checks.
type Config struct {
	Enabled    bool          `help:"wait for the upstream and the store to be reachable before reporting startup done" default:"true"`
	Timeout    time.Duration `help:"how long checks can run before startup fails" default:"1m" testDefault:"5s"`
	MinBackoff time.Duration `help:"the minimum time between attempts" default:"100ms"`
	MaxBackoff time.Duration `help:"the maximum time between attempts" default:"5s"`
}

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// Checker runs named probes until they all succeed.
type Checker struct {
	log    *zap.Logger
	config Config
	probes map[string]Probe
}

// New returns a Checker for probes, keyed by the name of the dependency.
func New(log *zap.Logger, config Config, probes map[string]Probe) *Checker {
	return &Checker{
		log:    log,
		config: config,
		probes: probes,
	}
}

// Check runs every probe concurrently, retrying failures, and returns once all
// of them succeeded or the timeout elapsed.
func (c *Checker) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !c.config.Enabled {
		return nil
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var group errs2.Group
	for name, probe := range c.probes {
		name, probe := name, probe
		group.Go(func() error {
			return c.check(ctx, name, probe)
		})
	}

	return Error.Wrap(errs.Combine(group.Wait()...))
}

func (c *Checker) check(ctx context.Context, name string, probe Probe) (err error) {
	defer mon.Task()(&ctx)(&err)

	b := newBackoff(c.config.MinBackoff, c.config.MaxBackoff)
	for attempt := 1; ; attempt++ {
		err := probe(ctx)
		if err == nil {
			c.log.Info("dependency reachable", zap.String("dependency", name), zap.Int("attempts", attempt))
			return nil
		}
		c.log.Warn("dependency unreachable", zap.String("dependency", name), zap.Int("attempt", attempt), zap.Error(err))

		if waitErr := b.Wait(ctx); waitErr != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

// HTTP probes url with a GET request. Any response counts as reachable, only
// transport failures don't.
func HTTP(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}
