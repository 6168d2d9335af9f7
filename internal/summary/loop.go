// Package summary runs the unified per-cycle plugin chain once per
// tick, in the order the plugins are given. cmd/collector wires three
// plugins: panels writer, stream gater, SSE publish; no metrics-emission
// plugin is part of the chain. A panicking or erroring plugin is caught
// and logged without aborting the other plugins or the loop itself,
// via a per-call recover().
package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
)

// Plugin is one stage of the unified loop.
type Plugin interface {
	Name() string
	Run(ctx context.Context) error
}

// PluginFunc adapts a plain function to Plugin.
type PluginFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewPluginFunc(name string, fn func(ctx context.Context) error) PluginFunc {
	return PluginFunc{name: name, fn: fn}
}

func (p PluginFunc) Name() string                  { return p.name }
func (p PluginFunc) Run(ctx context.Context) error { return p.fn(ctx) }

// Loop drives its plugin chain once per interval, independent of the
// collector's own cycle ticker, so panel/SSE/metrics emission keeps a
// steady cadence even if a collection cycle runs long.
type Loop struct {
	plugins  []Plugin
	interval time.Duration
	reg      *metrics.Registry
	bundle   *metrics.Bundle
	log      zerolog.Logger
}

func NewLoop(interval time.Duration, plugins []Plugin, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{plugins: plugins, interval: interval, reg: reg, bundle: bundle, log: log.With().Str("component", "summary.loop").Logger()}
}

// Run blocks until ctx is cancelled, running the plugin chain once per
// tick plus an immediate first pass.
func (l *Loop) Run(ctx context.Context) {
	l.runOnce(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	for _, p := range l.plugins {
		l.runPlugin(ctx, p)
	}
}

func (l *Loop) runPlugin(ctx context.Context, p Plugin) {
	start := time.Now()
	err := l.safeRun(ctx, p)
	elapsed := time.Since(start)

	if l.reg != nil && l.bundle != nil {
		// PhaseDuration is reused here with phase=plugin name, since
		// both are "timed step in an ordered chain" observations.
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		l.reg.Observe(l.bundle.PhaseDuration, map[string]string{"phase": "summary." + p.Name(), "final_outcome": outcome}, elapsed.Seconds())
	}
	if err != nil {
		l.log.Warn().Str("plugin", p.Name()).Err(err).Msg("summary plugin failed, continuing chain")
	}
}

// safeRun recovers a panicking plugin into an error so one broken
// plugin never kills the loop.
func (l *Loop) safeRun(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in plugin %s: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx)
}
