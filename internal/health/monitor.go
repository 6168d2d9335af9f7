// Package health implements the component health registry: named
// components register a Check hook, a periodic ticker runs every hook
// and feeds the result into Prometheus gauges, and a startup banner
// renders the current matrix. The periodic-ticker loop is grounded on
// the same StatusMonitor shape (internal/server/status_monitor.go)
// used by internal/collector's cyclic orchestrator.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
)

// Checker is one monitorable component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckerFunc(name string, fn func(ctx context.Context) error) CheckerFunc {
	return CheckerFunc{name: name, fn: fn}
}

func (c CheckerFunc) Name() string                   { return c.name }
func (c CheckerFunc) Check(ctx context.Context) error { return c.fn(ctx) }

type result struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Err       string    `json:"error,omitempty"`
}

// Monitor runs every registered Checker on a fixed interval and keeps
// the last result in memory for /summary/health and the startup banner.
type Monitor struct {
	reg      *metrics.Registry
	bundle   *metrics.Bundle
	log      zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers []Checker
	results  map[string]result
}

func NewMonitor(interval time.Duration, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		reg:      reg,
		bundle:   bundle,
		log:      log.With().Str("component", "health.monitor").Logger(),
		interval: interval,
		results:  make(map[string]result),
	}
}

func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Run blocks, re-checking every component on m.interval until ctx is
// cancelled. It runs one pass immediately so /summary/health has data
// before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.runAll(ctx)
	m.log.Info().Str("matrix", m.Banner()).Msg("health startup banner")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAll(ctx)
		}
	}
}

func (m *Monitor) runAll(ctx context.Context) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	for _, c := range checkers {
		err := c.Check(ctx)
		now := time.Now()
		r := result{Healthy: err == nil, LastCheck: now}
		if err != nil {
			r.Err = err.Error()
			m.log.Warn().Str("component", c.Name()).Err(err).Msg("health check failed")
		}

		m.mu.Lock()
		m.results[c.Name()] = r
		m.mu.Unlock()

		if m.reg != nil && m.bundle != nil {
			healthy := 0.0
			if err == nil {
				healthy = 1.0
			}
			m.reg.Set(m.bundle.ComponentHealthy, map[string]string{"component": c.Name()}, healthy)
			m.reg.Set(m.bundle.LastCheckUnix, map[string]string{"component": c.Name()}, float64(now.Unix()))
		}
	}
}

// Snapshot returns a JSON-ready view of every component's last result,
// used by GET /summary/health.
func (m *Monitor) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.results))
	allHealthy := true
	for name, r := range m.results {
		out[name] = r
		if !r.Healthy {
			allHealthy = false
		}
	}
	return map[string]interface{}{
		"status":     statusString(allHealthy, len(m.results)),
		"components": out,
	}
}

func statusString(allHealthy bool, n int) string {
	if n == 0 {
		return "unknown"
	}
	if allHealthy {
		return "ok"
	}
	return "degraded"
}

// Banner renders the current health matrix as a short human-readable
// summary, logged once at startup after the first check pass.
func (m *Monitor) Banner() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	banner := ""
	for name, r := range m.results {
		mark := "OK"
		if !r.Healthy {
			mark = "FAIL"
		}
		banner += name + "=" + mark + " "
	}
	return banner
}
