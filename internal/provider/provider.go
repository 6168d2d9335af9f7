// Package provider implements the broker-facing facade: a small
// capability-oriented interface the pipeline drives, with
// Real/Composite/Dummy/Fallback variants selected at startup, an error
// taxonomy mapped onto a tight set of sentinels, a token-bucket rate
// limiter, and an optional live-quote websocket stream.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mode identifies which provider implementation is currently serving
// requests; exported as the g6_provider_mode gauge label.
type Mode string

const (
	ModeReal      Mode = "real"
	ModeComposite Mode = "composite"
	ModeFallback  Mode = "fallback"
	ModeDummy     Mode = "dummy"
)

// Facade is the contract the pipeline drives. Every method returns one
// of the taxonomy sentinels in errors.go on failure, never a bare
// upstream error.
type Facade interface {
	Mode() Mode
	GetLTP(ctx context.Context, index string) (float64, error)
	ResolveExpiry(ctx context.Context, index string, rule config.ExpiryRule) (time.Time, error)
	GetOptionInstruments(ctx context.Context, index string, expiry time.Time, strikes domain.StrikeRange) ([]domain.Instrument, error)
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// Capabilities declares what a concrete implementation can serve;
// Composite consults this to decide whether to delegate or fall through
// to the next provider in the chain.
type Capabilities struct {
	LTP           bool
	ExpiryResolve bool
	Instruments   bool
	Quotes        bool
	LiveStream    bool
}

// limiter wraps golang.org/x/time/rate.Limiter behind the facade's call
// shape. A single-worker queue draining at a fixed delay would enforce
// the same ceiling, but a token bucket does it without a dedicated
// goroutine per provider instance, which fits better behind a facade
// that wraps several call sites.
type limiter struct {
	rl *rate.Limiter
}

func newLimiter(perSecond float64) *limiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &limiter{rl: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (l *limiter) wait(ctx context.Context) error {
	if l == nil || l.rl == nil {
		return nil
	}
	if err := l.rl.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimit, err)
	}
	return nil
}

// eventLogger emits provider.<domain>.<action>.<outcome> structured
// events, gated by settings.TraceCollector so the happy path stays
// quiet by default.
type eventLogger struct {
	log   zerolog.Logger
	trace bool
}

func newEventLogger(log zerolog.Logger, trace bool) eventLogger {
	return eventLogger{log: log.With().Str("component", "provider").Logger(), trace: trace}
}

func (e eventLogger) event(domainName, action, outcome string, fields map[string]any) {
	if !e.trace && outcome == "ok" {
		return
	}
	ev := e.log.Info()
	if outcome != "ok" {
		ev = e.log.Warn()
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Str("event", fmt.Sprintf("provider.%s.%s.%s", domainName, action, outcome)).Send()
}

// outageTracker tracks consecutive provider failures against
// settings.ProviderOutageThreshold/ProviderOutageLogEvery, so repeated
// errors degrade to periodic warnings instead of flooding the log.
type outageTracker struct {
	threshold int
	logEvery  int
	consec    int
}

func newOutageTracker(threshold, logEvery int) *outageTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if logEvery <= 0 {
		logEvery = 5
	}
	return &outageTracker{threshold: threshold, logEvery: logEvery}
}

// recordFailure returns true when this failure should be logged: every
// attempt up to the threshold, then only every logEvery-th afterward.
func (o *outageTracker) recordFailure() (shouldLog bool, streak int) {
	o.consec++
	if o.consec <= o.threshold {
		return true, o.consec
	}
	return (o.consec-o.threshold)%o.logEvery == 0, o.consec
}

func (o *outageTracker) recordSuccess() {
	o.consec = 0
}

// Bundle ties the registered provider metrics to a Registry, mirroring
// the Bundle pattern used by internal/metrics for the rest of the
// system so every component wires metrics the same way.
type Bundle struct {
	metrics *metrics.Bundle
}

func NewBundle(m *metrics.Bundle) *Bundle { return &Bundle{metrics: m} }

// SetMode records which provider mode is currently active, zeroing the
// others. Exported so cmd/collector can report the mode chosen at
// startup from its provider-selection switch.
func (b *Bundle) SetMode(r *metrics.Registry, active Mode) {
	if b == nil || b.metrics == nil {
		return
	}
	for _, m := range []Mode{ModeReal, ModeComposite, ModeFallback, ModeDummy} {
		v := 0.0
		if m == active {
			v = 1.0
		}
		r.Set(b.metrics.ProviderMode, map[string]string{"mode": string(m)}, v)
	}
}

func (b *Bundle) fallback(r *metrics.Registry, path string) {
	if b == nil || b.metrics == nil {
		return
	}
	r.Inc(b.metrics.QuoteFallbackTotal, map[string]string{"path": path}, 1)
}
