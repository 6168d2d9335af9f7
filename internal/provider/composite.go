package provider

import (
	"context"
	"errors"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
)

// Composite fronts a primary and a secondary Facade, trying the
// secondary only for calls the primary's Capabilities say it cannot
// serve. Fallback instead tries primary first on every call and falls
// through to secondary when primary returns a classified error,
// recording the switch on g6_quote_fallback_total.

type Composite struct {
	primary      Facade
	primaryCaps  Capabilities
	secondary    Facade
}

func NewComposite(primary Facade, primaryCaps Capabilities, secondary Facade) *Composite {
	return &Composite{primary: primary, primaryCaps: primaryCaps, secondary: secondary}
}

func (c *Composite) Mode() Mode { return ModeComposite }

func (c *Composite) GetLTP(ctx context.Context, index string) (float64, error) {
	if c.primaryCaps.LTP {
		return c.primary.GetLTP(ctx, index)
	}
	return c.secondary.GetLTP(ctx, index)
}

func (c *Composite) ResolveExpiry(ctx context.Context, index string, rule config.ExpiryRule) (time.Time, error) {
	if c.primaryCaps.ExpiryResolve {
		return c.primary.ResolveExpiry(ctx, index, rule)
	}
	return c.secondary.ResolveExpiry(ctx, index, rule)
}

func (c *Composite) GetOptionInstruments(ctx context.Context, index string, expiry time.Time, strikes domain.StrikeRange) ([]domain.Instrument, error) {
	if c.primaryCaps.Instruments {
		return c.primary.GetOptionInstruments(ctx, index, expiry, strikes)
	}
	return c.secondary.GetOptionInstruments(ctx, index, expiry, strikes)
}

func (c *Composite) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if c.primaryCaps.Quotes {
		return c.primary.GetQuote(ctx, symbol)
	}
	return c.secondary.GetQuote(ctx, symbol)
}

// Fallback tries primary first for every call, demoting to secondary
// on any classified error except ErrAuth (a credential problem won't
// be fixed by retrying the same call against a backup provider).
type Fallback struct {
	primary   Facade
	secondary Facade
	reg       *metrics.Registry
	bundle    *Bundle
	log       zerolog.Logger
}

func NewFallback(primary, secondary Facade, reg *metrics.Registry, bundle *Bundle, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, reg: reg, bundle: bundle, log: log.With().Str("component", "provider.fallback").Logger()}
}

func (f *Fallback) Mode() Mode { return ModeFallback }

func (f *Fallback) switchTo(path string) {
	f.log.Warn().Str("path", path).Msg("primary provider failed, falling back")
	if f.bundle != nil && f.reg != nil {
		f.bundle.fallback(f.reg, path)
	}
}

func (f *Fallback) GetLTP(ctx context.Context, index string) (float64, error) {
	v, err := f.primary.GetLTP(ctx, index)
	if err == nil || errors.Is(err, ErrAuth) {
		return v, err
	}
	f.switchTo("ltp")
	return f.secondary.GetLTP(ctx, index)
}

func (f *Fallback) ResolveExpiry(ctx context.Context, index string, rule config.ExpiryRule) (time.Time, error) {
	t, err := f.primary.ResolveExpiry(ctx, index, rule)
	if err == nil || errors.Is(err, ErrAuth) {
		return t, err
	}
	f.switchTo("expiry")
	return f.secondary.ResolveExpiry(ctx, index, rule)
}

func (f *Fallback) GetOptionInstruments(ctx context.Context, index string, expiry time.Time, strikes domain.StrikeRange) ([]domain.Instrument, error) {
	inst, err := f.primary.GetOptionInstruments(ctx, index, expiry, strikes)
	if err == nil || errors.Is(err, ErrAuth) {
		return inst, err
	}
	f.switchTo("instruments")
	return f.secondary.GetOptionInstruments(ctx, index, expiry, strikes)
}

func (f *Fallback) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	q, err := f.primary.GetQuote(ctx, symbol)
	if err == nil || errors.Is(err, ErrAuth) {
		return q, err
	}
	f.switchTo("quote")
	return f.secondary.GetQuote(ctx, symbol)
}
