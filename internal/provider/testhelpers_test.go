package provider

import (
	"context"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/rs/zerolog"
)

// failingFacade always returns err, used to exercise Fallback's
// switch/no-switch decision without standing up a real HTTP server.
type failingFacade struct {
	err error
}

func (f failingFacade) Mode() Mode { return ModeReal }

func (f failingFacade) GetLTP(context.Context, string) (float64, error) {
	return 0, f.err
}

func (f failingFacade) ResolveExpiry(context.Context, string, config.ExpiryRule) (time.Time, error) {
	return time.Time{}, f.err
}

func (f failingFacade) GetOptionInstruments(context.Context, string, time.Time, domain.StrikeRange) ([]domain.Instrument, error) {
	return nil, f.err
}

func (f failingFacade) GetQuote(context.Context, string) (domain.Quote, error) {
	return domain.Quote{}, f.err
}

func zeroLog() zerolog.Logger {
	return zerolog.Nop()
}
