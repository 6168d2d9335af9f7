package provider

import (
	"context"
	"testing"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyGetLTPIsDeterministic(t *testing.T) {
	d := NewDummy()
	v1, err := d.GetLTP(context.Background(), "NIFTY")
	require.NoError(t, err)
	v2, err := d.GetLTP(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestDummyResolveExpiryRejectsUnknownRule(t *testing.T) {
	d := NewDummy()
	_, err := d.ResolveExpiry(context.Background(), "NIFTY", config.ExpiryRule{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestDummyResolveExpiryThisWeekIsAThursday(t *testing.T) {
	d := NewDummy()
	exp, err := d.ResolveExpiry(context.Background(), "NIFTY", config.ExpiryRule{Kind: config.ExpiryThisWeek})
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, exp.Weekday())
}

func TestDummyGetOptionInstrumentsCoversBothSides(t *testing.T) {
	d := NewDummy()
	exp, _ := d.ResolveExpiry(context.Background(), "NIFTY", config.ExpiryRule{Kind: config.ExpiryThisWeek})
	instruments, err := d.GetOptionInstruments(context.Background(), "NIFTY", exp, domain.StrikeRange{Min: 21800, Max: 22200, Step: 50})
	require.NoError(t, err)
	require.NotEmpty(t, instruments)

	calls, puts := 0, 0
	for _, inst := range instruments {
		if inst.Type == "CE" {
			calls++
		} else {
			puts++
		}
	}
	assert.Equal(t, calls, puts)
}

func TestFallbackSwitchesOnNonAuthError(t *testing.T) {
	primary := failingFacade{err: ErrNetwork}
	secondary := NewDummy()
	f := NewFallback(primary, secondary, nil, nil, zeroLog())

	v, err := f.GetLTP(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestFallbackDoesNotSwitchOnAuthError(t *testing.T) {
	primary := failingFacade{err: ErrAuth}
	secondary := NewDummy()
	f := NewFallback(primary, secondary, nil, nil, zeroLog())

	_, err := f.GetLTP(context.Background(), "NIFTY")
	assert.ErrorIs(t, err, ErrAuth)
}
