package pipeline

import (
	"context"
	"testing"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T, settings *config.Settings) *Deps {
	t.Helper()
	reg := metrics.New(zerolog.Nop(), "test-hash")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)
	idx := config.IndexParams{Symbol: "NIFTY", StrikesITM: 10, StrikesOTM: 10, StrikeStep: 50}
	return BuildDeps(settings, idx, provider.NewDummy(), nil, nil, zerolog.Nop(), reg, bundle, NewPCRHistory(20))
}

func TestDriverRunsHappyPathToDone(t *testing.T) {
	settings := &config.Settings{ForeignExpirySalvage: false}
	deps := testDeps(t, settings)
	driver := NewDriver(deps.Metrics, deps.Bundle)

	s := NewState("NIFTY", config.ExpiryRule{Kind: config.ExpiryThisWeek})
	outcome := driver.Run(context.Background(), deps, s)

	require.False(t, outcome.Fatal)
	require.False(t, outcome.Recovered)
	assert.Equal(t, StatusDone, s.Status)
	assert.NotEmpty(t, s.Rows)
}

func TestClassifyEmptyRowsYieldsEmptyStatus(t *testing.T) {
	s := NewState("NIFTY", config.ExpiryRule{Kind: config.ExpiryThisWeek})
	assert.Equal(t, domain.StatusEmpty, classify(s))
}

func TestParityScoreIsOneForIdenticalSignatures(t *testing.T) {
	sig := ParitySignature{OptionCount: 10, StrikeCoverage: 0.8, AlertSet: map[string]bool{"a": true}}
	assert.Equal(t, 1.0, ParityScore(sig, sig, false))
}

func TestRollingParityAverages(t *testing.T) {
	rp := NewRollingParity(3)
	assert.Equal(t, 1.0, rp.Add(1.0))
	avg := rp.Add(0.5)
	assert.InDelta(t, 0.75, avg, 1e-9)
}

func TestSolveImpliedVolConvergesForReasonableInputs(t *testing.T) {
	price := callPrice(22000, 22000, 30.0/365.0, 0.06, 0.2)
	iv, ok := solveImpliedVol(price, 22000, 22000, 30.0/365.0, 0.06)
	require.True(t, ok)
	assert.InDelta(t, 0.2, iv, 1e-3)
}
