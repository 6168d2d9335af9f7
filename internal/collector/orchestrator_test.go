package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/pipeline"
	"github.com/g6/collector/internal/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinMarketHoursRejectsWeekend(t *testing.T) {
	saturday := time.Date(2025, 10, 18, 10, 0, 0, 0, time.UTC)
	assert.False(t, withinMarketHours(saturday))
}

func TestRunCycleWritesRuntimeStatusAtomically(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "status", "runtime_status.json")

	settings := &config.Settings{
		IntervalSeconds:   60,
		RuntimeStatusPath: statusPath,
		DataDir:           dir,
		Indices: []config.IndexParams{
			{Symbol: "NIFTY", Enabled: true, ExpiryRules: []config.ExpiryRule{{Kind: config.ExpiryThisWeek}}},
		},
	}

	reg := metrics.New(zerolog.Nop(), "test-hash")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	driver := pipeline.NewDriver(reg, bundle)
	o := NewOrchestrator(settings, provider.NewDummy(), nil, nil, driver, reg, bundle, zerolog.Nop())

	o.runCycle(context.Background())

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)

	var stats domain.CycleStats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.CycleNumber)
	assert.Contains(t, stats.Indices, "NIFTY")
	assert.True(t, stats.OptionsLastCycle > 0)
}

func TestRollbackToPrimaryFlipsCurrentMode(t *testing.T) {
	settings := &config.Settings{PipelineMode: "shadow"}
	reg := metrics.New(zerolog.Nop(), "test-hash")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	o := NewOrchestrator(settings, provider.NewDummy(), nil, nil, pipeline.NewDriver(reg, bundle), reg, bundle, zerolog.Nop())
	assert.Equal(t, "shadow", o.currentPipelineMode())

	o.rollbackToPrimary()
	assert.Equal(t, "primary", o.currentPipelineMode())
}

func TestRunIndexInShadowModeDrivesBothStates(t *testing.T) {
	settings := &config.Settings{
		IntervalSeconds: 60,
		PipelineMode:    "shadow",
		DataDir:         t.TempDir(),
	}
	reg := metrics.New(zerolog.Nop(), "test-hash")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	idx := config.IndexParams{
		Symbol:      "NIFTY",
		Enabled:     true,
		ExpiryRules: []config.ExpiryRule{{Kind: config.ExpiryThisWeek}},
		StrikesITM:  3,
		StrikesOTM:  3,
		StrikeStep:  50,
	}

	o := NewOrchestrator(settings, provider.NewDummy(), nil, nil, pipeline.NewDriver(reg, bundle), reg, bundle, zerolog.Nop())
	result := o.runIndex(context.Background(), idx)

	assert.False(t, result.fatal)
	assert.True(t, result.optionCount > 0)
}

func TestEnabledIndicesFiltersDisabled(t *testing.T) {
	indices := []config.IndexParams{
		{Symbol: "A", Enabled: true},
		{Symbol: "B", Enabled: false},
	}
	out := enabledIndices(indices)
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0].Symbol)
}
