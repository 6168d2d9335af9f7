package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorRunAllRecordsHealthyAndUnhealthy(t *testing.T) {
	reg := metrics.New(zerolog.Nop(), "health-test")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	m := NewMonitor(time.Minute, reg, bundle, zerolog.Nop())
	m.Register(NewCheckerFunc("storage", func(ctx context.Context) error { return nil }))
	m.Register(NewCheckerFunc("provider", func(ctx context.Context) error { return errors.New("boom") }))

	m.runAll(context.Background())

	snap := m.Snapshot()
	assert.Equal(t, "degraded", snap["status"])
	components := snap["components"].(map[string]interface{})
	assert.True(t, components["storage"].(result).Healthy)
	assert.False(t, components["provider"].(result).Healthy)
}

func TestSnapshotReportsOkWhenAllHealthy(t *testing.T) {
	m := NewMonitor(time.Minute, nil, nil, zerolog.Nop())
	m.Register(NewCheckerFunc("storage", func(ctx context.Context) error { return nil }))
	m.runAll(context.Background())

	snap := m.Snapshot()
	assert.Equal(t, "ok", snap["status"])
}
