package panels

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterCommitsPanelAndMeta(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, false, false)
	txn := w.BeginTxn()
	txn.Put("system", "", map[string]interface{}{"ok": true})
	require.NoError(t, txn.Commit())

	data, err := os.ReadFile(filepath.Join(dir, "system.json"))
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "system", env.Panel)

	metaData, err := os.ReadFile(filepath.Join(dir, ".meta.json"))
	require.NoError(t, err)
	var meta Meta
	require.NoError(t, json.Unmarshal(metaData, &meta))
	assert.Contains(t, meta.Panels, "system")
}

func TestWriterFrozenIsNoOp(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, true, false)
	txn := w.BeginTxn()
	txn.Put("system", "", map[string]interface{}{"ok": true})
	require.NoError(t, txn.Commit())

	_, err := os.Stat(filepath.Join(dir, "system.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestGaterAppendsAtMostOncePerCycle(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, false, false)
	reg := metrics.New(zerolog.Nop(), "h")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	g := NewGater(filepath.Join(dir, ".indices_stream_state.json"), GateCycle, w, reg, bundle, zerolog.Nop())

	item := StreamItem{Index: "NIFTY", Legs: 10, Status: "OK"}
	require.NoError(t, g.Tick(1, time.Now(), []StreamItem{item}))
	require.NoError(t, g.Tick(1, time.Now(), []StreamItem{item})) // same cycle, should be skipped

	assert.Len(t, g.items, 1)
}

func TestGaterDetectsConcurrentWriterOnIndicesStream(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, false, false)
	reg := metrics.New(zerolog.Nop(), "h")
	bundle, err := metrics.RegisterSpecMetrics(reg)
	require.NoError(t, err)

	var buf bytes.Buffer
	log := zerolog.New(&buf)
	g := NewGater(filepath.Join(dir, ".indices_stream_state.json"), GateCycle, w, reg, bundle, log)
	item := StreamItem{Index: "NIFTY", Legs: 10, Status: "OK"}
	require.NoError(t, g.Tick(1, time.Now(), []StreamItem{item}))

	// Simulate a second writer (another collector process sharing
	// PanelsDir) overwriting indices_stream behind this Gater's back.
	other := w.BeginTxn()
	other.Put("indices_stream", "", []StreamItem{item})
	require.NoError(t, other.Commit())

	require.NoError(t, g.Tick(2, time.Now(), []StreamItem{item}))

	assert.Contains(t, buf.String(), "concurrent writer detected")
}

func TestGaterCapsAt50Items(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, false, false)
	g := NewGater(filepath.Join(dir, ".indices_stream_state.json"), GateCycle, w, nil, nil, zerolog.Nop())

	for i := 0; i < 60; i++ {
		require.NoError(t, g.Tick(i, time.Now(), []StreamItem{{Index: "NIFTY"}}))
	}
	assert.Len(t, g.items, maxStreamItems)
}
