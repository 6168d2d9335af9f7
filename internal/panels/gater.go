package panels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
)

// GateMode controls when the indices_stream panel gains a new entry.
type GateMode string

const (
	GateAuto   GateMode = "auto"
	GateCycle  GateMode = "cycle"
	GateMinute GateMode = "minute"
	GateBucket GateMode = "bucket"
)

// StreamState is the persisted gate position, single-writer owned by
// the Stream Gater.
type StreamState struct {
	LastCycle  *int    `json:"last_cycle"`
	LastBucket *string `json:"last_bucket"`
}

// StreamItem is one entry appended to the indices_stream panel.
type StreamItem struct {
	Index   string    `json:"index"`
	Legs    int       `json:"legs"`
	Fails   int       `json:"fails"`
	Status  string    `json:"status"`
	ATM     float64   `json:"atm"`
	Spot    float64   `json:"spot"`
	TimeHMS string    `json:"time_hms"`
	At      time.Time `json:"at"`
}

const maxStreamItems = 50

// Gater runs immediately after the Panels Writer within the unified
// summary loop. Once per new cycle or minute bucket, depending on mode,
// it appends every candidate item passed to Tick (one per index) to the
// indices_stream panel.
type Gater struct {
	statePath string
	mode      GateMode
	writer    *Writer
	reg       *metrics.Registry
	bundle    *metrics.Bundle
	log       zerolog.Logger

	mu        sync.Mutex
	state     StreamState
	items     []StreamItem
	lastTxnID string
}

func NewGater(statePath string, mode GateMode, writer *Writer, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger) *Gater {
	g := &Gater{statePath: statePath, mode: mode, writer: writer, reg: reg, bundle: bundle, log: log.With().Str("component", "panels.gater").Logger()}
	g.load()
	if reg != nil && bundle != nil {
		reg.Set(bundle.StreamGateModeInfo, map[string]string{"mode": string(mode)}, 1)
	}
	return g
}

func (g *Gater) load() {
	data, err := os.ReadFile(g.statePath)
	if err != nil {
		return // no prior state, start fresh
	}
	var s StreamState
	if err := json.Unmarshal(data, &s); err != nil {
		g.log.Warn().Err(err).Msg("corrupt stream state file, rebuilding")
		if g.reg != nil && g.bundle != nil {
			g.reg.Inc(g.bundle.StreamStatePersistErr, nil, 1)
		}
		return
	}
	g.state = s
}

func (g *Gater) persist() error {
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.statePath), 0o755); err != nil {
		return err
	}
	tmp := g.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, g.statePath)
}

// Tick runs one gate decision for the given cycle, appending items for
// every index that should advance the stream this cycle.
func (g *Gater) Tick(cycleNumber int, now time.Time, candidates []StreamItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	bucket := now.Format("15:04")
	mode := g.mode
	if mode == GateAuto {
		// Orchestrator cycle numbers start at 1, so 0 means the caller has
		// no cycle position and auto falls back to minute buckets.
		mode = GateMinute
		if cycleNumber > 0 {
			mode = GateCycle
		}
	}

	shouldAppend := false
	reason := ""
	switch mode {
	case GateCycle:
		shouldAppend = g.state.LastCycle == nil || *g.state.LastCycle != cycleNumber
		reason = "cycle_unchanged"
	case GateMinute, GateBucket:
		shouldAppend = g.state.LastBucket == nil || *g.state.LastBucket != bucket
		reason = "bucket_unchanged"
	}

	if !shouldAppend {
		if g.reg != nil && g.bundle != nil {
			g.reg.Inc(g.bundle.StreamSkippedTotal, map[string]string{"mode": string(mode), "reason": reason}, 1)
		}
		return g.heartbeat(cycleNumber, now)
	}

	for i := range candidates {
		candidates[i].At = now
	}
	g.items = append(g.items, candidates...)
	if len(g.items) > maxStreamItems {
		g.items = g.items[len(g.items)-maxStreamItems:]
	}

	cycle := cycleNumber
	g.state.LastCycle = &cycle
	g.state.LastBucket = &bucket

	if err := g.persist(); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist stream state")
	}

	if g.writer != nil {
		g.checkConflict()
		txn := g.writer.BeginTxn()
		txn.Put("indices_stream", "", g.items)
		if err := txn.Commit(); err != nil {
			return fmt.Errorf("gater: commit indices_stream: %w", err)
		}
		g.lastTxnID = txn.ID()
	}

	if g.reg != nil && g.bundle != nil {
		g.reg.Inc(g.bundle.StreamAppendTotal, map[string]string{"mode": string(mode)}, 1)
	}
	return g.heartbeat(cycleNumber, now)
}

// checkConflict detects another writer having committed the
// indices_stream panel since this Gater's own last commit: a second
// collector process pointed at the same PanelsDir would overwrite
// .meta.json with a txn id this Gater never issued.
func (g *Gater) checkConflict() {
	if g.lastTxnID == "" {
		return
	}
	meta, err := g.writer.ReadMeta()
	if err != nil || meta == nil {
		return
	}
	if meta.LastTxnID == g.lastTxnID {
		return
	}
	if !containsPanel(meta.Panels, "indices_stream") {
		return
	}
	g.log.Warn().Str("expected_txn", g.lastTxnID).Str("observed_txn", meta.LastTxnID).Msg("concurrent writer detected on indices_stream panel")
	if g.reg != nil && g.bundle != nil {
		g.reg.Inc(g.bundle.StreamConflictTotal, nil, 1)
	}
}

func containsPanel(panels []string, name string) bool {
	for _, p := range panels {
		if p == name {
			return true
		}
	}
	return false
}

func (g *Gater) heartbeat(cycleNumber int, now time.Time) error {
	if g.writer == nil {
		return nil
	}
	return g.writer.PatchSystem(map[string]interface{}{
		"bridge.last_publish": now.UTC().Format(time.RFC3339),
		"bridge.cycle":        cycleNumber,
	})
}
