// Package collector implements the cyclic orchestrator: market-hours
// gating, bounded parallel per-index dispatch through internal/pipeline,
// CycleStats aggregation, and the atomic runtime status file write, run
// on a periodic ticker loop.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/pipeline"
	"github.com/g6/collector/internal/provider"
	"github.com/g6/collector/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// shadowRollbackThreshold is the rolling parity average below which
// shadow mode gives up on the candidate pipeline and flips the running
// mode back to primary for the rest of the process lifetime.
const shadowRollbackThreshold = 0.7

// Orchestrator runs collection cycles, one per interval, over every
// enabled index, fanning each index's expiry rules out to the pipeline
// driver and aggregating the results into CycleStats.
type Orchestrator struct {
	settings *config.Settings
	provider provider.Facade
	stream   *provider.LiveQuoteStream
	sink     storage.Sink
	driver   *pipeline.Driver
	reg      *metrics.Registry
	bundle   *metrics.Bundle
	log      zerolog.Logger

	cycleNumber int
	proc        *process.Process

	modeMu sync.Mutex
	mode   string
}

func NewOrchestrator(settings *config.Settings, p provider.Facade, stream *provider.LiveQuoteStream, sink storage.Sink, driver *pipeline.Driver, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger) *Orchestrator {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Orchestrator{
		settings: settings,
		provider: p,
		stream:   stream,
		sink:     sink,
		driver:   driver,
		reg:      reg,
		bundle:   bundle,
		log:      log.With().Str("component", "collector").Logger(),
		proc:     proc,
		mode:     settings.PipelineMode,
	}
}

// currentPipelineMode returns the mode this cycle should run under. A
// rollback drill can flip this to primary mid-process; settings itself
// is never mutated so a restart always re-reads the configured mode.
func (o *Orchestrator) currentPipelineMode() string {
	o.modeMu.Lock()
	defer o.modeMu.Unlock()
	return o.mode
}

// rollbackToPrimary permanently drops out of shadow mode for the rest
// of this process's lifetime once parity has fallen below the rollback
// threshold, so a misbehaving candidate pipeline stops being driven
// twice per cycle for no benefit.
func (o *Orchestrator) rollbackToPrimary() {
	o.modeMu.Lock()
	defer o.modeMu.Unlock()
	o.mode = "primary"
}

// Run blocks, driving one cycle per settings.IntervalSeconds, until ctx
// is cancelled. Market-hours gating and the market-close auto-stop gate
// both apply when settings.MarketHoursOnly is set.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := time.Duration(o.settings.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !o.settings.MarketHoursOnly || withinMarketHours(time.Now()) {
		o.runCycle(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o.settings.MarketHoursOnly && !withinMarketHours(time.Now()) {
				o.log.Info().Msg("outside market hours, skipping cycle")
				if afterMarketClose(time.Now()) {
					o.log.Info().Msg("market closed, auto-stopping orchestrator")
					return nil
				}
				continue
			}
			o.runCycle(ctx)
		}
	}
}

func withinMarketHours(t time.Time) bool {
	t = t.In(time.FixedZone("IST", 5*3600+1800))
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, t.Location())
	close := time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, t.Location())
	return !t.Before(open) && !t.After(close)
}

func afterMarketClose(t time.Time) bool {
	t = t.In(time.FixedZone("IST", 5*3600+1800))
	closeTime := time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, t.Location())
	return t.After(closeTime)
}

// runCycle drives every enabled index's expiry rules through the
// pipeline with bounded parallelism (one worker per enabled index),
// aggregates CycleStats, and writes the runtime status file atomically.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.cycleNumber++
	started := time.Now()

	enabled := enabledIndices(o.settings.Indices)
	results := make(chan indexResult, len(enabled))
	var wg sync.WaitGroup

	for _, idx := range enabled {
		wg.Add(1)
		go func(idx config.IndexParams) {
			defer wg.Done()
			results <- o.runIndex(ctx, idx)
		}(idx)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	perIndexCount := make(map[string]int)
	indicesInfo := make(map[string]domain.IndexCycleCount)
	successes, total := 0, 0
	for r := range results {
		total++
		perIndexCount[r.index] = r.optionCount
		indicesInfo[r.index] = domain.IndexCycleCount{Index: r.index, LTP: r.ltp, Options: r.optionCount}
		if !r.fatal {
			successes++
		}
	}

	stats := o.buildStats(started, enabled, perIndexCount, indicesInfo, successes, total)
	if err := o.writeRuntimeStatus(stats); err != nil {
		o.log.Warn().Err(err).Msg("failed to write runtime status file")
	}

	if o.reg != nil && o.bundle != nil {
		if successes == total {
			o.reg.Set(o.bundle.LastSuccessCycle, nil, float64(time.Now().Unix()))
		}
		o.reg.Inc(o.bundle.CollectionCycles, nil, 1)
		if total > successes {
			o.reg.Inc(o.bundle.CollectionErrors, map[string]string{"class": "index_fatal"}, float64(total-successes))
		}
	}

	o.log.Info().
		Int("cycle", o.cycleNumber).
		Dur("elapsed", time.Since(started)).
		Int("indices", len(enabled)).
		Msg("cycle complete")
}

type indexResult struct {
	index       string
	ltp         float64
	optionCount int
	fatal       bool
}

func (o *Orchestrator) runIndex(ctx context.Context, idx config.IndexParams) indexResult {
	ltp, err := o.provider.GetLTP(ctx, idx.Symbol)
	if err != nil {
		o.log.Warn().Str("index", idx.Symbol).Err(err).Msg("failed to fetch LTP, skipping index this cycle")
		return indexResult{index: idx.Symbol, fatal: true}
	}

	deps := pipeline.BuildDeps(o.settings, idx, o.provider, o.stream, o.sink, o.log, o.reg, o.bundle, o.driver.History())
	optionCount := 0
	for _, rule := range idx.ExpiryRules {
		var s *pipeline.State
		var fatal bool
		if o.currentPipelineMode() == "shadow" {
			s, fatal = o.runShadowExpiry(ctx, deps, idx.Symbol, rule)
		} else {
			state := pipeline.NewState(idx.Symbol, rule)
			outcome := o.driver.Run(ctx, deps, state)
			s, fatal = state, outcome.Fatal
		}
		optionCount += len(s.Rows)
		o.checkDrift(idx.Symbol, rule, s)
		if fatal {
			o.log.Warn().Str("index", idx.Symbol).Str("rule", string(rule.Kind)).Msg("fatal phase error, skipping remaining expiry rules for index")
			return indexResult{index: idx.Symbol, ltp: ltp, optionCount: optionCount, fatal: true}
		}
	}
	return indexResult{index: idx.Symbol, ltp: ltp, optionCount: optionCount}
}

// runShadowExpiry drives one expiry rule through the driver's shadow
// path, comparing two independent runs of the same expiry within this
// cycle for parity, and rolls the process back to primary mode the
// first time the rolling parity average drops below
// shadowRollbackThreshold.
func (o *Orchestrator) runShadowExpiry(ctx context.Context, deps *pipeline.Deps, index string, rule config.ExpiryRule) (*pipeline.State, bool) {
	legacy := pipeline.NewState(index, rule)
	candidate := pipeline.NewState(index, rule)
	outcome, avg := o.driver.RunShadow(ctx, deps, legacy, candidate, true)

	if avg < shadowRollbackThreshold {
		o.log.Warn().
			Str("event", "pipeline.alert_parity.anomaly").
			Str("index", index).
			Str("rule", string(rule.Kind)).
			Float64("parity_avg", avg).
			Msg("shadow parity fell below rollback threshold, reverting to primary pipeline")
		if o.reg != nil && o.bundle != nil {
			o.reg.Inc(o.bundle.RollbackDrillTotal, nil, 1)
		}
		o.rollbackToPrimary()
	}
	return outcome.State, outcome.Fatal
}

// checkDrift compares the just-completed state against the checkpoint
// left by the previous cycle's run of the same (index, rule), scoring
// cycle-over-cycle parity before overwriting the checkpoint. This
// reuses the same ParityScore used for legacy/candidate shadow
// comparisons, applied across time instead of across implementations.
func (o *Orchestrator) checkDrift(index string, rule config.ExpiryRule, s *pipeline.State) {
	path := filepath.Join(o.settings.DataDir, "checkpoints", index+"-"+string(rule.Kind)+".msgpack")
	prev, err := pipeline.LoadCheckpoint(path)
	if err != nil {
		o.log.Warn().Err(err).Str("index", index).Msg("failed to read pipeline checkpoint")
	} else if prev != nil {
		score := pipeline.ParityScore(pipeline.SignatureOf(prev), pipeline.SignatureOf(s), true)
		if score < 0.7 {
			o.log.Warn().Str("index", index).Str("rule", string(rule.Kind)).Float64("parity", score).Msg("cycle-over-cycle parity dropped sharply")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if err := pipeline.SaveCheckpoint(path, s); err != nil {
			o.log.Warn().Err(err).Str("index", index).Msg("failed to write pipeline checkpoint")
		}
	}
}

func enabledIndices(indices []config.IndexParams) []config.IndexParams {
	out := make([]config.IndexParams, 0, len(indices))
	for _, i := range indices {
		if i.Enabled {
			out = append(out, i)
		}
	}
	return out
}

func (o *Orchestrator) buildStats(started time.Time, enabled []config.IndexParams, perIndex map[string]int, indicesInfo map[string]domain.IndexCycleCount, successes, total int) domain.CycleStats {
	names := make([]string, 0, len(enabled))
	for _, i := range enabled {
		names = append(names, i.Symbol)
	}

	successRate := 100.0
	if total > 0 {
		successRate = 100.0 * float64(successes) / float64(total)
	}

	memMB, cpuPct := o.resourceUsage()

	optionsLastCycle := 0
	for _, c := range perIndex {
		optionsLastCycle += c
	}

	return domain.CycleStats{
		CycleNumber:         o.cycleNumber,
		StartedAt:           started,
		ElapsedSeconds:      time.Since(started).Seconds(),
		Interval:            o.settings.IntervalSeconds,
		Indices:             names,
		PerIndexOptionCount: perIndex,
		IndicesInfo:         indicesInfo,
		SuccessRatePct:      successRate,
		APISuccessRatePct:   successRate,
		MemoryMB:            memMB,
		CPUPercent:          cpuPct,
		ReadinessOK:         successes == total,
		ReadinessReason:     readinessReason(successes, total),
		OptionsLastCycle:    optionsLastCycle,
		OptionsPerMinute:    float64(optionsLastCycle) / (float64(o.settings.IntervalSeconds) / 60.0),
	}
}

func readinessReason(successes, total int) string {
	if total == 0 {
		return "no enabled indices"
	}
	if successes == total {
		return "ok"
	}
	return fmt.Sprintf("%d/%d indices failed this cycle", total-successes, total)
}

func (o *Orchestrator) resourceUsage() (memMB, cpuPct float64) {
	if o.proc == nil {
		return 0, 0
	}
	if mem, err := o.proc.MemoryInfo(); err == nil && mem != nil {
		memMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	return memMB, cpuPct
}

// writeRuntimeStatus persists stats to settings.RuntimeStatusPath via
// a tmp-then-rename write for atomicity.
func (o *Orchestrator) writeRuntimeStatus(stats domain.CycleStats) error {
	path := o.settings.RuntimeStatusPath
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
