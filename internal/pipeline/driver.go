package pipeline

import (
	"context"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/provider"
	"github.com/g6/collector/internal/storage"
	"github.com/rs/zerolog"
)

// Driver executes StandardPhases for one (index, expiry rule) in
// order, timing and classifying each phase's outcome: duration and
// outcome are recorded before the phase's result is acted on, so
// /metrics always correlates with the subsequent log line.
type Driver struct {
	phases  []Phase
	metrics *metrics.Registry
	bundle  *metrics.Bundle
	parity  *RollingParity
	history *PCRHistory
}

func NewDriver(reg *metrics.Registry, bundle *metrics.Bundle) *Driver {
	return &Driver{phases: StandardPhases(), metrics: reg, bundle: bundle, parity: NewRollingParity(20), history: NewPCRHistory(20)}
}

// History returns the driver's cross-cycle PCR history, shared by every
// Deps this driver builds so coveragePhase sees a real rolling window.
func (d *Driver) History() *PCRHistory { return d.history }

// Outcome is a coarse result summary returned to the orchestrator.
type Outcome struct {
	State     *State
	Recovered bool
	Fatal     bool
	Aborted   bool
}

// Run drives one expiry through the full phase chain. On
// PhaseFatalError or PhaseRecoverableError it stops early; an abort is
// treated as a clean early stop (not a failure).
func (d *Driver) Run(ctx context.Context, deps *Deps, s *State) Outcome {
	for _, phase := range d.phases {
		start := time.Now()
		err := phase.Run(ctx, deps, s)
		d.recordPhase(phase.Name(), time.Since(start), err)

		if err == nil {
			continue
		}

		switch e := err.(type) {
		case *PhaseAbortError:
			s.Status = StatusAborted
			s.addError(e.Error())
			return Outcome{State: s, Aborted: true}
		case *PhaseRecoverableError:
			s.Status = StatusAborted
			s.addError(e.Error())
			if d.bundle != nil {
				d.incrementOutcome(d.bundle.ExpiryRecoverable, map[string]string{"index": s.Index, "rule": string(s.Rule.Kind)})
			}
			return Outcome{State: s, Recovered: true}
		case *PhaseFatalError:
			s.Status = StatusFailed
			s.addError(e.Error())
			if d.bundle != nil {
				d.incrementOutcome(d.bundle.IndexFatal, map[string]string{"index": s.Index})
			}
			return Outcome{State: s, Fatal: true}
		default:
			s.Status = StatusFailed
			s.addError(err.Error())
			return Outcome{State: s, Fatal: true}
		}
	}
	return Outcome{State: s}
}

func (d *Driver) recordPhase(phase string, elapsed time.Duration, err error) {
	if d.metrics == nil || d.bundle == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.Observe(d.bundle.PhaseDuration, map[string]string{"phase": phase, "final_outcome": outcome}, elapsed.Seconds())
	d.metrics.Inc(d.bundle.PhaseOutcomes, map[string]string{"phase": phase, "final_outcome": outcome}, 1)
}

func (d *Driver) incrementOutcome(h metrics.Handle, labels map[string]string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Inc(h, labels, 1)
}

// RunShadow drives two states for the same expiry through this
// driver's phase chain when settings.PipelineMode == shadow, scores
// their parity, and folds the score into the rolling average. Both
// runs use the same phases; there is no separate legacy implementation.
func (d *Driver) RunShadow(ctx context.Context, deps *Deps, legacy, candidate *State, extended bool) (Outcome, float64) {
	legacyOutcome := d.Run(ctx, deps, legacy)
	candidateOutcome := d.Run(ctx, deps, candidate)

	score := ParityScore(signatureOf(legacyOutcome.State), signatureOf(candidateOutcome.State), extended)
	avg := d.parity.Add(score)

	if d.metrics != nil && d.bundle != nil {
		d.metrics.Set(d.bundle.ParityRollingAvg, map[string]string{"index": candidate.Index}, avg)
		d.metrics.Set(d.bundle.AlertParityDiff, map[string]string{"index": candidate.Index}, 1-score)
	}
	return candidateOutcome, avg
}

// BuildDeps assembles the per-cycle Deps shared by every expiry driven
// this cycle for one index.
func BuildDeps(settings *config.Settings, idx config.IndexParams, p provider.Facade, stream *provider.LiveQuoteStream, sink storage.Sink, log zerolog.Logger, reg *metrics.Registry, bundle *metrics.Bundle, history *PCRHistory) *Deps {
	return &Deps{
		Settings:         settings,
		Index:            idx,
		Provider:         p,
		Stream:           stream,
		Sink:             sink,
		Log:              log,
		Metrics:          reg,
		Bundle:           bundle,
		History:          history,
		MinVolume:        settings.MinVolume,
		MinOI:            settings.MinOI,
		VolumePercentile: settings.VolumePercentile,
	}
}
