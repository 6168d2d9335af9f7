package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/provider"
	"github.com/g6/collector/internal/storage"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

// Phase is one named step in the chain. Run mutates state in place and
// returns one of the taxonomy errors on failure, or nil to advance.
type Phase interface {
	Name() string
	Run(ctx context.Context, p *Deps, s *State) error
}

// Deps bundles everything a phase may need without every phase
// importing every package directly; the driver constructs one per cycle.
type Deps struct {
	Settings *config.Settings
	Index    config.IndexParams
	Provider provider.Facade
	Stream   *provider.LiveQuoteStream
	Sink     storage.Sink
	Log      zerolog.Logger
	Metrics  *metrics.Registry
	Bundle   *metrics.Bundle
	History  *PCRHistory

	MinVolume        int
	MinOI            int
	VolumePercentile float64
}

// liveQuote returns a quote built from the live stream's cache when one
// is fresh for symbol, so enrichPhase can skip the REST round trip.
func (d *Deps) liveQuote(symbol string) (domain.Quote, bool) {
	if d.Stream == nil || !d.Stream.Connected() {
		return domain.Quote{}, false
	}
	price, ok := d.Stream.Get(symbol)
	if !ok {
		return domain.Quote{}, false
	}
	return domain.Quote{Symbol: symbol, LastPrice: price, Timestamp: time.Now().UTC()}, true
}

// StandardPhases returns the thirteen phases in their fixed run order.
// salvage is included unconditionally; it is a no-op unless
// settings.ForeignExpirySalvage is set.
func StandardPhases() []Phase {
	return []Phase{
		resolvePhase{}, fetchPhase{}, prefilterPhase{}, enrichPhase{},
		preventiveValidatePhase{}, salvagePhase{}, coveragePhase{},
		ivPhase{}, greeksPhase{}, persistPhase{}, classifyPhase{},
		snapshotPhase{}, summarizePhase{},
	}
}

const (
	maxPhaseAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
)

// isTransient reports whether err is a provider failure worth retrying
// rather than failing the phase outright.
func isTransient(err error) bool {
	return errors.Is(err, provider.ErrNetwork) || errors.Is(err, provider.ErrRateLimit)
}

// retryWithBackoff runs fn up to maxPhaseAttempts times, doubling the
// delay between attempts, stopping early on a non-transient error or a
// cancelled context. The observed backoff delay and the final attempt
// count are both recorded against phase so g6_pipeline_phase_last_attempts
// reflects the most recent run even when every attempt succeeded on the
// first try.
func retryWithBackoff(ctx context.Context, d *Deps, phase string, fn func() error) error {
	var err error
	attempt := 1
	for ; attempt <= maxPhaseAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt == maxPhaseAttempts {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
		if d.Metrics != nil && d.Bundle != nil {
			d.Metrics.Observe(d.Bundle.PhaseRetryBackoff, map[string]string{"phase": phase}, delay.Seconds())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if d.Metrics != nil && d.Bundle != nil {
		d.Metrics.Set(d.Bundle.PhaseLastAttempts, map[string]string{"phase": phase}, float64(attempt))
	}
	return err
}

type resolvePhase struct{}

func (resolvePhase) Name() string { return "resolve" }

func (resolvePhase) Run(ctx context.Context, d *Deps, s *State) error {
	date, err := d.Provider.ResolveExpiry(ctx, s.Index, s.Rule)
	if err != nil {
		return recoverable("resolve", err)
	}
	s.ExpiryDate = date
	s.Status = StatusResolved
	return nil
}

type fetchPhase struct{}

func (fetchPhase) Name() string { return "fetch" }

func (fetchPhase) Run(ctx context.Context, d *Deps, s *State) error {
	var ltp float64
	err := retryWithBackoff(ctx, d, "fetch", func() error {
		var innerErr error
		ltp, innerErr = d.Provider.GetLTP(ctx, s.Index)
		return innerErr
	})
	if err != nil {
		return fatal("fetch", err)
	}

	step := d.Index.StrikeStep
	if step <= 0 {
		step = 50
	}
	s.ATM = math.Round(ltp/step) * step

	itm, otm := d.Index.StrikesITM, d.Index.StrikesOTM
	if itm <= 0 && otm <= 0 {
		itm, otm = 10, 10
	}
	strikes := make([]float64, 0, itm+otm+1)
	for i := -itm; i <= otm; i++ {
		strikes = append(strikes, s.ATM+float64(i)*step)
	}
	s.Strikes = strikes
	strikeRange := domain.StrikeRange{Min: strikes[0], Max: strikes[len(strikes)-1], Step: step}

	var instruments []domain.Instrument
	err = retryWithBackoff(ctx, d, "fetch", func() error {
		var innerErr error
		instruments, innerErr = d.Provider.GetOptionInstruments(ctx, s.Index, s.ExpiryDate, strikeRange)
		return innerErr
	})
	if err != nil {
		return recoverable("fetch", err)
	}
	s.Instruments = instruments
	s.Status = StatusFetched
	return nil
}

type prefilterPhase struct{}

func (prefilterPhase) Name() string { return "prefilter" }

func (prefilterPhase) Run(_ context.Context, _ *Deps, s *State) error {
	kept := s.Instruments[:0]
	for _, inst := range s.Instruments {
		if inst.Symbol == "" || inst.Strike <= 0 {
			continue
		}
		kept = append(kept, inst)
	}
	s.Instruments = kept
	return nil
}

type enrichPhase struct{}

func (enrichPhase) Name() string { return "enrich" }

func (enrichPhase) Run(ctx context.Context, d *Deps, s *State) error {
	for _, inst := range s.Instruments {
		q, ok := d.liveQuote(inst.Symbol)
		if !ok {
			err := retryWithBackoff(ctx, d, "enrich", func() error {
				var innerErr error
				q, innerErr = d.Provider.GetQuote(ctx, inst.Symbol)
				return innerErr
			})
			if err != nil {
				s.addError(fmt.Sprintf("enrich %s: %v", inst.Symbol, err))
				continue
			}
		}
		if !q.Valid() {
			s.addError(fmt.Sprintf("enrich %s: invalid quote", inst.Symbol))
			continue
		}
		if q.Volume == nil || q.OI == nil {
			s.addError(fmt.Sprintf("enrich %s: missing volume/oi", inst.Symbol))
		}
		s.Enriched[inst.Symbol] = q
	}
	s.Status = StatusEnriched
	return nil
}

type preventiveValidatePhase struct{}

func (preventiveValidatePhase) Name() string { return "preventive_validate" }

func (preventiveValidatePhase) Run(_ context.Context, d *Deps, s *State) error {
	if len(s.Enriched) == 0 && !d.Settings.ForeignExpirySalvage {
		return abort("preventive_validate", "no enriched quotes and salvage disabled")
	}
	s.Status = StatusValidated
	return nil
}

type salvagePhase struct{}

func (salvagePhase) Name() string { return "salvage" }

func (salvagePhase) Run(_ context.Context, d *Deps, s *State) error {
	if !d.Settings.ForeignExpirySalvage || len(s.Enriched) > 0 {
		return nil
	}
	// Nothing survived prefilter/enrich; rescue instruments whose strike
	// and symbol align even though their reported expiry field does not
	// match s.ExpiryDate, rather than abandoning the expiry outright.
	for _, inst := range s.Instruments {
		if _, ok := s.Enriched[inst.Symbol]; ok {
			continue
		}
		if inst.Expiry.Equal(s.ExpiryDate) {
			continue
		}
		s.Enriched[inst.Symbol] = domain.Quote{Symbol: inst.Symbol, LastPrice: 0, Timestamp: time.Now().UTC()}
		s.Flags["salvaged"] = true
	}
	return nil
}

type coveragePhase struct{}

func (coveragePhase) Name() string { return "coverage" }

func (coveragePhase) Run(_ context.Context, d *Deps, s *State) error {
	if len(s.Instruments) == 0 {
		return nil
	}
	s.StrikeCoverage = float64(len(s.Enriched)) / float64(len(s.Instruments))

	fieldsPresent, fieldsTotal := 0, 0
	callOI, putOI := int64(0), int64(0)
	for symbol, q := range s.Enriched {
		fieldsTotal += 4 // volume, oi, bid, ask
		if q.Volume != nil {
			fieldsPresent++
		}
		if q.OI != nil {
			fieldsPresent++
			if optionTypeOf(s, symbol) == domain.Call {
				callOI += *q.OI
			} else {
				putOI += *q.OI
			}
		}
		if q.Bid != nil {
			fieldsPresent++
		}
		if q.Ask != nil {
			fieldsPresent++
		}
	}
	if fieldsTotal > 0 {
		s.FieldCoverage = float64(fieldsPresent) / float64(fieldsTotal)
	}
	if putOI > 0 {
		s.PCR = float64(putOI) / float64(callOI)
	}

	if d.History != nil {
		history := d.History.Record(s.Index, s.PCR)
		if trend := rollingPCRTrend(history, pcrTrendPeriod); trend > 0 {
			if d.Metrics != nil && d.Bundle != nil {
				d.Metrics.Set(d.Bundle.PCRTrend, map[string]string{"index": s.Index}, trend)
			}
		}
	}
	return nil
}

type ivPhase struct{}

func (ivPhase) Name() string { return "iv" }

func (ivPhase) Run(_ context.Context, d *Deps, s *State) error {
	for symbol, q := range s.Enriched {
		if q.LastPrice <= 0 {
			continue
		}
		iv, ok := solveImpliedVol(q.LastPrice, s.ATM, strikeOf(s, symbol), 30.0/365.0, 0.06)
		if !ok {
			s.IVFailures++
			if d.Metrics != nil && d.Bundle != nil {
				d.Metrics.Inc(d.Bundle.IVEstimationFailure, map[string]string{"index": s.Index}, 1)
			}
			continue
		}
		q.IV = &iv
		s.Enriched[symbol] = q
	}
	return nil
}

func strikeOf(s *State, symbol string) float64 {
	for _, inst := range s.Instruments {
		if inst.Symbol == symbol {
			return inst.Strike
		}
	}
	return s.ATM
}

type greeksPhase struct{}

func (greeksPhase) Name() string { return "greeks" }

func (greeksPhase) Run(_ context.Context, _ *Deps, s *State) error {
	for symbol, q := range s.Enriched {
		if q.IV == nil {
			continue
		}
		strike := strikeOf(s, symbol)
		isCall := optionTypeOf(s, symbol) == domain.Call
		g := blackScholesGreeks(s.ATM, strike, 30.0/365.0, 0.06, *q.IV, isCall)
		q.Greeks = &g
		s.Enriched[symbol] = q
		s.GreeksComputed++
	}
	return nil
}

func optionTypeOf(s *State, symbol string) domain.OptionType {
	for _, inst := range s.Instruments {
		if inst.Symbol == symbol {
			return inst.Type
		}
	}
	return domain.Call
}

type persistPhase struct{}

func (persistPhase) Name() string { return "persist" }

func (persistPhase) Run(ctx context.Context, d *Deps, s *State) error {
	rows := make([]domain.Row, 0, len(s.Enriched))
	ruleKey := string(s.Rule.Kind)
	for symbol, q := range s.Enriched {
		strike := strikeOf(s, symbol)
		rows = append(rows, domain.Row{
			Index:     s.Index,
			Expiry:    s.ExpiryDate,
			Rule:      ruleKey,
			Offset:    domain.FormatOffset(strike, s.ATM),
			Strike:    strike,
			Type:      optionTypeOf(s, symbol),
			Timestamp: q.Timestamp,
			Quote:     q,
			Greeks:    q.Greeks,
		})
	}
	if d.Sink != nil {
		if err := d.Sink.WriteRows(ctx, rows); err != nil {
			return fatal("persist", err)
		}
	}
	s.Rows = rows
	s.Status = StatusPersisted
	return nil
}

type classifyPhase struct{}

func (classifyPhase) Name() string { return "classify" }

func (classifyPhase) Run(_ context.Context, _ *Deps, s *State) error {
	status := classify(s)
	s.Record = domain.ExpiryRecord{
		Index:          s.Index,
		Rule:           string(s.Rule.Kind),
		ExpiryDate:     s.ExpiryDate,
		Status:         status,
		OptionCount:    len(s.Rows),
		StrikeCoverage: s.StrikeCoverage,
		FieldCoverage:  s.FieldCoverage,
		PCR:            s.PCR,
		Errors:         s.Errors,
	}
	return nil
}

func classify(s *State) domain.ExpiryStatus {
	switch {
	case len(s.Rows) == 0:
		return domain.StatusEmpty
	case s.StrikeCoverage < 0.3:
		return domain.StatusNoData
	case s.StrikeCoverage < 0.6 || s.FieldCoverage < 0.5:
		return domain.StatusDegraded
	case len(s.Errors) > 0:
		return domain.StatusStall
	default:
		return domain.StatusOK
	}
}

type snapshotPhase struct{}

func (snapshotPhase) Name() string { return "snapshot" }

func (snapshotPhase) Run(_ context.Context, d *Deps, s *State) error {
	if !d.Settings.AutoSnapshots {
		return nil
	}
	s.Flags["snapshot_built"] = true
	return nil
}

type summarizePhase struct{}

func (summarizePhase) Name() string { return "summarize" }

func (summarizePhase) Run(_ context.Context, d *Deps, s *State) error {
	s.Status = StatusDone
	d.Log.Info().
		Str("event", "expiry.complete").
		Str("index", s.Index).
		Str("rule", string(s.Rule.Kind)).
		Str("status", string(s.Record.Status)).
		Int("options", s.Record.OptionCount).
		Float64("strike_coverage", s.Record.StrikeCoverage).
		Float64("field_coverage", s.Record.FieldCoverage).
		Send()
	return nil
}

// pcrTrendPeriod is the SMA window rollingPCRTrend smooths over; shorter
// than PCRHistory's retention window so the trend has history to warm up
// against before the first value is published.
const pcrTrendPeriod = 5

// rollingPCRTrend smooths a PCR history with go-talib's SMA, returning 0
// until at least period samples are available.
func rollingPCRTrend(history []float64, period int) float64 {
	if len(history) < period {
		return 0
	}
	out := talib.Sma(history, period)
	return out[len(out)-1]
}

// PCRHistory retains each index's recent put/call-ratio readings across
// cycles so coveragePhase can feed rollingPCRTrend an actual rolling
// window instead of a single sample. Owned by the Driver, which
// outlives any one cycle's Deps.
type PCRHistory struct {
	mu      sync.Mutex
	window  int
	byIndex map[string][]float64
}

// NewPCRHistory retains up to window samples per index.
func NewPCRHistory(window int) *PCRHistory {
	if window <= 0 {
		window = 20
	}
	return &PCRHistory{window: window, byIndex: make(map[string][]float64)}
}

// Record appends pcr to index's history, trims it to the retention
// window, and returns a copy safe for the caller to pass to
// rollingPCRTrend without holding the lock.
func (h *PCRHistory) Record(index string, pcr float64) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := append(h.byIndex[index], pcr)
	if len(hist) > h.window {
		hist = hist[len(hist)-h.window:]
	}
	h.byIndex[index] = hist
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}
