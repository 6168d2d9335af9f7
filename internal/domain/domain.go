// Package domain holds the plain data types shared across the
// collection pipeline: quotes, instruments, per-cycle expiry state,
// and the cycle-level statistics written to the runtime status file.
//
// None of these types hold behavior beyond small invariant checks:
// transport-agnostic structs consumed by several unrelated layers
// (pipeline phases, sinks, panels).
package domain

import (
	"fmt"
	"time"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// Quote is a single instrument's market snapshot for one cycle.
type Quote struct {
	Symbol    string
	LastPrice float64
	Volume    *int64
	OI        *int64
	Bid       *float64
	Ask       *float64
	IV        *float64
	Greeks    *Greeks
	Timestamp time.Time
}

// Valid enforces the Quote invariants: last_price is never negative,
// and when both sides of the book are present ask must not be below
// bid.
func (q Quote) Valid() bool {
	if q.LastPrice < 0 {
		return false
	}
	if q.Bid != nil && q.Ask != nil && *q.Ask < *q.Bid {
		return false
	}
	return true
}

// Greeks holds the Black-Scholes sensitivities derived from a resolved IV.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// StrikeRange bounds the strike universe a provider should return
// instruments for: every strike from Min to Max in Step increments,
// computed by the pipeline's fetch phase from the index's ATM strike
// and its configured ITM/OTM strike counts.
type StrikeRange struct {
	Min  float64
	Max  float64
	Step float64
}

// Instrument identifies one listed option contract.
type Instrument struct {
	Symbol     string
	Index      string
	Expiry     time.Time
	Strike     float64
	Type       OptionType
	Underlying string
}

// ExpiryStatus is the terminal classification of one expiry's pipeline run.
type ExpiryStatus string

const (
	StatusOK       ExpiryStatus = "OK"
	StatusDegraded ExpiryStatus = "DEGRADED"
	StatusStall    ExpiryStatus = "STALL"
	StatusNoData   ExpiryStatus = "NO_DATA"
	StatusEmpty    ExpiryStatus = "EMPTY"
)

// ExpiryRecord is the classified, coverage-annotated summary of one
// (index, expiry) pipeline run, emitted in the expiry.complete log and
// folded into CycleStats.
type ExpiryRecord struct {
	Index          string
	Rule           string
	ExpiryDate     time.Time
	Status         ExpiryStatus
	OptionCount    int
	StrikeCoverage float64
	FieldCoverage  float64
	PCR            float64
	Errors         []string
}

// Row is a single persisted output line (one per instrument per cycle),
// the uniform contract every storage sink accepts. Rule and Offset are
// precomputed by the pipeline's persist phase so sinks never need to
// know about expiry-rule resolution or ATM strike math; Offset is the
// strike distance from that cycle's ATM strike, formatted the way the
// CSV partition path expects it (e.g. "0", "+50", "-100").
type Row struct {
	Index     string
	Expiry    time.Time
	Rule      string
	Offset    string
	Strike    float64
	Type      OptionType
	Timestamp time.Time
	Quote     Quote
	Greeks    *Greeks
}

// FormatOffset renders a strike's distance from the cycle's ATM strike
// the way the CSV partition path expects it: "0" at the money, "+50"
// or "-100" away from it.
func FormatOffset(strike, atm float64) string {
	diff := strike - atm
	if diff == 0 {
		return "0"
	}
	if diff > 0 {
		return fmt.Sprintf("+%g", diff)
	}
	return fmt.Sprintf("%g", diff)
}

// IndexCycleCount is the per-index option-count contribution to a cycle.
type IndexCycleCount struct {
	Index   string  `json:"index"`
	LTP     float64 `json:"ltp"`
	Options int     `json:"options"`
}

// CycleStats is produced once per orchestrator cycle and is the
// source of truth for the runtime status file and the summary loop's
// panel payloads.
type CycleStats struct {
	CycleNumber         int                        `json:"cycle_number"`
	StartedAt           time.Time                  `json:"started_at"`
	ElapsedSeconds      float64                    `json:"elapsed_seconds"`
	Interval            int                        `json:"interval"`
	SleepSeconds        float64                    `json:"sleep_seconds"`
	Indices             []string                   `json:"indices"`
	PerIndexOptionCount map[string]int             `json:"per_index_option_count"`
	IndicesInfo         map[string]IndexCycleCount `json:"indices_info"`
	SuccessRatePct      float64                    `json:"success_rate_pct"`
	APISuccessRatePct   float64                    `json:"api_success_rate_pct"`
	MemoryMB            float64                    `json:"memory_mb"`
	CPUPercent          float64                    `json:"cpu_pct"`
	ReadinessOK         bool                       `json:"readiness_ok"`
	ReadinessReason     string                     `json:"readiness_reason"`
	OptionsLastCycle    int                        `json:"options_last_cycle"`
	OptionsPerMinute    float64                    `json:"options_per_minute"`
}
