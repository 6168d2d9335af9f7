// Package pipeline implements the per-(index, expiry) phase chain: a
// fixed, ordered list of phases mutating a shared state object, a
// three-variant error taxonomy in place of broad exception handling, a
// shadow/parity driver comparing two runs of that chain, and the
// IV/Greeks numerics backing the enrichment phases.
//
// The sequencing style drives one item through a registered, ordered
// sequence of steps, with every step's outcome timed and logged rather
// than left to an ambient try/catch.
package pipeline

import (
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
)

// Status is the pipeline state machine's current node: INIT ->
// RESOLVED -> FETCHED -> ENRICHED -> VALIDATED -> PERSISTED -> DONE,
// with ABORTED/FAILED as terminal error states.
type Status string

const (
	StatusInit      Status = "INIT"
	StatusResolved  Status = "RESOLVED"
	StatusFetched   Status = "FETCHED"
	StatusEnriched  Status = "ENRICHED"
	StatusValidated Status = "VALIDATED"
	StatusPersisted Status = "PERSISTED"
	StatusDone      Status = "DONE"
	StatusAborted   Status = "ABORTED"
	StatusFailed    Status = "FAILED"
)

// State is the per-(index, expiry) working set threaded through every
// phase. Phases mutate it in place; nothing outside the driver holds a
// reference across cycles.
type State struct {
	Index  string
	Rule   config.ExpiryRule
	Status Status

	ExpiryDate time.Time
	ATM        float64
	Strikes    []float64

	Instruments []domain.Instrument
	Enriched    map[string]domain.Quote // symbol -> quote, populated by enrich

	StrikeCoverage float64
	FieldCoverage  float64
	PCR            float64

	IVFailures     int
	GreeksComputed int

	Rows []domain.Row

	Flags  map[string]bool
	Errors []string

	Record domain.ExpiryRecord
}

func NewState(index string, rule config.ExpiryRule) *State {
	return &State{
		Index:    index,
		Rule:     rule,
		Status:   StatusInit,
		Enriched: make(map[string]domain.Quote),
		Flags:    make(map[string]bool),
	}
}

func (s *State) addError(msg string) {
	s.Errors = append(s.Errors, msg)
}
