// Package errs implements a centralized error router: every error path
// in the codebase routes through a small registry of known codes
// instead of formatting its own log line, so severity, throttling, and
// metric emission stay consistent no matter where an error originates.
// The throttling shape mirrors the provider package's outageTracker
// (internal/provider/provider.go).
package errs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/g6/collector/internal/metrics"
	"github.com/rs/zerolog"
)

// Severity is the routed log level for a code.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Entry describes one registered error code.
type Entry struct {
	Code        string
	Severity    Severity
	Description string
	// EveryN throttles repeated occurrences of this code to one log line
	// per EveryN calls; 0 or 1 means log every time.
	EveryN int
}

// Router is the process-wide error code registry and rate limiter.
// It's safe for concurrent use.
type Router struct {
	mu            sync.Mutex
	entries       map[string]Entry
	counts        map[string]int
	warnedUnknown map[string]bool
	escalate      Severity

	reg    *metrics.Registry
	bundle *metrics.Bundle
}

func NewRouter(escalateEnv Severity) *Router {
	return &Router{
		entries:       make(map[string]Entry),
		counts:        make(map[string]int),
		warnedUnknown: make(map[string]bool),
		escalate:      escalateEnv,
	}
}

// SetMetrics attaches the metrics registry once it exists. Route is a
// no-op on the metrics side until this is called, since the router is
// constructed before the registry during startup.
func (r *Router) SetMetrics(reg *metrics.Registry, bundle *metrics.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg = reg
	r.bundle = bundle
}

// Register adds or replaces a code's registry entry.
func (r *Router) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Code] = e
}

// Result is what Route reports back, so callers can decide whether to
// also increment a caller-specific metric or just rely on the router's
// own bookkeeping.
type Result struct {
	Logged   bool
	Severity Severity
}

// Route looks up code, applies its throttle, serializes labels safely,
// and emits one routed log line when the throttle allows it. An
// unregistered code is routed at SeverityError on every occurrence, the
// first included; the first time it's seen, a one-shot WARNING is
// logged in addition to the routed line.
func (r *Router) Route(code string, log zerolog.Logger, count int, labels map[string]interface{}) Result {
	if count <= 0 {
		count = 1
	}

	r.mu.Lock()
	entry, known := r.entries[code]
	if !known {
		if !r.warnedUnknown[code] {
			r.warnedUnknown[code] = true
			log.Warn().Str("code", code).Msg("errs: routing unregistered error code")
		}
		entry = Entry{Code: code, Severity: SeverityError, Description: "unregistered"}
	}
	r.counts[code] += count
	total := r.counts[code]
	r.mu.Unlock()

	severity := entry.Severity
	if r.escalate != "" && severityRank(r.escalate) > severityRank(severity) {
		severity = r.escalate
	}

	r.mu.Lock()
	reg, bundle := r.reg, r.bundle
	r.mu.Unlock()
	if reg != nil && bundle != nil {
		reg.Inc(bundle.ErrorsRoutedTotal, map[string]string{"code": code, "severity": string(severity)}, 1)
	}

	every := entry.EveryN
	if every <= 0 {
		every = 1
	}
	if total%every != 0 {
		log.Debug().Str("code", code).Int("count", total).Msg("errs: throttled repeat, metric still incremented")
		return Result{Logged: false, Severity: severity}
	}

	ev := eventForSeverity(log, severity)
	ev = ev.Str("code", code).Int("count", total)
	for k, v := range labels {
		ev = ev.Str(k, safeLabel(v))
	}
	ev.Msg(entry.Description)

	return Result{Logged: true, Severity: severity}
}

func eventForSeverity(log zerolog.Logger, s Severity) *zerolog.Event {
	switch s {
	case SeverityInfo:
		return log.Info()
	case SeverityWarn:
		return log.Warn()
	case SeverityFatal:
		return log.Error() // never os.Exit from inside the router; callers decide
	default:
		return log.Error()
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarn:
		return 1
	case SeverityError:
		return 2
	case SeverityFatal:
		return 3
	default:
		return 1
	}
}

const maxLabelLen = 512

// safeLabel renders v as a short string for a log field: primitives
// print directly, everything else is JSON-encoded, and anything that
// fails to encode or exceeds maxLabelLen is truncated or replaced.
func safeLabel(v interface{}) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	case error:
		s = t.Error()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "<unserializable>"
		}
		s = string(data)
	}
	if len(s) > maxLabelLen {
		return s[:maxLabelLen]
	}
	return s
}
