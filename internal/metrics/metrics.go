// Package metrics implements the spec-driven Prometheus metrics
// registry: compile-time metric definitions, a per-metric cardinality
// guard, and an adaptive emission batcher for counters.
//
// The collector registers vectors against a private prometheus.Registry
// (grounded on 99souls-ariadne's engine/telemetry/metrics/prometheus.go
// provider, which wraps CounterVec/GaugeVec/HistogramVec behind a
// mutex-guarded map keyed by metric name) rather than the global
// default registry, so tests can spin up isolated registries.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Kind identifies the Prometheus metric shape.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
	KindHistogramBucketed
)

// Def is a compile-time metric definition. All metrics are declared
// through Registry.Register; runtime ad hoc creation is forbidden.
type Def struct {
	Name    string
	Kind    Kind
	Help    string
	Labels  []string
	Budget  int // max distinct label-tuples; 0 means unbounded
	Buckets []float64
}

// Handle is an opaque reference returned by Register, passed back into
// Inc/Set/Observe.
type Handle struct {
	name string
}

type cardinalityGuard struct {
	mu     sync.Mutex
	budget int
	seen   map[string]struct{} // serialized label tuple -> presence
}

func newCardinalityGuard(budget int) *cardinalityGuard {
	return &cardinalityGuard{budget: budget, seen: make(map[string]struct{})}
}

// admit reports whether this label tuple may proceed. Once budget
// distinct tuples have been seen, new tuples are rejected; previously
// seen tuples always pass.
func (g *cardinalityGuard) admit(tuple string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[tuple]; ok {
		return true
	}
	if g.budget > 0 && len(g.seen) >= g.budget {
		return false
	}
	g.seen[tuple] = struct{}{}
	return true
}

func (g *cardinalityGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Registry owns every MetricDef, the cardinality guards, the emission
// batcher, and self-metrics. It is safe for concurrent use.
type Registry struct {
	log zerolog.Logger
	reg *prometheus.Registry

	mu         sync.RWMutex
	defs       map[string]Def
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	guards     map[string]*cardinalityGuard

	strictDuplicate bool
	duplicates      *prometheus.CounterVec
	cardRejected    *prometheus.CounterVec
	cardSeries      *prometheus.GaugeVec
	emitFailOnce    *prometheus.CounterVec
	emitFail        *prometheus.CounterVec
	specHash        prometheus.Gauge

	failOnceSeen sync.Map // (metric,signature) -> struct{}

	batcher *batcher
}

// Option configures Registry construction.
type Option func(*Registry)

// WithStrictDuplicate makes duplicate registration fatal instead of
// warn-and-count.
func WithStrictDuplicate() Option {
	return func(r *Registry) { r.strictDuplicate = true }
}

// New constructs a Registry. specHash is a stable content hash of the
// active metric spec, exposed as the hash label of
// g6_build_config_hash_info for drift detection; g6_spec_hash_info
// itself is a constant 1.
func New(log zerolog.Logger, specHash string, opts ...Option) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		log:        log.With().Str("component", "metrics_registry").Logger(),
		reg:        reg,
		defs:       make(map[string]Def),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		guards:     make(map[string]*cardinalityGuard),
	}
	for _, o := range opts {
		o(r)
	}

	r.duplicates = r.mustCounterVec("g6_metric_duplicates_total", "duplicate metric registration attempts", []string{"name"})
	r.cardRejected = r.mustCounterVec("g6_cardinality_rejected_total", "label tuples rejected by the cardinality guard", []string{"metric"})
	r.cardSeries = r.mustGaugeVec("g6_cardinality_series_total", "distinct label tuples observed per metric", []string{"metric"})
	r.emitFailOnce = r.mustCounterVec("g6_emission_failure_once_total", "first occurrence of an emission failure per metric/signature", []string{"metric"})
	r.emitFail = r.mustCounterVec("g6_emission_failures_total", "emission failures after the first occurrence", []string{"metric"})

	r.specHash = prometheus.NewGauge(prometheus.GaugeOpts{Name: "g6_spec_hash_info", Help: "constant 1, labeled by spec hash via the build_config_hash companion metric"})
	_ = r.reg.Register(r.specHash)
	r.specHash.Set(1)

	buildHash := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "g6_build_config_hash_info", Help: "build/config hash, value always 1"}, []string{"hash"})
	_ = r.reg.Register(buildHash)
	buildHash.WithLabelValues(specHash).Set(1)

	r.batcher = newBatcher(r, batcherConfig{})
	return r
}

func (r *Registry) mustCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	_ = r.reg.Register(v)
	return v
}

func (r *Registry) mustGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	_ = r.reg.Register(v)
	return v
}

// Register validates def and creates the underlying Prometheus vector.
// A duplicate name increments g6_metric_duplicates_total; under
// WithStrictDuplicate it also returns an error, otherwise the existing
// handle is returned.
func (r *Registry) Register(def Def) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		r.duplicates.WithLabelValues(def.Name).Inc()
		if r.strictDuplicate {
			return Handle{}, fmt.Errorf("duplicate metric registration: %s", def.Name)
		}
		return Handle{name: def.Name}, nil
	}

	switch def.Kind {
	case KindCounter:
		r.counters[def.Name] = r.mustCounterVec(def.Name, def.Help, def.Labels)
	case KindGauge:
		r.gauges[def.Name] = r.mustGaugeVec(def.Name, def.Help, def.Labels)
	case KindHistogram, KindHistogramBucketed:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
		_ = r.reg.Register(hv)
		r.histograms[def.Name] = hv
	default:
		return Handle{}, fmt.Errorf("unknown metric kind for %s", def.Name)
	}

	r.defs[def.Name] = def
	r.guards[def.Name] = newCardinalityGuard(def.Budget)
	return Handle{name: def.Name}, nil
}

// labelTuple deterministically serializes label values for cardinality
// tracking and for the batcher's coalescing key.
func labelTuple(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func (r *Registry) labelValues(def Def, labels map[string]string) []string {
	values := make([]string, len(def.Labels))
	for i, l := range def.Labels {
		values[i] = labels[l]
	}
	return values
}

// admit applies the cardinality guard for a metric/label-tuple pair,
// incrementing the rejection counter and updating the series gauge.
func (r *Registry) admit(name string, labels map[string]string) bool {
	r.mu.RLock()
	guard := r.guards[name]
	r.mu.RUnlock()
	if guard == nil {
		return true
	}
	ok := guard.admit(labelTuple(labels))
	if !ok {
		r.cardRejected.WithLabelValues(name).Inc()
		return false
	}
	r.cardSeries.WithLabelValues(name).Set(float64(guard.size()))
	return true
}

// safeguard recovers from a panic inside an emission call, routing it
// through the once/repeat failure counters.
func (r *Registry) safeguard(name string) {
	if rec := recover(); rec != nil {
		_, loaded := r.failOnceSeen.LoadOrStore(name+"|"+fmt.Sprint(rec), struct{}{})
		if !loaded {
			r.emitFailOnce.WithLabelValues(name).Inc()
		} else {
			r.emitFail.WithLabelValues(name).Inc()
		}
		r.log.Error().Interface("panic", rec).Str("metric", name).Msg("metrics emission failure suppressed")
	}
}

// Inc increments a counter. In batch mode the increment is enqueued and
// coalesced by the adaptive batcher; otherwise it applies immediately.
func (r *Registry) Inc(h Handle, labels map[string]string, n float64) {
	defer r.safeguard(h.name)
	if !r.admit(h.name, labels) {
		return
	}
	if r.batcher.enabled() {
		r.batcher.enqueue(h.name, labels, n)
		return
	}
	r.applyInc(h.name, labels, n)
}

func (r *Registry) applyInc(name string, labels map[string]string, n float64) {
	r.mu.RLock()
	def, ok := r.defs[name]
	cv := r.counters[name]
	r.mu.RUnlock()
	if !ok || cv == nil {
		return
	}
	cv.WithLabelValues(r.labelValues(def, labels)...).Add(n)
}

// Set sets a gauge value. Gauges are never batched; only counter
// increments go through the batcher.
func (r *Registry) Set(h Handle, labels map[string]string, v float64) {
	defer r.safeguard(h.name)
	r.mu.RLock()
	def, ok := r.defs[h.name]
	gv := r.gauges[h.name]
	r.mu.RUnlock()
	if !ok || gv == nil {
		return
	}
	gv.WithLabelValues(r.labelValues(def, labels)...).Set(v)
}

// Observe records a histogram sample.
func (r *Registry) Observe(h Handle, labels map[string]string, v float64) {
	defer r.safeguard(h.name)
	if !r.admit(h.name, labels) {
		return
	}
	r.mu.RLock()
	def, ok := r.defs[h.name]
	hv := r.histograms[h.name]
	r.mu.RUnlock()
	if !ok || hv == nil {
		return
	}
	hv.WithLabelValues(r.labelValues(def, labels)...).Observe(v)
}

// StartBatcher launches the adaptive flush loop. Call once at startup
// when metrics_batch is enabled; StopBatcher() shuts it down.
func (r *Registry) StartBatcher(cfg batcherConfig) {
	r.batcher = newBatcher(r, cfg)
	r.batcher.start()
}

// EnableBatching is StartBatcher for callers outside this package, who
// can't name the unexported batcherConfig type directly. maxWaitMs
// configures the batcher's flush deadline; 0 keeps the built-in default.
func (r *Registry) EnableBatching(maxWaitMs int) {
	cfg := batcherConfig{}
	if maxWaitMs > 0 {
		cfg.MaxWait = time.Duration(maxWaitMs) * time.Millisecond
	}
	r.StartBatcher(cfg)
}

// StopBatcher flushes pending entries and stops the background loop.
func (r *Registry) StopBatcher() {
	r.batcher.stop()
}

// Handler exposes the Prometheus text-format handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Registerer exposes the underlying prometheus.Registerer for
// components (e.g. health monitor process collectors) that want to
// register standard collectors directly.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}
