package metrics

import (
	"sync"
	"time"
)

// batcherConfig tunes the adaptive emission batcher. Zero values fall
// back to sane defaults.
type batcherConfig struct {
	InitialTarget      int
	MaxTarget          int
	MinBatch           int
	UnderUtilThreshold float64
	UnderUtilConsec    int
	MaxWait            time.Duration
	HardCap            int
}

func (c batcherConfig) withDefaults() batcherConfig {
	if c.InitialTarget <= 0 {
		c.InitialTarget = 32
	}
	if c.MaxTarget <= 0 {
		c.MaxTarget = 512
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 8
	}
	if c.UnderUtilThreshold <= 0 {
		c.UnderUtilThreshold = 0.25
	}
	if c.UnderUtilConsec <= 0 {
		c.UnderUtilConsec = 3
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 250 * time.Millisecond
	}
	if c.HardCap <= 0 {
		c.HardCap = 20000
	}
	return c
}

type entryKey struct {
	metric string
	tuple  string
}

// batcher coalesces counter increments keyed by (metric, label tuple)
// and flushes them on a size-or-time boundary, adapting its target
// batch size to observed traffic.
type batcher struct {
	reg *Registry
	cfg batcherConfig

	mu      sync.Mutex
	pending map[entryKey]pendingEntry
	labels  map[entryKey]map[string]string

	target          int
	underUtilStreak int
	lastActivity    time.Time
	lastFlush       time.Time
	merged          int64
	dropped         int64

	queueDepth  *prometheusGaugeHandle
	utilization *prometheusGaugeHandle
	droppedRatio *prometheusGaugeHandle

	stopCh chan struct{}
	doneCh chan struct{}
	on     bool
}

type pendingEntry struct {
	value float64
}

// prometheusGaugeHandle is a tiny indirection so the batcher can push
// self-metrics through the same Registry.Set path as everything else.
type prometheusGaugeHandle struct {
	h Handle
}

func newBatcher(r *Registry, cfg batcherConfig) *batcher {
	cfg = cfg.withDefaults()
	b := &batcher{
		reg:          r,
		cfg:          cfg,
		pending:      make(map[entryKey]pendingEntry),
		labels:       make(map[entryKey]map[string]string),
		target:       cfg.InitialTarget,
		lastActivity: time.Now(),
		lastFlush:    time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	qd, _ := r.Register(Def{Name: "g6_metrics_batch_queue_depth", Kind: KindGauge, Help: "pending coalesced entries in the emission batcher"})
	ut, _ := r.Register(Def{Name: "g6_metrics_batch_adaptive_utilization", Kind: KindGauge, Help: "distinct entries divided by current batch target"})
	dr, _ := r.Register(Def{Name: "g6_metrics_batch_dropped_ratio", Kind: KindGauge, Help: "dropped increments divided by merged increments"})
	b.queueDepth = &prometheusGaugeHandle{h: qd}
	b.utilization = &prometheusGaugeHandle{h: ut}
	b.droppedRatio = &prometheusGaugeHandle{h: dr}

	return b
}

func (b *batcher) enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.on
}

func (b *batcher) start() {
	b.mu.Lock()
	b.on = true
	b.mu.Unlock()
	go b.run()
}

func (b *batcher) stop() {
	b.mu.Lock()
	if !b.on {
		b.mu.Unlock()
		return
	}
	b.on = false
	b.mu.Unlock()
	close(b.stopCh)
	<-b.doneCh
	b.flush()
}

func (b *batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.maybeFlush()
		}
	}
}

func (b *batcher) enqueue(metric string, labels map[string]string, n float64) {
	key := entryKey{metric: metric, tuple: labelTuple(labels)}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.cfg.HardCap {
		if _, exists := b.pending[key]; !exists {
			b.dropped++
			return
		}
	}

	e := b.pending[key]
	e.value += n
	b.pending[key] = e
	b.labels[key] = labels
	b.lastActivity = time.Now()
	b.merged++

	if len(b.pending) >= b.target {
		b.flushLocked()
	}
}

func (b *batcher) maybeFlush() {
	b.mu.Lock()
	idle := time.Since(b.lastActivity)
	waited := time.Since(b.lastFlush)
	hasPending := len(b.pending) > 0
	b.mu.Unlock()

	if hasPending && waited > b.cfg.MaxWait {
		b.flush()
		return
	}
	_ = idle
}

func (b *batcher) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *batcher) flushLocked() {
	distinct := len(b.pending)
	for key, entry := range b.pending {
		b.reg.applyInc(key.metric, b.labels[key], entry.value)
	}
	b.pending = make(map[entryKey]pendingEntry)
	b.labels = make(map[entryKey]map[string]string)
	b.lastFlush = time.Now()

	b.adapt(distinct)

	b.reg.Set(b.queueDepth.h, nil, float64(len(b.pending)))
	util := float64(distinct) / float64(b.target)
	b.reg.Set(b.utilization.h, nil, util)
	if b.merged > 0 {
		b.reg.Set(b.droppedRatio.h, nil, float64(b.dropped)/float64(b.merged))
	}
}

// adapt tunes the batch size target: scale up multiplicatively on high
// utilization, scale down by 25% after UnderUtilConsec consecutive
// under-utilized flushes.
func (b *batcher) adapt(distinct int) {
	if b.target == 0 {
		b.target = b.cfg.InitialTarget
	}
	util := float64(distinct) / float64(b.target)

	if util >= 1.0 {
		b.target = minInt(b.target*2, b.cfg.MaxTarget)
		b.underUtilStreak = 0
		return
	}

	if util < b.cfg.UnderUtilThreshold {
		b.underUtilStreak++
		if b.underUtilStreak >= b.cfg.UnderUtilConsec {
			b.target = maxInt(int(float64(b.target)*0.75), b.cfg.MinBatch)
			b.underUtilStreak = 0
		}
	} else {
		b.underUtilStreak = 0
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
