package metrics

// Bundle holds the handles for every metric the collector emits,
// registered once at startup and threaded through the components that
// emit them. Declaring them all here keeps metric creation out of the
// hot path; runtime creation of new metrics outside the registry is
// forbidden.
type Bundle struct {
	// Provider
	QuoteFallbackTotal prometheus_handle
	ProviderMode       prometheus_handle

	// Pipeline
	PhaseDuration       prometheus_handle
	PhaseOutcomes       prometheus_handle
	PhaseRetryBackoff   prometheus_handle
	PhaseLastAttempts   prometheus_handle
	IVEstimationFailure prometheus_handle
	ExpiryRecoverable   prometheus_handle
	IndexFatal          prometheus_handle
	ParityRollingAvg    prometheus_handle
	AlertParityDiff     prometheus_handle
	RollbackDrillTotal  prometheus_handle

	// Collector
	LastSuccessCycle prometheus_handle
	CollectionCycles prometheus_handle
	CollectionErrors prometheus_handle
	PCRTrend         prometheus_handle

	// Panels / stream gater
	StreamAppendTotal     prometheus_handle
	StreamSkippedTotal    prometheus_handle
	StreamGateModeInfo    prometheus_handle
	StreamConflictTotal   prometheus_handle
	StreamStatePersistErr prometheus_handle

	// SSE
	SSEActiveConnections  prometheus_handle
	SSEConnectionsTotal   prometheus_handle
	SSEEventSizeBytes     prometheus_handle
	SSEPanelUpdateLatency prometheus_handle
	SSEConnectionDuration prometheus_handle
	SSEStructuredUpdates  prometheus_handle
	SSEResyncRequests     prometheus_handle
	SSEDroppedEvents      prometheus_handle

	// Health
	ComponentHealthy prometheus_handle
	LastCheckUnix    prometheus_handle

	// Errors
	ErrorsRoutedTotal prometheus_handle
}

// prometheus_handle is a thin alias kept lowercase-internal so Bundle's
// fields read like plain data even though each is a registry Handle.
type prometheus_handle = Handle

// RegisterSpecMetrics declares every metric the collector emits
// against r and returns the handle bundle every other package needs.
// Cardinality budgets are chosen conservatively: one series per
// reasonable label combination the collector can produce.
func RegisterSpecMetrics(r *Registry) (*Bundle, error) {
	b := &Bundle{}
	var err error

	reg := func(h *prometheus_handle, def Def) {
		if err != nil {
			return
		}
		*h, err = r.Register(def)
	}

	reg(&b.QuoteFallbackTotal, Def{Name: "g6_quote_fallback_total", Kind: KindCounter, Help: "synthesized quote fallbacks", Labels: []string{"path"}, Budget: 16})
	reg(&b.ProviderMode, Def{Name: "g6_provider_mode", Kind: KindGauge, Help: "active provider mode, exactly one label value is 1", Labels: []string{"mode"}, Budget: 8})

	reg(&b.PhaseDuration, Def{Name: "g6_pipeline_phase_duration_seconds", Kind: KindHistogram, Help: "phase execution duration", Labels: []string{"phase", "final_outcome"}, Budget: 256})
	reg(&b.PhaseOutcomes, Def{Name: "g6_pipeline_phase_outcomes_total", Kind: KindCounter, Help: "phase outcome counts", Labels: []string{"phase", "final_outcome"}, Budget: 256})
	reg(&b.PhaseRetryBackoff, Def{Name: "g6_pipeline_phase_retry_backoff_seconds", Kind: KindHistogram, Help: "backoff delay observed before a phase retry", Labels: []string{"phase"}, Budget: 32})
	reg(&b.PhaseLastAttempts, Def{Name: "g6_pipeline_phase_last_attempts", Kind: KindGauge, Help: "attempts used by the most recent run of a phase", Labels: []string{"phase"}, Budget: 32})
	reg(&b.IVEstimationFailure, Def{Name: "g6_iv_estimation_failure_total", Kind: KindCounter, Help: "IV solver convergence failures", Labels: []string{"index"}, Budget: 32})
	reg(&b.ExpiryRecoverable, Def{Name: "pipeline_expiry_recoverable_total", Kind: KindCounter, Help: "recoverable expiry-level failures", Labels: []string{"index", "rule"}, Budget: 256})
	reg(&b.IndexFatal, Def{Name: "pipeline_index_fatal_total", Kind: KindCounter, Help: "fatal index-level failures", Labels: []string{"index"}, Budget: 64})
	reg(&b.ParityRollingAvg, Def{Name: "g6_pipeline_parity_rolling_avg", Kind: KindGauge, Help: "rolling average shadow/primary parity score", Labels: []string{"index"}, Budget: 64})
	reg(&b.AlertParityDiff, Def{Name: "g6_pipeline_alert_parity_diff", Kind: KindGauge, Help: "severity-weighted alert-set parity difference", Labels: []string{"index"}, Budget: 64})
	reg(&b.RollbackDrillTotal, Def{Name: "g6_pipeline_rollback_drill_total", Kind: KindCounter, Help: "executed parity rollback drills", Labels: nil, Budget: 1})

	reg(&b.LastSuccessCycle, Def{Name: "g6_last_success_cycle_unixtime", Kind: KindGauge, Help: "unix time of the last fully successful cycle"})
	reg(&b.CollectionCycles, Def{Name: "g6_collection_cycles_total", Kind: KindCounter, Help: "collection cycles executed"})
	reg(&b.CollectionErrors, Def{Name: "g6_collection_errors_total", Kind: KindCounter, Help: "failed index runs within collection cycles, by error class", Labels: []string{"class"}, Budget: 32})
	reg(&b.PCRTrend, Def{Name: "g6_pcr_trend", Kind: KindGauge, Help: "smoothed put/call ratio trend (SMA over recent cycles)", Labels: []string{"index"}, Budget: 64})

	reg(&b.StreamAppendTotal, Def{Name: "g6_stream_append_total", Kind: KindCounter, Help: "indices_stream panel appends", Labels: []string{"mode"}, Budget: 8})
	reg(&b.StreamSkippedTotal, Def{Name: "g6_stream_skipped_total", Kind: KindCounter, Help: "indices_stream panel appends skipped", Labels: []string{"mode", "reason"}, Budget: 32})
	reg(&b.StreamGateModeInfo, Def{Name: "g6_stream_gate_mode_info", Kind: KindGauge, Help: "active stream gate mode, value always 1", Labels: []string{"mode"}, Budget: 8})
	reg(&b.StreamConflictTotal, Def{Name: "g6_stream_conflict_total", Kind: KindCounter, Help: "concurrent external writer detected on stream state"})
	reg(&b.StreamStatePersistErr, Def{Name: "g6_stream_state_persist_errors_total", Kind: KindCounter, Help: "stream state file corruption/persist errors"})

	reg(&b.SSEActiveConnections, Def{Name: "g6_sse_http_active_connections", Kind: KindGauge, Help: "currently connected SSE clients"})
	reg(&b.SSEConnectionsTotal, Def{Name: "g6_sse_http_connections_total", Kind: KindCounter, Help: "SSE connection attempts by result", Labels: []string{"result"}, Budget: 16})
	reg(&b.SSEEventSizeBytes, Def{Name: "g6_sse_event_size_bytes", Kind: KindHistogram, Help: "serialized SSE event payload size", Labels: []string{"type"}, Budget: 16})
	reg(&b.SSEPanelUpdateLatency, Def{Name: "g6_sse_panel_update_latency_sec", Kind: KindHistogram, Help: "time spent marshalling, diffing and broadcasting one panel publish", Labels: []string{"panel"}, Budget: 32})
	reg(&b.SSEConnectionDuration, Def{Name: "g6_sse_connection_duration_sec", Kind: KindHistogram, Help: "SSE connection lifetime"})
	reg(&b.SSEStructuredUpdates, Def{Name: "g6_sse_structured_updates_total", Kind: KindCounter, Help: "structured panel diff events emitted"})
	reg(&b.SSEResyncRequests, Def{Name: "g6_sse_resync_requests_total", Kind: KindCounter, Help: "GET /summary/resync requests served"})
	reg(&b.SSEDroppedEvents, Def{Name: "g6_sse_dropped_events_total", Kind: KindCounter, Help: "events dropped from a client's bounded outbound queue"})

	reg(&b.ComponentHealthy, Def{Name: "g6_component_healthy", Kind: KindGauge, Help: "1 if the component's last Check() passed", Labels: []string{"component"}, Budget: 32})
	reg(&b.LastCheckUnix, Def{Name: "g6_last_check_unix", Kind: KindGauge, Help: "unix time of the component's last Check()", Labels: []string{"component"}, Budget: 32})

	reg(&b.ErrorsRoutedTotal, Def{Name: "g6_errors_routed_total", Kind: KindCounter, Help: "errors routed through the centralized error router", Labels: []string{"code", "severity"}, Budget: 64})

	if err != nil {
		return nil, err
	}
	return b, nil
}
