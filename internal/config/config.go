// Package config hydrates the collector's tunables once at startup into
// an immutable Settings snapshot. Nothing downstream re-reads the
// environment or the config file after Hydrate returns.
//
// Loading order layers settings: a .env file
// (if present) is loaded first via godotenv, then environment variables
// are read with defaults, then an optional YAML overlay file supplies
// the indices list. The overlay reads only its indices key; every other
// config-file key is warned-and-ignored rather than rejected, so all
// other tunables come from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ExpiryRuleKind enumerates the recognized expiry rule tokens.
type ExpiryRuleKind string

const (
	ExpiryThisWeek  ExpiryRuleKind = "this_week"
	ExpiryNextWeek  ExpiryRuleKind = "next_week"
	ExpiryThisMonth ExpiryRuleKind = "this_month"
	ExpiryNextMonth ExpiryRuleKind = "next_month"
	ExpiryISODate   ExpiryRuleKind = "iso_date"
)

// ExpiryRule is either a semantic token or a literal ISO date.
type ExpiryRule struct {
	Kind ExpiryRuleKind
	Date string // YYYY-MM-DD, only set when Kind == ExpiryISODate
}

func (r ExpiryRule) String() string {
	if r.Kind == ExpiryISODate {
		return r.Date
	}
	return string(r.Kind)
}

// ParseExpiryRule accepts any of the semantic tokens or an ISO date literal.
func ParseExpiryRule(raw string) (ExpiryRule, error) {
	switch ExpiryRuleKind(raw) {
	case ExpiryThisWeek, ExpiryNextWeek, ExpiryThisMonth, ExpiryNextMonth:
		return ExpiryRule{Kind: ExpiryRuleKind(raw)}, nil
	}
	if _, err := time.Parse("2006-01-02", raw); err == nil {
		return ExpiryRule{Kind: ExpiryISODate, Date: raw}, nil
	}
	return ExpiryRule{}, fmt.Errorf("unrecognized expiry rule %q", raw)
}

// IndexParams describes one configured index's collection parameters.
type IndexParams struct {
	Symbol      string       `yaml:"symbol"`
	Enabled     bool         `yaml:"enabled"`
	ExpiryRules []ExpiryRule `yaml:"-"`
	RawRules    []string     `yaml:"expiry_rules"`
	StrikesITM  int          `yaml:"strikes_itm"`
	StrikesOTM  int          `yaml:"strikes_otm"`
	StrikeStep  float64      `yaml:"strike_step"`
}

// Settings is the immutable, process-lifetime configuration snapshot.
// Hydrate() is the only writer; everything else only reads fields off
// a value already returned by Hydrate.
type Settings struct {
	// Process / ambient
	DataDir  string
	LogLevel string
	HTTPPort int

	// Cycle
	IntervalSeconds int
	MarketHoursOnly bool
	Indices         []IndexParams

	// Filtering thresholds
	MinVolume        int
	MinOI            int
	VolumePercentile float64

	// Behavioral flags
	ForeignExpirySalvage bool
	TraceCollector       bool
	QuietMode            bool

	// Provider
	ProviderOutageThreshold int
	ProviderOutageLogEvery  int
	ProviderRatePerSecond   float64
	ProviderMode            string // real | dummy | fallback
	ProviderBaseURL         string
	ProviderToken           string
	ProviderLiveStreamURL   string

	// Pipeline
	AutoSnapshots bool
	PipelineMode  string // legacy | shadow | primary

	// Panels / stream gater
	PanelsDir          string
	StreamGateMode     string // auto | cycle | minute | bucket
	HeartbeatInterval  time.Duration
	RuntimeStatusPath  string

	// Storage sinks
	CSVRoot      string
	TSDBEnabled  bool
	TSDBPath     string
	ArchiveToS3  bool
	ArchiveBucket string

	// SSE / HTTP
	SSEHTTP             bool
	SSEStructured       bool
	SSEStructMaxChanges int
	SSEIPConnRate       int
	SSEUAAllow          []string
	APIToken            string
	IPAllowlist         []string

	// Metrics
	MetricsBatch            bool
	MetricsBatchIntervalMs  int
	MetricsStrictDuplicate  bool

	// Egress / misc
	EgressFrozen        bool
	SuppressDeprecations bool
}

// Hydrate performs the one-shot configuration load. It never re-reads
// the environment after returning.
func Hydrate(log zerolog.Logger) (*Settings, error) {
	_ = godotenv.Load()

	dataDir := getEnv("G6_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Settings{
		DataDir:  absDataDir,
		LogLevel: getEnv("G6_LOG_LEVEL", "info"),
		HTTPPort: getEnvInt("G6_HTTP_PORT", 8050),

		IntervalSeconds: getEnvInt("G6_INTERVAL_SECONDS", 60),
		MarketHoursOnly: getEnvBool("G6_MARKET_HOURS_ONLY", true),

		MinVolume:        getEnvInt("G6_MIN_VOLUME", 0),
		MinOI:            getEnvInt("G6_MIN_OI", 0),
		VolumePercentile: getEnvFloat("G6_VOLUME_PERCENTILE", 0),

		ForeignExpirySalvage: getEnvBool("G6_FOREIGN_EXPIRY_SALVAGE", false),
		TraceCollector:       getEnvBool("G6_TRACE_COLLECTOR", false),
		QuietMode:            getEnvBool("G6_QUIET_MODE", false),

		ProviderOutageThreshold: getEnvInt("G6_PROVIDER_OUTAGE_THRESHOLD", 3),
		ProviderOutageLogEvery:  getEnvInt("G6_PROVIDER_OUTAGE_LOG_EVERY", 5),
		ProviderRatePerSecond:   getEnvFloat("G6_PROVIDER_RATE_PER_SECOND", 5.0),
		ProviderMode:            getEnv("G6_PROVIDER_MODE", "dummy"),
		ProviderBaseURL:         getEnv("G6_PROVIDER_BASE_URL", ""),
		ProviderToken:           getEnv("G6_PROVIDER_TOKEN", ""),
		ProviderLiveStreamURL:   getEnv("G6_PROVIDER_LIVE_STREAM_URL", ""),

		AutoSnapshots: getEnvBool("G6_AUTO_SNAPSHOTS", true),
		PipelineMode:  getEnv("G6_PIPELINE_MODE", "primary"),

		PanelsDir:         getEnv("G6_PANELS_DIR", filepath.Join(absDataDir, "panels")),
		StreamGateMode:    getEnv("G6_STREAM_GATE_MODE", "auto"),
		HeartbeatInterval: time.Duration(getEnvInt("G6_HEARTBEAT_INTERVAL_SECONDS", 5)) * time.Second,
		RuntimeStatusPath: getEnv("G6_RUNTIME_STATUS_PATH", filepath.Join(absDataDir, "runtime_status.json")),

		CSVRoot:       getEnv("G6_CSV_ROOT", filepath.Join(absDataDir, "csv")),
		TSDBEnabled:   getEnvBool("G6_TSDB_ENABLED", false),
		TSDBPath:      getEnv("G6_TSDB_PATH", filepath.Join(absDataDir, "tsdb.db")),
		ArchiveToS3:   getEnvBool("G6_ARCHIVE_TO_S3", false),
		ArchiveBucket: getEnv("G6_ARCHIVE_BUCKET", ""),

		SSEHTTP:             getEnvBool("G6_SSE_HTTP", true),
		SSEStructured:       getEnvBool("G6_SSE_STRUCTURED", true),
		SSEStructMaxChanges: getEnvInt("G6_SSE_STRUCT_MAX_CHANGES", 40),
		SSEIPConnRate:       getEnvInt("G6_SSE_IP_CONN_RATE", 10),
		SSEUAAllow:          splitCSV(getEnv("G6_SSE_UA_ALLOW", "")),
		APIToken:            getEnv("G6_API_TOKEN", ""),
		IPAllowlist:         splitCSV(getEnv("G6_IP_ALLOWLIST", "")),

		MetricsBatch:           getEnvBool("G6_METRICS_BATCH", true),
		MetricsBatchIntervalMs: getEnvInt("G6_METRICS_BATCH_INTERVAL_MS", 250),
		MetricsStrictDuplicate: getEnvBool("G6_METRICS_STRICT_DUPLICATE", false),

		EgressFrozen:         getEnvBool("G6_EGRESS_FROZEN", false),
		SuppressDeprecations: getEnvBool("G6_SUPPRESS_DEPRECATIONS", false),
	}

	if cfgFile := getEnv("G6_CONFIG_FILE", ""); cfgFile != "" {
		if err := overlayFile(s, cfgFile, log); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if len(s.Indices) == 0 {
		s.Indices = defaultIndices()
	}

	for i := range s.Indices {
		rules, err := resolveRules(s.Indices[i].RawRules)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", s.Indices[i].Symbol, err)
		}
		s.Indices[i].ExpiryRules = rules
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	log.Info().
		Int("interval_seconds", s.IntervalSeconds).
		Bool("market_hours_only", s.MarketHoursOnly).
		Int("indices", len(s.Indices)).
		Bool("foreign_expiry_salvage", s.ForeignExpirySalvage).
		Bool("trace_collector", s.TraceCollector).
		Bool("quiet_mode", s.QuietMode).
		Str("pipeline_mode", s.PipelineMode).
		Str("stream_gate_mode", s.StreamGateMode).
		Bool("sse_http", s.SSEHTTP).
		Bool("metrics_batch", s.MetricsBatch).
		Bool("egress_frozen", s.EgressFrozen).
		Msg("collector.settings.summary")

	return s, nil
}

func resolveRules(raw []string) ([]ExpiryRule, error) {
	if len(raw) == 0 {
		return []ExpiryRule{{Kind: ExpiryThisWeek}}, nil
	}
	rules := make([]ExpiryRule, 0, len(raw))
	for _, r := range raw {
		rule, err := ParseExpiryRule(r)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func defaultIndices() []IndexParams {
	return []IndexParams{
		{Symbol: "NIFTY", Enabled: true, RawRules: []string{"this_week"}, StrikesITM: 10, StrikesOTM: 10, StrikeStep: 50},
		{Symbol: "BANKNIFTY", Enabled: true, RawRules: []string{"this_week"}, StrikesITM: 10, StrikesOTM: 10, StrikeStep: 100},
	}
}

func (s *Settings) validate() error {
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", s.IntervalSeconds)
	}
	if len(s.Indices) == 0 {
		return fmt.Errorf("at least one index must be configured")
	}
	switch s.PipelineMode {
	case "legacy", "shadow", "primary":
	default:
		return fmt.Errorf("invalid pipeline_mode %q", s.PipelineMode)
	}
	switch s.StreamGateMode {
	case "auto", "cycle", "minute", "bucket":
	default:
		return fmt.Errorf("invalid stream_gate_mode %q", s.StreamGateMode)
	}
	switch s.ProviderMode {
	case "real", "dummy", "fallback":
	default:
		return fmt.Errorf("invalid provider_mode %q", s.ProviderMode)
	}
	return nil
}

// overlayFile loads supplemental config (mainly the indices list) from
// a YAML file. Unknown keys are ignored by yaml.Unmarshal's default
// behavior (non-strict decoding), matching the warn-and-ignore contract.
func overlayFile(s *Settings, path string, log zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay struct {
		Indices []IndexParams `yaml:"indices"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(overlay.Indices) > 0 {
		s.Indices = overlay.Indices
	}

	var rawKeys map[string]interface{}
	if err := yaml.Unmarshal(data, &rawKeys); err == nil {
		recognized := map[string]bool{"indices": true}
		for k := range rawKeys {
			if !recognized[k] {
				log.Warn().Str("key", k).Msg("unrecognized config file key, ignoring")
			}
		}
	}

	return nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
