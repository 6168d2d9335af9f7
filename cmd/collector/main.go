// Command collector is the G6 options-chain collector: it hydrates
// configuration, wires the provider/storage/pipeline/panels/SSE stack,
// and runs the collection and summary loops until a shutdown signal
// arrives.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/g6/collector/internal/collector"
	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/errs"
	"github.com/g6/collector/internal/health"
	"github.com/g6/collector/internal/httpapi"
	"github.com/g6/collector/internal/logging"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/panels"
	"github.com/g6/collector/internal/pipeline"
	"github.com/g6/collector/internal/provider"
	"github.com/g6/collector/internal/sse"
	"github.com/g6/collector/internal/storage"
	"github.com/g6/collector/internal/summary"
	"github.com/rs/zerolog"
)

const specHashSeed = "g6-collector-spec-v1"

func main() {
	bootLog := logging.New(logging.Config{Level: "info", Pretty: true})

	settings, err := config.Hydrate(bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(logging.Config{Level: settings.LogLevel, Pretty: !settings.QuietMode})
	log.Info().Msg("starting g6 collector")

	errRouter := errs.NewRouter("")
	registerKnownErrorCodes(errRouter)

	reg := metrics.New(log, specHash())
	if settings.MetricsBatch {
		reg.EnableBatching(settings.MetricsBatchIntervalMs)
	}
	bundle, err := metrics.RegisterSpecMetrics(reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}
	errRouter.SetMetrics(reg, bundle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := buildProvider(settings, log, reg, bundle, errRouter)

	sink, closeSink := buildSink(settings, log, errRouter)
	defer closeSink()

	var stream *provider.LiveQuoteStream
	if settings.ProviderLiveStreamURL != "" {
		stream = provider.NewLiveQuoteStream(settings.ProviderLiveStreamURL, log)
		if err := stream.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to start live quote stream, enrich phase will fall back to REST quotes")
		}
	}

	driver := pipeline.NewDriver(reg, bundle)
	orch := collector.NewOrchestrator(settings, p, stream, sink, driver, reg, bundle, log)

	writer := panels.NewWriter(settings.PanelsDir, settings.EgressFrozen, false)
	gater := panels.NewGater(settings.PanelsDir+"/.indices_stream_state.json", panels.GateMode(settings.StreamGateMode), writer, reg, bundle, log)

	publisher := sse.NewPublisher(settings.HeartbeatInterval, settings.SSEStructMaxChanges, reg, bundle, log, func() map[string]interface{} {
		return map[string]interface{}{"panels_dir": settings.PanelsDir}
	})

	monitor := health.NewMonitor(30*time.Second, reg, bundle, log)
	monitor.Register(health.NewCheckerFunc("sink", func(ctx context.Context) error {
		return sink.WriteRows(ctx, nil)
	}))

	router := httpapi.NewRouter(settings, publisher, monitor, reg.Handler(), reg, bundle, log)
	httpSrv := &http.Server{Addr: addr(settings.HTTPPort), Handler: router}

	summaryLoop := summary.NewLoop(time.Second, []summary.Plugin{
		summary.NewPluginFunc("panels_writer", func(ctx context.Context) error {
			txn := writer.BeginTxn()
			txn.Put("system", "", map[string]interface{}{"pipeline_mode": settings.PipelineMode})
			return txn.Commit()
		}),
		summary.NewPluginFunc("stream_gater", func(ctx context.Context) error {
			return gater.Tick(0, time.Now(), nil)
		}),
		summary.NewPluginFunc("sse_publish", func(ctx context.Context) error {
			publisher.PublishPanel("system", map[string]interface{}{"ts": time.Now().UTC()}, settings.SSEStructured)
			return nil
		}),
	}, reg, bundle, log)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", settings.HTTPPort).Msg("http server started")

	go monitor.Run(ctx)
	go summaryLoop.Run(ctx)

	if settings.ArchiveToS3 {
		startArchiveScheduler(ctx, settings, log)
	}

	go func() {
		if err := orch.Run(ctx); err != nil {
			log.Error().Err(err).Msg("orchestrator exited with error")
		}
		cancel()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	cancel()
	if stream != nil {
		stream.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	log.Info().Msg("g6 collector stopped")
}

func buildProvider(settings *config.Settings, log zerolog.Logger, reg *metrics.Registry, bundle *metrics.Bundle, errRouter *errs.Router) provider.Facade {
	pb := provider.NewBundle(bundle)
	switch settings.ProviderMode {
	case "real":
		real := provider.NewReal(settings, log, settings.ProviderBaseURL, settings.ProviderToken, errRouter)
		pb.SetMode(reg, provider.ModeReal)
		return real
	case "fallback":
		real := provider.NewReal(settings, log, settings.ProviderBaseURL, settings.ProviderToken, errRouter)
		fb := provider.NewFallback(real, provider.NewDummy(), reg, pb, log)
		pb.SetMode(reg, provider.ModeFallback)
		return fb
	default:
		pb.SetMode(reg, provider.ModeDummy)
		return provider.NewDummy()
	}
}

func buildSink(settings *config.Settings, log zerolog.Logger, errRouter *errs.Router) (storage.Sink, func()) {
	sinks := []storage.Sink{storage.NewCSVSink(settings.CSVRoot)}
	closers := []func(){}

	if settings.TSDBEnabled {
		tsdb, err := storage.NewTSDBSink(settings.TSDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open tsdb sink, continuing with CSV only")
		} else {
			sinks = append(sinks, tsdb)
			closers = append(closers, func() { _ = tsdb.Close() })
		}
	}

	multi := storage.NewMultiSink(errRouter, log, sinks...)
	return multi, func() {
		for _, c := range closers {
			c()
		}
	}
}

func startArchiveScheduler(ctx context.Context, settings *config.Settings, log zerolog.Logger) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load AWS config, cold archival disabled")
		return
	}
	s3c := s3.NewFromConfig(awsCfg)
	mgr := storage.NewArchiveManager(s3c, settings.ArchiveBucket, settings.DataDir+"/archive-stage", log)
	sched := storage.NewArchiveScheduler(mgr, settings.CSVRoot, log)
	if err := sched.Start("0 0 2 * * *"); err != nil {
		log.Warn().Err(err).Msg("failed to start archive scheduler")
		return
	}
	go func() {
		<-ctx.Done()
		sched.Stop()
	}()
}

func registerKnownErrorCodes(r *errs.Router) {
	r.Register(errs.Entry{Code: "E_PROVIDER_UNAVAILABLE", Severity: errs.SeverityWarn, Description: "provider call failed", EveryN: 5})
	r.Register(errs.Entry{Code: "E_SINK_WRITE_FAILED", Severity: errs.SeverityError, Description: "storage sink write failed"})
	r.Register(errs.Entry{Code: "E_PANEL_COMMIT_FAILED", Severity: errs.SeverityWarn, Description: "panel transaction commit failed"})
}

func addr(port int) string {
	if port <= 0 {
		port = 8050
	}
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func specHash() string {
	h := sha256.Sum256([]byte(specHashSeed))
	return hex.EncodeToString(h[:8])
}
