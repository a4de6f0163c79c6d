// Command server is the coordinator process's entry point: it wires
// configuration, the dataset engine, the geocode queue, the per-day
// tracking log store, the tabular backing store, the three ingest paths,
// and the HTTP surface together, then serves until a termination signal
// arrives.
//
// Construction order: config -> logger -> per-day log store -> tabular
// backing store -> geocode queue -> metrics -> dataset engine (with its
// mandatory cache load) -> customer cache -> batched writer -> tracking
// ingestor and its producer paths -> matching overlay -> background
// scheduler -> HTTP listener -> signal wait -> teardown in reverse.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/config"
	"github.com/canvassops/coordinator-service/internal/customercache"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/geocode"
	"github.com/canvassops/coordinator-service/internal/httpapi"
	"github.com/canvassops/coordinator-service/internal/logging"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/matching"
	"github.com/canvassops/coordinator-service/internal/metrics"
	"github.com/canvassops/coordinator-service/internal/scheduler"
	"github.com/canvassops/coordinator-service/internal/tracking"
)

// defaultGracefulTimeout bounds how long the HTTP server waits for
// in-flight requests to drain during shutdown.
const defaultGracefulTimeout = 30 * time.Second

// serviceTimeZone is the calendar the per-day log store and the dataset
// engine's edit-window math both key off.
var serviceTimeZone = mustLoadLocation("Europe/Berlin")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("server: load timezone %q: %v", name, err))
	}
	return loc
}

func main() {
	// 1. Load and validate configuration before anything else can fail on
	// a missing setting.
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("server: load configuration: %v", err))
	}

	// 2. Structured logging, console-encoded in development, JSON otherwise.
	logger, err := logging.New(cfg.Service.Development)
	if err != nil {
		panic(fmt.Sprintf("server: initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("coordinator: starting", zap.Int("httpPort", cfg.Service.HTTPPort))

	// 3. Per-day tracking log store.
	logs, err := logstore.New(cfg.DataRootOrDefault(), serviceTimeZone, logger)
	if err != nil {
		logger.Fatal("coordinator: open log store", zap.Error(err))
	}
	defer logs.Close()

	// 4. Tabular backing store (datasets, auth log, customer master list).
	ctx, cancel := context.WithTimeout(context.Background(), cfg.BackingStore.ConnectTimeout)
	store, err := backingstore.NewPostgresStore(ctx, cfg.BackingStore.DSN, int32(cfg.BackingStore.MaxConnections), logger)
	cancel()
	if err != nil {
		logger.Fatal("coordinator: connect backing store", zap.Error(err))
	}
	defer store.Close()

	// 5. Geocode queue: single-slot, rate-paced, with the primary provider
	// and the trivial unvalidated fallback behind it.
	primaryProvider := geocode.NewHTTPProvider(cfg.Geocode.BaseURL, cfg.Geocode.APIKey, cfg.Geocode.HTTPTimeout, logger)
	geoQueue := geocode.NewQueue(primaryProvider, cfg.Geocode.MinSpacing, cfg.Geocode.BatchWorkers, logger)

	// 6. Prometheus registry and the coordinator's own metric set, built
	// early so the components below can take their counters by injection.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	reg := metrics.New(promReg)

	// 7. Dataset engine: must load its full cache from the backing store
	// before serving any traffic; a failure here is fatal-startup.
	engine := datasetengine.NewEngine(store, geoQueue, daysToDuration(cfg.Service.EditWindowDays), cfg.Service.CacheFlushMs, cfg.Service.LockTimeoutMs, logger)
	engine.SetFlushObserver(func(took time.Duration) { reg.FlushLatency.Observe(took.Seconds()) })
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = engine.LoadFromStore(loadCtx)
	loadCancel()
	if err != nil {
		logger.Fatal("coordinator: load dataset cache", zap.Error(err))
	}

	// 8. Customer master-list cache, refreshed on a TTL from the same
	// backing store.
	customers := customercache.New(store, cfg.Service.CustomerCacheTTL, logger)

	// 9. Batched writer for per-user log rows: local JSONL fallback first,
	// so a dead backing store never loses rows the writer gives up on.
	fallback, err := backingstore.NewFallbackWriter(cfg.Service.FallbackFilePath)
	if err != nil {
		logger.Fatal("coordinator: open fallback file", zap.Error(err))
	}
	writer := backingstore.NewBatchedWriter(store, fallback, cfg.Service.FlushIntervalMs, cfg.RateLimit.InitialBackoff, cfg.RateLimit.MaxBackoffMs, logger)

	// 10. Tracking ingestor and its three producer paths. The external-app
	// and FollowMee-pull paths both need a userName -> userID directory.
	// The directory here is an empty static mapping, so every external
	// point buffers as unassigned; the reconciler below uses the same
	// directory, so it resolves no userName and leaves every unassigned
	// worksheet in place.
	userDir := tracking.NewStaticDirectory(nil)
	ingestor := tracking.NewIngestor(logs, writer, userDir, serviceTimeZone, logger)

	var mqttBridge *tracking.MQTTBridge
	if cfg.MQTT.Host != "" {
		mqttBridge, err = tracking.NewMQTTBridge(
			fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"coordinator-service", cfg.MQTT.Username, cfg.MQTT.Password, ingestor, reg.MQTTMessagesTotal, logger)
		if err != nil {
			logger.Warn("coordinator: mqtt bridge not available, continuing without it", zap.Error(err))
		} else if err := mqttBridge.Start(); err != nil {
			logger.Warn("coordinator: mqtt bridge failed to start, continuing without it", zap.Error(err))
			mqttBridge = nil
		}
	}
	if mqttBridge != nil {
		defer mqttBridge.Stop()
	}

	var puller *tracking.Puller
	if cfg.Tracker.APIKey != "" {
		followMeeProvider := tracking.NewHTTPProvider(cfg.Tracker.BaseURL, cfg.Tracker.APIKey, cfg.Tracker.Username, cfg.Tracker.HTTPTimeout)
		puller = tracking.NewPuller(followMeeProvider, ingestor, serviceTimeZone, logger)
	}

	reconciler := tracking.NewReconciler(store, userDir, logs, writer, serviceTimeZone, logger)

	// 11. Historical-match overlay, combining the dataset engine's lookup
	// with the customer cache's search.
	overlay := matching.NewOverlay(engine, customers)

	// 12. Background scheduler: flusher, lock janitor, batched-writer
	// loop, FollowMee pull loop, reconciler (start + midnight), retention
	// cleanup, metrics sampler.
	sched := scheduler.New(engine, writer, puller, reconciler, logs, customers, geoQueue, reg, cfg.Service.RetentionDays, serviceTimeZone, logger)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	if err := sched.Start(schedCtx); err != nil {
		logger.Fatal("coordinator: start scheduler", zap.Error(err))
	}

	// 13. HTTP router and server.
	apiServer := httpapi.New(engine, ingestor, geoQueue, logs, writer, overlay, serviceTimeZone, promReg, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler: apiServer.Routes(),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("coordinator: http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("coordinator: http server stopped unexpectedly", zap.Error(err))
		}
	}()

	sig := <-quit
	logger.Info("coordinator: caught signal, shutting down", zap.String("signal", sig.String()))

	// 14. Teardown in reverse: stop accepting HTTP, stop the schedulers,
	// flush the dirty dataset set one last time, checkpoint every open
	// per-day store, then close handles (via the deferred Close calls).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator: http server shutdown error", zap.Error(err))
	}

	schedCancel()
	sched.Stop()

	engine.FlushNow(shutdownCtx)
	logs.CheckpointAll(shutdownCtx)
	shutdownCancel()

	logger.Info("coordinator: shutdown complete")
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
