// Package scheduler wires the coordinator's background tasks: the dataset
// cache flusher, the batched-writer flusher, the creation-lock janitor, the
// FollowMee pull loop, the unassigned-data reconciler (start + midnight),
// and daily retention cleanup. The geocode queue paces itself inline and is
// only sampled here for metrics.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/customercache"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/geocode"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/metrics"
	"github.com/canvassops/coordinator-service/internal/tracking"
)

// metricsSampleInterval is how often background state is copied into the
// Prometheus gauges.
const metricsSampleInterval = 10 * time.Second

// Scheduler owns every background task's lifecycle.
type Scheduler struct {
	engine        *datasetengine.Engine
	writer        *backingstore.BatchedWriter
	puller        *tracking.Puller
	reconciler    *tracking.Reconciler
	logs          *logstore.Store
	customers     *customercache.Cache
	geo           *geocode.Queue
	registry      *metrics.Registry
	retentionDays int
	loc           *time.Location
	logger        *zap.Logger

	cronRunner  *cron.Cron
	stopSampler chan struct{}

	lastCacheHits   int64
	lastCacheMisses int64
}

// New constructs a Scheduler. Any of puller/reconciler/customers may be nil
// if that producer path is not configured.
func New(
	engine *datasetengine.Engine,
	writer *backingstore.BatchedWriter,
	puller *tracking.Puller,
	reconciler *tracking.Reconciler,
	logs *logstore.Store,
	customers *customercache.Cache,
	geo *geocode.Queue,
	registry *metrics.Registry,
	retentionDays int,
	loc *time.Location,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		engine:        engine,
		writer:        writer,
		puller:        puller,
		reconciler:    reconciler,
		logs:          logs,
		customers:     customers,
		geo:           geo,
		registry:      registry,
		retentionDays: retentionDays,
		loc:           loc,
		logger:        logger,
		cronRunner:    cron.New(cron.WithLocation(loc)),
		stopSampler:   make(chan struct{}),
	}
}

// Start launches every background task. ctx cancellation stops the
// ticker-driven ones; Stop must still be called to join the cron runner and
// the metrics sampler.
func (s *Scheduler) Start(ctx context.Context) error {
	go s.engine.StartFlusher(ctx)
	go s.engine.StartLockJanitor(ctx)
	go s.writer.Run(ctx)

	if s.puller != nil {
		go s.puller.Run(ctx)
	}

	if s.reconciler != nil {
		// Run once immediately on startup, then again on the midnight cron
		// schedule below.
		go func() {
			reconcileCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
			if err := s.reconciler.ReconcileUnassigned(reconcileCtx); err != nil {
				s.logger.Error("scheduler: startup reconciliation failed", zap.Error(err))
			}
		}()

		if _, err := s.cronRunner.AddFunc("0 0 * * *", func() {
			reconcileCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := s.reconciler.ReconcileUnassigned(reconcileCtx); err != nil {
				s.logger.Error("scheduler: midnight reconciliation failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if _, err := s.cronRunner.AddFunc("5 0 * * *", func() {
		removed, err := s.logs.CleanupOlderThan(s.retentionDays)
		if err != nil {
			s.logger.Error("scheduler: retention cleanup failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduler: retention cleanup ran", zap.Int("filesRemoved", removed))
	}); err != nil {
		return err
	}

	s.cronRunner.Start()
	go s.sampleMetrics(ctx)
	return nil
}

// Stop stops the cron runner, waits for its jobs to finish, halts the
// engine's flusher/janitor and the batched writer, and stops the metrics
// sampler.
func (s *Scheduler) Stop() {
	cronCtx := s.cronRunner.Stop()
	<-cronCtx.Done()
	s.engine.Stop()
	s.writer.Stop()
	if s.puller != nil {
		s.puller.Stop()
	}
	close(s.stopSampler)
}

func (s *Scheduler) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopSampler:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Scheduler) sampleOnce() {
	stats := s.engine.Stats()
	s.registry.DatasetCacheSize.Set(float64(stats.CacheSize))
	s.registry.DatasetDirtySize.Set(float64(stats.DirtySize))
	s.registry.DatasetLocksHeld.Set(float64(stats.LocksHeld))
	s.registry.LogStoreOpenHandles.Set(float64(s.logs.OpenHandleCount()))

	for _, name := range s.writer.QueueNames() {
		s.registry.WriterBacklog.WithLabelValues(name).Set(float64(s.writer.Backlog(name)))
		s.registry.WriterBackoffSecs.WithLabelValues(name).Set(s.writer.CurrentBackoff(name).Seconds())
	}

	if s.geo != nil {
		snap := s.geo.Status()
		s.registry.GeocodeQueueDepth.Set(float64(snap.QueueLength))
		if snap.Processing {
			s.registry.GeocodeProcessing.Set(1)
		} else {
			s.registry.GeocodeProcessing.Set(0)
		}
	}

	if s.customers != nil {
		m := s.customers.Metrics()
		if delta := m.Hits - s.lastCacheHits; delta > 0 {
			s.registry.CustomerCacheHits.Add(float64(delta))
		}
		if delta := m.Misses - s.lastCacheMisses; delta > 0 {
			s.registry.CustomerCacheMisses.Add(float64(delta))
		}
		s.lastCacheHits = m.Hits
		s.lastCacheMisses = m.Misses
	}
}
