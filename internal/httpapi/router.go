// Package httpapi exposes the coordinator's HTTP surface as a
// gin.Engine, wiring the dataset engine, tracking ingestor, geocode queue,
// and per-day log store behind the handlers in this package.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/geocode"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/matching"
	"github.com/canvassops/coordinator-service/internal/tracking"
)

// httpRatePerSecond and httpRateBurst bound each caller's request rate,
// keyed per IP (see buildRateLimitMiddleware) rather than shared globally.
const (
	httpRatePerSecond = 20
	httpRateBurst     = 40
)

// Server holds every dependency the route handlers need. It has no behavior
// of its own beyond wiring; all domain logic lives in the packages it
// references.
type Server struct {
	engine    *datasetengine.Engine
	ingestor  *tracking.Ingestor
	geo       *geocode.Queue
	logs      *logstore.Store
	writer    *backingstore.BatchedWriter
	overlay   *matching.Overlay
	loc       *time.Location
	reg       *prometheus.Registry
	logger    *zap.Logger
	startedAt time.Time
}

// New builds a Server from its fully constructed dependencies.
func New(
	engine *datasetengine.Engine,
	ingestor *tracking.Ingestor,
	geo *geocode.Queue,
	logs *logstore.Store,
	writer *backingstore.BatchedWriter,
	overlay *matching.Overlay,
	loc *time.Location,
	reg *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine: engine, ingestor: ingestor, geo: geo, logs: logs, writer: writer, overlay: overlay,
		loc: loc, reg: reg, logger: logger, startedAt: time.Now(),
	}
}

// Routes builds the gin.Engine serving the coordinator's endpoints.
func (s *Server) Routes() *gin.Engine {
	if !s.logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), buildRateLimitMiddleware(httpRatePerSecond, httpRateBurst, s.logger))

	r.POST("/datasets", s.handleCreateDataset)
	r.GET("/datasets", s.handleGetDatasets)
	r.GET("/datasets/search-local", s.handleSearchLocal)
	r.GET("/datasets/streets/suggestions", s.handleStreetSuggestions)
	r.GET("/datasets/streets/:streetName", s.handleDatasetsByStreet)
	r.GET("/datasets/history/:username/:date", s.handleDatasetHistory)
	r.GET("/datasets/:id", s.handleGetDatasetByID)
	r.PUT("/datasets/residents", s.handleUpdateResident)
	r.PUT("/datasets/bulk-residents", s.handleBulkUpdateResidents)

	r.POST("/tracking/location", s.handlePushLocation)
	r.POST("/tracking/actions", s.handlePushAction)

	r.POST("/matching/classify-scan", s.handleClassifyScan)

	r.GET("/health", s.handleHealth)
	r.GET("/geocode/status", s.handleGeocodeStatus)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	return r
}
