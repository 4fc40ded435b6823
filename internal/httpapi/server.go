// Package httpapi exposes the operator endpoints: cycle control, status,
// history, stored telemetry and Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/models"
	"github.com/smukkama/pellet-ingest/internal/orchestrator"
)

// TelemetryReader is the read side of the telemetry store.
type TelemetryReader interface {
	LastImport(ctx context.Context, filename string) (*models.ImportedFile, error)
	FindByFilename(ctx context.Context, filename string) ([]models.TelemetryRecord, error)
	DistinctFilenames(ctx context.Context) ([]string, error)
}

type Server struct {
	orch      *orchestrator.Orchestrator
	telemetry TelemetryReader
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

func New(orch *orchestrator.Orchestrator, telemetry TelemetryReader, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		orch:      orch,
		telemetry: telemetry,
		gatherer:  gatherer,
		logger:    logger.Named("http"),
	}
}

// Engine builds the router with every route registered.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	imp := api.Group("/import")
	imp.GET("/status", s.Status)
	imp.GET("/history", s.History)
	imp.POST("/run", s.RunCycle)
	imp.POST("/timer/start", s.StartTimer)
	imp.POST("/timer/stop", s.StopTimer)
	imp.PUT("/timer/schedule", s.UpdateSchedule)
	imp.POST("/watcher/start", s.StartWatcher)
	imp.POST("/watcher/stop", s.StopWatcher)

	api.POST("/ledger/purge", s.PurgeLedger)

	api.GET("/telemetry/files", s.ListFiles)
	api.GET("/telemetry/files/:filename", s.FileRecords)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
