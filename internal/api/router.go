package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/health"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/tracing"
)

// Version is reported by the API info endpoint
const Version = "1.0.0"

// Dependencies groups what the router serves
type Dependencies struct {
	Service   *orchestrator.Service
	RunConfig *config.RunConfig
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tracer    *tracing.Service
	Health    *health.Service
}

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(deps.Logger, deps.Metrics))
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(deps.Tracer.TracingMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	h := NewHandler(deps.Service, deps.RunConfig, deps.Logger)
	if deps.Health == nil {
		deps.Health = NewHealthService(deps.Service, h.runConfig, deps.Logger)
	}

	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, gin.H{
			"name":    "ASH scan API",
			"version": Version,
			"status":  "ok",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/scans", h.StartScan)
		v1.GET("/progress", h.Progress)
		v1.GET("/report", h.Report)
		v1.GET("/findings", h.Findings)
		v1.GET("/summary", h.Summary)
		v1.GET("/scanners", h.Scanners)
		v1.GET("/suppressions", h.Suppressions)

		trends := v1.Group("/trends")
		{
			trends.GET("/snapshots", h.Snapshots)
			trends.GET("/counts", h.FindingCounts)
			trends.GET("/severity", h.SeverityTrends)
			trends.GET("/new", h.NewFindings)
			trends.GET("/resolved", h.ResolvedFindings)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}

// NewHealthService checks the snapshot backend, the tools behind the
// configured scanners and the outcome of the last run.
func NewHealthService(svc *orchestrator.Service, rc *config.RunConfig, logger *logging.Logger) *health.Service {
	hs := health.NewService(logger, map[string]string{"version": Version})

	store := svc.Analyzer().Store()
	pinger, _ := store.(health.Pinger)
	hs.RegisterChecker("snapshot_store", health.NewStoreChecker(store.Backend(), pinger))
	hs.RegisterChecker("scanners", health.NewScannerChecker(svc.Registry(), rc))
	hs.RegisterChecker("last_run", health.NewCustomChecker("last_run", func(context.Context) (health.Status, string, error) {
		report := svc.LastReport()
		switch {
		case report == nil:
			return health.StatusHealthy, "no scan has completed", nil
		case report.Failed():
			return health.StatusDegraded, fmt.Sprintf("%d scanners failed in run %s", report.Progress.Failed, report.RunID), nil
		case report.Incomplete():
			return health.StatusDegraded, fmt.Sprintf("%d scanner records rejected in run %s", len(report.ValidationErrors), report.RunID), nil
		default:
			return health.StatusHealthy, fmt.Sprintf("run %s finished %s", report.RunID, report.Status), nil
		}
	}))
	return hs
}
