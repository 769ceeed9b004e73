package api

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/awslabs/automated-security-helper-sub041/internal/aggregator"
	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

// Handler serves scan state and trend data from an orchestration service
type Handler struct {
	svc       *orchestrator.Service
	runConfig *config.RunConfig
	logger    *logging.Logger
	expiry    int
}

// NewHandler creates a handler. runConfig is used for scans triggered over
// HTTP.
func NewHandler(svc *orchestrator.Service, runConfig *config.RunConfig, logger *logging.Logger) *Handler {
	if runConfig == nil {
		runConfig = &config.RunConfig{}
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Handler{
		svc:       svc,
		runConfig: runConfig,
		logger:    logger,
		expiry:    suppression.DefaultExpiryThresholdDays,
	}
}

type scanRequest struct {
	Target string `json:"target" binding:"required"`
	RunID  string `json:"run_id"`
}

// StartScan runs a scan in the background and returns its run ID
func (h *Handler) StartScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "request body must name a target")
		return
	}
	if h.svc.Running() {
		ErrorResponseFromError(c, errors.NewConflictError(orchestrator.ScanInProgressMessage))
		return
	}
	if req.RunID == "" {
		req.RunID = logging.NewRunID()
	}

	scan := &orchestrator.ScanRequest{Target: req.Target, RunConfig: h.runConfig, RunID: req.RunID}
	go func() {
		ctx := logging.WithRunID(context.Background(), scan.RunID)
		_, err := h.svc.Run(ctx, scan)
		switch {
		case err == nil:
		case errors.IsType(err, errors.ErrorTypeConflict):
			h.logger.Warn("Background scan skipped", "run_id", scan.RunID, "reason", err.Error())
		default:
			h.logger.LogError(ctx, err, "Background scan failed", nil)
		}
	}()

	AcceptedResponse(c, gin.H{"run_id": req.RunID, "target": req.Target})
}

// Progress returns the state of the current or most recent run
func (h *Handler) Progress(c *gin.Context) {
	progress, states, ok := h.svc.Progress()
	if !ok {
		NotFoundResponse(c, "no scan has been started")
		return
	}
	SuccessResponse(c, gin.H{
		"running":   h.svc.Running(),
		"total":     progress.Total,
		"completed": progress.Completed,
		"failed":    progress.Failed,
		"finished":  progress.Finished(),
		"done":      progress.Done(),
		"jobs":      states,
	})
}

func (h *Handler) lastReport(c *gin.Context) *orchestrator.Report {
	report := h.svc.LastReport()
	if report == nil {
		NotFoundResponse(c, "no completed scan")
	}
	return report
}

// Report returns the most recent report
func (h *Handler) Report(c *gin.Context) {
	if report := h.lastReport(c); report != nil {
		SuccessResponse(c, report)
	}
}

// Findings lists findings of the most recent report. Query parameters:
// suppressed (true or false) and severity (comma separated).
func (h *Handler) Findings(c *gin.Context) {
	report := h.lastReport(c)
	if report == nil {
		return
	}

	var suppressed *bool
	if raw := c.Query("suppressed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			BadRequestResponse(c, "suppressed must be true or false")
			return
		}
		suppressed = &v
	}

	severities := map[finding.Severity]bool{}
	if raw := c.Query("severity"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev, err := finding.ParseSeverity(strings.TrimSpace(part))
			if err != nil {
				ErrorResponseFromError(c, err)
				return
			}
			severities[sev] = true
		}
	}

	out := make([]aggregator.Annotated, 0, len(report.Findings))
	for _, f := range report.Findings {
		if suppressed != nil && f.Suppressed != *suppressed {
			continue
		}
		if len(severities) > 0 && !severities[f.Severity] {
			continue
		}
		out = append(out, f)
	}
	SuccessResponse(c, gin.H{"run_id": report.RunID, "count": len(out), "findings": out})
}

// Summary returns the counts of the most recent report
func (h *Handler) Summary(c *gin.Context) {
	report := h.lastReport(c)
	if report == nil {
		return
	}
	SuccessResponse(c, gin.H{
		"run_id":    report.RunID,
		"status":    report.Status,
		"exit_code": report.ExitCode(),
		"summary":   report.Summary,
	})
}

// Scanners returns per scanner outcomes of the most recent report
func (h *Handler) Scanners(c *gin.Context) {
	if report := h.lastReport(c); report != nil {
		SuccessResponse(c, report.Scanners)
	}
}

// Suppressions reports configured rules that are unused or expire soon. The
// days parameter overrides the expiry window.
func (h *Handler) Suppressions(c *gin.Context) {
	days := h.expiry
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequestResponse(c, "days must be a non-negative integer")
			return
		}
		days = n
	}

	resp := gin.H{
		"configured": len(h.runConfig.Suppressions),
		"expiring":   nonNil(suppression.CheckForExpiringSuppressions(h.runConfig.Suppressions, days)),
	}
	if report := h.svc.LastReport(); report != nil {
		resp["unused"] = nonNil(report.UnusedSuppressions)
	}
	SuccessResponse(c, resp)
}

func nonNil(rules []suppression.Rule) []suppression.Rule {
	if rules == nil {
		return []suppression.Rule{}
	}
	return rules
}

// CountPoint is one value of a time series
type CountPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

func series(counts map[time.Time]int) []CountPoint {
	points := make([]CountPoint, 0, len(counts))
	for ts, n := range counts {
		points = append(points, CountPoint{Timestamp: ts, Count: n})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points
}

// Snapshots lists stored snapshot timestamps
func (h *Handler) Snapshots(c *gin.Context) {
	timestamps, err := h.svc.Analyzer().Timestamps(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, timestamps)
}

// FindingCounts returns the total finding count per snapshot
func (h *Handler) FindingCounts(c *gin.Context) {
	counts, err := h.svc.Analyzer().GetFindingCountsOverTime(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, series(counts))
}

// SeverityTrends returns per severity counts per snapshot
func (h *Handler) SeverityTrends(c *gin.Context) {
	trends, err := h.svc.Analyzer().GetSeverityTrends(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	out := make(map[finding.Severity][]CountPoint, len(trends))
	for sev, counts := range trends {
		out[sev] = series(counts)
	}
	SuccessResponse(c, out)
}

// NewFindings returns findings present at curr but not at prev
func (h *Handler) NewFindings(c *gin.Context) {
	h.diff(c, "new", h.svc.Analyzer().GetNewFindings)
}

// ResolvedFindings returns findings present at prev but not at curr
func (h *Handler) ResolvedFindings(c *gin.Context) {
	h.diff(c, "resolved", h.svc.Analyzer().GetResolvedFindings)
}

func (h *Handler) diff(c *gin.Context, kind string, fn func(ctx context.Context, prev, curr time.Time) ([]finding.Finding, error)) {
	prev, err := time.Parse(time.RFC3339Nano, c.Query("prev"))
	if err != nil {
		BadRequestResponse(c, "prev must be an RFC 3339 timestamp")
		return
	}
	curr, err := time.Parse(time.RFC3339Nano, c.Query("curr"))
	if err != nil {
		BadRequestResponse(c, "curr must be an RFC 3339 timestamp")
		return
	}

	findings, err := fn(c.Request.Context(), prev, curr)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{
		"kind":     kind,
		"prev":     prev.UTC(),
		"curr":     curr.UTC(),
		"count":    len(findings),
		"findings": findings,
	})
}
