package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
	"github.com/akovalyov/chartscan/internal/async"
	"github.com/akovalyov/chartscan/internal/export"
	"github.com/akovalyov/chartscan/internal/repository"
)

const maxImageBytes = 10 << 20

// TaskQueue accepts extraction tasks for background processing.
// *async.JobQueue implements it.
type TaskQueue interface {
	Enqueue(ctx context.Context, task async.Task) error
}

// Handler exposes the report extraction API.
type Handler struct {
	images  repository.ImageRepository
	metrics repository.MetricRepository
	jobs    repository.JobRepository
	flags   repository.FlagRepository
	queue   TaskQueue
	export  *export.Service
	log     *slog.Logger
}

type HandlerDeps struct {
	Images  repository.ImageRepository
	Metrics repository.MetricRepository
	Jobs    repository.JobRepository
	Flags   repository.FlagRepository
	Queue   TaskQueue
	Export  *export.Service
	Logger  *slog.Logger
}

func NewHandler(d HandlerDeps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		images:  d.Images,
		metrics: d.Metrics,
		jobs:    d.Jobs,
		flags:   d.Flags,
		queue:   d.Queue,
		export:  d.Export,
		log:     logger,
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/reports/:id/images", h.uploadImage)
	rg.POST("/reports/:id/extract", h.submitExtraction)
	rg.GET("/reports/:id", h.getReport)
	rg.PUT("/reports/:id/metrics/:code", h.putManualMetric)
	rg.GET("/reports/:id/export", h.exportReport)
}

func (h *Handler) reportID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "report id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// uploadImage stores one score-bearing image for a report. The image comes
// as a multipart file plus kind and page_index form fields.
func (h *Handler) uploadImage(c *gin.Context) {
	reportID, ok := h.reportID(c)
	if !ok {
		return
	}

	kind := constants.ImageKind(strings.ToUpper(strings.TrimSpace(c.PostForm("kind"))))
	switch kind {
	case constants.ImageKindTable, constants.ImageKindChart, constants.ImageKindOther:
	default:
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "kind must be TABLE, CHART or OTHER")
		return
	}

	pageIndex := 0
	if raw := c.PostForm("page_index"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(c, h.log, http.StatusBadRequest, "validation_error", "page_index must be a non-negative integer")
			return
		}
		pageIndex = v
	}

	file, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "file is required")
		return
	}
	if file.Size > maxImageBytes {
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "file exceeds size limit")
		return
	}
	src, err := file.Open()
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to read upload")
		return
	}
	defer src.Close()
	content, err := io.ReadAll(src)
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to read upload")
		return
	}

	img := &repository.DocumentImage{
		ReportID:  reportID,
		Kind:      kind,
		PageIndex: pageIndex,
		Content:   content,
	}
	if err := h.images.Add(c.Request.Context(), img); err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to store image")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"image_id":   img.ID,
		"report_id":  reportID,
		"kind":       kind,
		"page_index": pageIndex,
	})
}

// submitExtraction queues an extraction run. Submit records the PENDING job
// row, so status queries see the report as queued immediately and a second
// submit is rejected with 409 while any live job exists; ?force=true lets
// the run overwrite MANUAL values.
func (h *Handler) submitExtraction(c *gin.Context) {
	reportID, ok := h.reportID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"

	job, err := h.jobs.Submit(c.Request.Context(), reportID)
	if errors.Is(err, repository.ErrAlreadyRunning) {
		respondError(c, h.log, http.StatusConflict, "already_running", "extraction already submitted for report")
		return
	}
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to record job")
		return
	}

	if err := h.queue.Enqueue(c.Request.Context(), async.Task{ReportID: reportID, Force: force}); err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to queue extraction")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"report_id": reportID,
		"job_id":    job.ID,
		"status":    job.Status,
		"force":     force,
	})
}

type metricView struct {
	Code       string   `json:"code"`
	Value      float64  `json:"value"`
	Source     string   `json:"source"`
	Confidence *float32 `json:"confidence,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

type flagView struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// getReport returns the latest job status plus all metrics and review flags.
func (h *Handler) getReport(c *gin.Context) {
	reportID, ok := h.reportID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	status := "NONE"
	errorMessage := ""
	if job, err := h.jobs.LatestByReport(ctx, reportID); err == nil {
		status = string(job.Status)
		errorMessage = job.ErrorMessage
	} else if !errors.Is(err, repository.ErrNotFound) {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to load job state")
		return
	}

	metrics, err := h.metrics.ListByReport(ctx, reportID)
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to load metrics")
		return
	}
	flags, err := h.flags.ListByReport(ctx, reportID)
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to load review flags")
		return
	}

	mviews := make([]metricView, 0, len(metrics))
	for _, m := range metrics {
		mviews = append(mviews, metricView{
			Code:       m.Code,
			Value:      m.Value,
			Source:     string(m.Source),
			Confidence: m.Confidence,
			UpdatedAt:  m.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	fviews := make([]flagView, 0, len(flags))
	for _, f := range flags {
		fviews = append(fviews, flagView{Code: f.Code, Reason: f.Reason})
	}

	respondOK(c, gin.H{
		"report_id": reportID,
		"status":    status,
		"error":     errorMessage,
		"metrics":   mviews,
		"flags":     fviews,
	})
}

type manualMetricRequest struct {
	Value float64 `json:"value"`
}

// putManualMetric records a human correction. Manual values are
// authoritative and clear the metric's review flag.
func (h *Handler) putManualMetric(c *gin.Context) {
	reportID, ok := h.reportID(c)
	if !ok {
		return
	}
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "metric code is required")
		return
	}

	var req manualMetricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if req.Value < constants.ScoreMin || req.Value > constants.ScoreMax {
		respondError(c, h.log, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("value must be within [%v, %v]", constants.ScoreMin, constants.ScoreMax))
		return
	}

	ctx := c.Request.Context()
	m := &repository.ExtractedMetric{
		ReportID: reportID,
		Code:     code,
		Value:    req.Value,
		Source:   constants.SourceManual,
	}
	if _, err := h.metrics.Upsert(ctx, m, false); err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to store metric")
		return
	}
	if err := h.flags.Clear(ctx, reportID, code); err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to clear review flag")
		return
	}
	respondOK(c, gin.H{
		"report_id": reportID,
		"code":      code,
		"value":     req.Value,
		"source":    constants.SourceManual,
	})
}

// exportReport streams the report's metrics as an XLSX attachment.
func (h *Handler) exportReport(c *gin.Context) {
	reportID, ok := h.reportID(c)
	if !ok {
		return
	}
	data, err := h.export.ExportMetricsXLSX(c.Request.Context(), reportID)
	if err != nil {
		respondError(c, h.log, http.StatusInternalServerError, "internal_error", "failed to build export")
		return
	}
	filename := fmt.Sprintf("report-%s-metrics.xlsx", reportID)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}
