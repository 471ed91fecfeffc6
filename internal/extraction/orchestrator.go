package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
	"github.com/akovalyov/chartscan/internal/common"
	"github.com/akovalyov/chartscan/internal/credential"
	"github.com/akovalyov/chartscan/internal/normalize"
	"github.com/akovalyov/chartscan/internal/recognize"
	"github.com/akovalyov/chartscan/internal/repository"
	"github.com/akovalyov/chartscan/internal/vision"
)

// Recognizer is the local recognition surface the orchestrator drives.
// *recognize.Adapter implements it; tests substitute fakes.
type Recognizer interface {
	ReadTable(ctx context.Context, data []byte) ([]recognize.Reading, error)
	ReadChart(ctx context.Context, data []byte) ([]recognize.Reading, error)
}

// VisionExtractor is the remote fallback surface. *vision.Client implements it.
type VisionExtractor interface {
	ExtractScores(ctx context.Context, req vision.ScoreRequest) (map[string]vision.Score, error)
}

// Orchestrator runs the extraction state machine for one report at a time
// per report: local recognition first, quality gate, remote fallback when
// the gate rejects, then persistence with provenance and review flags.
type Orchestrator struct {
	cfg    common.ExtractionConfig
	labels *normalize.LabelMap
	gate   Gate

	rec Recognizer
	vis VisionExtractor

	images  repository.ImageRepository
	metrics repository.MetricRepository
	jobs    repository.JobRepository
	flags   repository.FlagRepository

	// running guards against duplicate submissions inside this process;
	// the report_job partial unique index guards across processes.
	running sync.Map

	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

type Deps struct {
	Config     common.ExtractionConfig
	Labels     *normalize.LabelMap
	Recognizer Recognizer
	Vision     VisionExtractor
	Images     repository.ImageRepository
	Metrics    repository.MetricRepository
	Jobs       repository.JobRepository
	Flags      repository.FlagRepository
	Logger     *slog.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	labels := d.Labels
	if labels == nil {
		labels = normalize.NewLabelMap(nil, logger)
	}
	return &Orchestrator{
		cfg:    d.Config,
		labels: labels,
		gate: Gate{
			MinMeanConfidence: d.Config.MinMeanConfidence,
			ExpectedMinCodes:  d.Config.ExpectedMinCodes,
			Log:               logger,
		},
		rec:     d.Recognizer,
		vis:     d.Vision,
		images:  d.Images,
		metrics: d.Metrics,
		jobs:    d.Jobs,
		flags:   d.Flags,
		sleep:   sleepCtx,
		log:     logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one extraction for the report and returns its terminal
// status. A second Run for the same report while one is live returns
// repository.ErrAlreadyRunning without touching storage.
func (o *Orchestrator) Run(ctx context.Context, reportID uuid.UUID, force bool) (constants.JobStatus, error) {
	if _, loaded := o.running.LoadOrStore(reportID, struct{}{}); loaded {
		return "", repository.ErrAlreadyRunning
	}
	defer o.running.Delete(reportID)

	job, err := o.jobs.Start(ctx, reportID)
	if err != nil {
		return "", err
	}
	o.log.Info("extract.start", "job_id", job.ID, "report_id", reportID, "force", force)

	status, errMsg := o.execute(ctx, reportID, force)
	if ferr := o.jobs.Finish(ctx, job.ID, status, errMsg); ferr != nil {
		o.log.Error("extract.finish_failed", "job_id", job.ID, "error", ferr)
		return status, ferr
	}
	o.log.Info("extract.done", "job_id", job.ID, "report_id", reportID, "status", status, "error", errMsg)
	return status, nil
}

// execute is the job body; it always produces a terminal status.
func (o *Orchestrator) execute(ctx context.Context, reportID uuid.UUID, force bool) (constants.JobStatus, string) {
	imgs, err := o.images.ListByReport(ctx, reportID)
	if err != nil {
		return constants.JobStatusFailed, fmt.Sprintf("list images: %v", err)
	}
	bearing := imgs[:0:0]
	for _, img := range imgs {
		if img.Kind.ScoreBearing() {
			bearing = append(bearing, img)
		}
	}
	if len(bearing) == 0 {
		return constants.JobStatusFailed, "no score-bearing images for report"
	}

	expected := o.labels.Codes()
	candidates := o.recognizeLocally(ctx, bearing)
	decision := o.gate.Evaluate(candidates, expected)

	var resolved map[string]Resolved
	var degradedMsg string
	if decision.UseLocal {
		resolved = resolvedFromLocal(candidates)
	} else {
		resolved, degradedMsg = o.fallback(ctx, reportID, bearing, expected, candidates)
	}

	// Expected codes with no value at all get a flag-only entry.
	for _, code := range expected {
		if _, ok := resolved[code]; !ok {
			resolved[code] = Resolved{Code: code, FlagReason: "metric not extracted"}
		}
	}

	return o.persist(ctx, reportID, expected, resolved, force, degradedMsg)
}

// recognizeLocally runs the local engine over every score-bearing image and
// keeps the highest-confidence candidate per metric code.
func (o *Orchestrator) recognizeLocally(ctx context.Context, imgs []*repository.DocumentImage) []Candidate {
	best := map[string]Candidate{}
	for _, img := range imgs {
		var readings []recognize.Reading
		var err error
		switch img.Kind {
		case constants.ImageKindTable:
			readings, err = o.rec.ReadTable(ctx, img.Content)
		case constants.ImageKindChart:
			readings, err = o.rec.ReadChart(ctx, img.Content)
		}
		if err != nil {
			o.log.Warn("extract.local_failed", "image_id", img.ID, "kind", img.Kind, "error", err)
			continue
		}
		for _, r := range readings {
			code, ok := o.labels.Canonicalize(r.Label)
			if !ok {
				continue
			}
			value, err := normalize.ParseScore(r.Score.Text)
			if err != nil {
				o.log.Warn("extract.score_rejected", "image_id", img.ID, "label", r.Label, "token", r.Score.Text)
				continue
			}
			if cur, ok := best[code]; !ok || r.Score.Confidence > cur.Confidence {
				best[code] = Candidate{Code: code, Value: value, Confidence: r.Score.Confidence}
			}
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func resolvedFromLocal(candidates []Candidate) map[string]Resolved {
	out := make(map[string]Resolved, len(candidates))
	for _, c := range candidates {
		out[c.Code] = Resolved{
			Code:       c.Code,
			Value:      c.Value,
			Source:     constants.SourceLocal,
			Confidence: c.Confidence,
		}
	}
	return out
}

// fallback queries the remote model for every score-bearing image until the
// expected codes are covered. Pool exhaustion backs off and retries; when
// the budget is spent, surviving local candidates are kept flagged rather
// than dropped.
func (o *Orchestrator) fallback(
	ctx context.Context,
	reportID uuid.UUID,
	imgs []*repository.DocumentImage,
	expected []string,
	candidates []Candidate,
) (map[string]Resolved, string) {
	resolved := map[string]Resolved{}
	covered := func() bool {
		for _, code := range expected {
			if _, ok := resolved[code]; !ok {
				return false
			}
		}
		return true
	}

	var lastErr error
	for _, img := range imgs {
		if covered() {
			break
		}
		scores, err := o.extractWithBackoff(ctx, vision.ScoreRequest{
			ReportID:      reportID,
			ImagePNG:      img.Content,
			ExpectedCodes: expected,
		})
		if err != nil {
			lastErr = err
			o.log.Warn("extract.fallback_failed", "image_id", img.ID, "error", err)
			if errors.Is(err, credential.ErrPoolExhausted) {
				break // retry budget is spent; later images would hit the same wall
			}
			continue
		}
		for code, s := range scores {
			if cur, ok := resolved[code]; ok && cur.Confidence >= s.Confidence {
				continue
			}
			resolved[code] = Resolved{
				Code:       code,
				Value:      s.Value,
				Source:     constants.SourceRemote,
				Confidence: s.Confidence,
			}
		}
	}

	if lastErr == nil {
		return resolved, ""
	}

	// Remote coverage is incomplete. Keep local candidates for the gaps,
	// flagged with their true (sub-threshold) confidence.
	reason := "fallback unavailable"
	if errors.Is(lastErr, vision.ErrUnusableResponse) {
		reason = "model response unusable"
	}
	for _, c := range candidates {
		if _, ok := resolved[c.Code]; ok {
			continue
		}
		resolved[c.Code] = Resolved{
			Code:       c.Code,
			Value:      c.Value,
			Source:     constants.SourceLocal,
			Confidence: c.Confidence,
			FlagReason: reason,
		}
	}
	return resolved, fmt.Sprintf("remote fallback incomplete: %v", lastErr)
}

// extractWithBackoff retries only pool exhaustion, with exponential delays
// starting at the configured base. All other errors return immediately.
func (o *Orchestrator) extractWithBackoff(ctx context.Context, req vision.ScoreRequest) (map[string]vision.Score, error) {
	delay := o.cfg.BackoffBase
	for attempt := 0; ; attempt++ {
		scores, err := o.vis.ExtractScores(ctx, req)
		if err == nil || !errors.Is(err, credential.ErrPoolExhausted) {
			return scores, err
		}
		if attempt >= o.cfg.MaxPoolRetries {
			return nil, err
		}
		o.log.Warn("extract.pool_backoff", "report_id", req.ReportID, "attempt", attempt+1, "delay", delay)
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		delay *= 2
	}
}

// persist writes resolved values, swaps review flags and derives the
// terminal status: COMPLETED when every expected metric landed unflagged,
// DEGRADED when any metric awaits manual review. FAILED is reserved for
// infrastructure faults (no usable images, repository errors) and is never
// produced by quality or fallback outcomes alone.
func (o *Orchestrator) persist(
	ctx context.Context,
	reportID uuid.UUID,
	expected []string,
	resolved map[string]Resolved,
	force bool,
	degradedMsg string,
) (constants.JobStatus, string) {
	var flags []repository.ReviewFlag
	written := 0
	for _, code := range expected {
		r := resolved[code]
		if r.Source == "" { // flag-only entry, nothing to store
			flags = append(flags, repository.ReviewFlag{Code: code, Reason: r.FlagReason})
			continue
		}
		m := &repository.ExtractedMetric{
			ReportID:   reportID,
			Code:       r.Code,
			Value:      r.Value,
			Source:     r.Source,
			Confidence: &r.Confidence,
		}
		ok, err := o.metrics.Upsert(ctx, m, force)
		if err != nil {
			o.log.Error("extract.persist_failed", "report_id", reportID, "code", code, "error", err)
			return constants.JobStatusFailed, fmt.Sprintf("persist metric %s: %v", code, err)
		}
		if !ok {
			// Manual value holds; nothing to review.
			continue
		}
		written++
		if r.FlagReason != "" {
			flags = append(flags, repository.ReviewFlag{Code: code, Reason: r.FlagReason})
		}
	}

	if err := o.flags.Replace(ctx, reportID, flags); err != nil {
		o.log.Error("extract.flags_failed", "report_id", reportID, "error", err)
		return constants.JobStatusFailed, fmt.Sprintf("replace review flags: %v", err)
	}

	if len(flags) == 0 {
		return constants.JobStatusCompleted, ""
	}
	codes := make([]string, 0, len(flags))
	for _, f := range flags {
		codes = append(codes, f.Code)
	}
	o.log.Info("extract.degraded", "report_id", reportID, "written", written, "flagged", len(flags))
	msg := fmt.Sprintf("metrics need review: %s", strings.Join(codes, ", "))
	if degradedMsg != "" {
		msg = degradedMsg + "; " + msg
	}
	return constants.JobStatusDegraded, msg
}
