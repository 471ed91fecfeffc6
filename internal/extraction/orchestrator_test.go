package extraction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
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

var testLabels = map[string]string{
	"teamwork":   "TEAMWORK",
	"leadership": "LEADERSHIP",
}

func reading(label, score string, conf float32) recognize.Reading {
	return recognize.Reading{Label: label, Score: recognize.Token{Text: score, Confidence: conf}}
}

type fakeRecognizer struct {
	mu       sync.Mutex
	readings []recognize.Reading
	err      error
	started  chan struct{} // closed on first call when non-nil
	release  chan struct{} // blocks the call until closed when non-nil
}

func (f *fakeRecognizer) read(ctx context.Context) ([]recognize.Reading, error) {
	f.mu.Lock()
	started, release := f.started, f.release
	f.started = nil
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.readings, f.err
}

func (f *fakeRecognizer) ReadTable(ctx context.Context, _ []byte) ([]recognize.Reading, error) {
	return f.read(ctx)
}

func (f *fakeRecognizer) ReadChart(ctx context.Context, _ []byte) ([]recognize.Reading, error) {
	return f.read(ctx)
}

type fakeVision struct {
	mu     sync.Mutex
	calls  int
	scores map[string]vision.Score
	errs   []error // consumed per call; nil entry means success
}

func (f *fakeVision) ExtractScores(_ context.Context, _ vision.ScoreRequest) (map[string]vision.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.scores, nil
}

type harness struct {
	orch    *Orchestrator
	metrics *repository.MemoryMetricRepository
	jobs    *repository.MemoryJobRepository
	flags   *repository.MemoryFlagRepository
	images  *repository.MemoryImageRepository
	sleeps  int
}

func newHarness(t *testing.T, rec Recognizer, vis VisionExtractor) *harness {
	t.Helper()
	h := &harness{
		metrics: repository.NewMemoryMetricRepository(),
		jobs:    repository.NewMemoryJobRepository(),
		flags:   repository.NewMemoryFlagRepository(),
		images:  repository.NewMemoryImageRepository(),
	}
	h.orch = NewOrchestrator(Deps{
		Config: common.ExtractionConfig{
			MinMeanConfidence: 0.8,
			BackoffBase:       time.Second,
			MaxPoolRetries:    2,
		},
		Labels:     normalize.NewLabelMap(testLabels, nil),
		Recognizer: rec,
		Vision:     vis,
		Images:     h.images,
		Metrics:    h.metrics,
		Jobs:       h.jobs,
		Flags:      h.flags,
	})
	h.orch.sleep = func(context.Context, time.Duration) error {
		h.sleeps++
		return nil
	}
	return h
}

func (h *harness) addImage(t *testing.T, reportID uuid.UUID, kind constants.ImageKind) {
	t.Helper()
	err := h.images.Add(t.Context(), &repository.DocumentImage{
		ReportID: reportID, Kind: kind, Content: []byte{0x89, 0x50},
	})
	if err != nil {
		t.Fatalf("add image: %v", err)
	}
}

func TestRunCompletedLocally(t *testing.T) {
	rec := &fakeRecognizer{readings: []recognize.Reading{
		reading("Teamwork", "7,5", 0.93),
		reading("Leadership", "6", 0.88),
	}}
	vis := &fakeVision{}
	h := newHarness(t, rec, vis)
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindTable)

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}
	if vis.calls != 0 {
		t.Errorf("vision called %d times for a passing gate", vis.calls)
	}

	got, _ := h.metrics.ListByReport(t.Context(), reportID)
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2", len(got))
	}
	for _, m := range got {
		if m.Source != constants.SourceLocal {
			t.Errorf("%s source = %s, want LOCAL", m.Code, m.Source)
		}
	}
	if got[1].Code != "TEAMWORK" || got[1].Value != 7.5 {
		t.Errorf("TEAMWORK = %+v", got[1])
	}
	flags, _ := h.flags.ListByReport(t.Context(), reportID)
	if len(flags) != 0 {
		t.Errorf("unexpected flags: %+v", flags)
	}
}

func TestRunFallsBackOnLowConfidence(t *testing.T) {
	rec := &fakeRecognizer{readings: []recognize.Reading{
		reading("Teamwork", "7", 0.60),
		reading("Leadership", "6", 0.55),
	}}
	vis := &fakeVision{scores: map[string]vision.Score{
		"TEAMWORK":   {Value: 8, Confidence: 0.97},
		"LEADERSHIP": {Value: 5.5, Confidence: 0.94},
	}}
	h := newHarness(t, rec, vis)
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindChart)

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}
	if vis.calls != 1 {
		t.Errorf("vision calls = %d, want 1", vis.calls)
	}

	got, _ := h.metrics.ListByReport(t.Context(), reportID)
	for _, m := range got {
		if m.Source != constants.SourceRemote {
			t.Errorf("%s source = %s, want REMOTE", m.Code, m.Source)
		}
	}
	if got[1].Value != 8 {
		t.Errorf("TEAMWORK = %v, want the remote 8", got[1].Value)
	}
}

func TestRunFallsBackOnMissingCode(t *testing.T) {
	// High confidence but only one of two expected metrics recognized.
	rec := &fakeRecognizer{readings: []recognize.Reading{
		reading("Teamwork", "7", 0.95),
	}}
	vis := &fakeVision{scores: map[string]vision.Score{
		"TEAMWORK":   {Value: 7, Confidence: 0.96},
		"LEADERSHIP": {Value: 4, Confidence: 0.91},
	}}
	h := newHarness(t, rec, vis)
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindTable)

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}
	if vis.calls == 0 {
		t.Error("expected fallback despite high confidence")
	}
}

func TestRunDegradedWhenPoolExhausted(t *testing.T) {
	rec := &fakeRecognizer{readings: []recognize.Reading{
		reading("Teamwork", "7", 0.60),
		reading("Leadership", "6", 0.55),
	}}
	vis := &fakeVision{errs: []error{
		credential.ErrPoolExhausted,
		credential.ErrPoolExhausted,
		credential.ErrPoolExhausted,
	}}
	h := newHarness(t, rec, vis)
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindChart)

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", status)
	}
	// Initial attempt plus MaxPoolRetries, each preceded by a backoff sleep
	// except the first.
	if vis.calls != 3 {
		t.Errorf("vision calls = %d, want 3", vis.calls)
	}
	if h.sleeps != 2 {
		t.Errorf("backoff sleeps = %d, want 2", h.sleeps)
	}

	// Local candidates survive with their true confidence, flagged.
	got, _ := h.metrics.ListByReport(t.Context(), reportID)
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2 best-effort locals", len(got))
	}
	for _, m := range got {
		if m.Source != constants.SourceLocal {
			t.Errorf("%s source = %s, want LOCAL", m.Code, m.Source)
		}
	}
	flags, _ := h.flags.ListByReport(t.Context(), reportID)
	if len(flags) != 2 {
		t.Fatalf("flags = %+v, want both metrics flagged", flags)
	}
	if flags[0].Reason != "fallback unavailable" {
		t.Errorf("flag reason = %q", flags[0].Reason)
	}
}

func TestRunDegradedWhenNothingExtracted(t *testing.T) {
	rec := &fakeRecognizer{readings: nil} // local sees nothing
	vis := &fakeVision{errs: []error{vision.ErrUnusableResponse}}
	h := newHarness(t, rec, vis)
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindTable)

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Failed recognition plus a failed fallback is a review outcome, not an
	// infrastructure failure.
	if status != constants.JobStatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", status)
	}
	got, _ := h.metrics.ListByReport(t.Context(), reportID)
	if len(got) != 0 {
		t.Errorf("metrics persisted without any extracted value: %+v", got)
	}
	flags, _ := h.flags.ListByReport(t.Context(), reportID)
	if len(flags) != len(testLabels) {
		t.Fatalf("flags = %+v, want every expected code flagged", flags)
	}
	job, err := h.jobs.LatestByReport(t.Context(), reportID)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if !strings.Contains(job.ErrorMessage, "remote fallback incomplete") {
		t.Errorf("job error = %q", job.ErrorMessage)
	}
}

func TestRunFailsWithoutImages(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{}, &fakeVision{})
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindOther) // not score-bearing

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	job, err := h.jobs.LatestByReport(t.Context(), reportID)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if job.ErrorMessage == "" {
		t.Error("failed job carries no error message")
	}
}

func TestRunRejectsConcurrentSubmission(t *testing.T) {
	rec := &fakeRecognizer{
		readings: []recognize.Reading{
			reading("Teamwork", "7", 0.95),
			reading("Leadership", "6", 0.95),
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, rec, &fakeVision{})
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindTable)

	done := make(chan constants.JobStatus, 1)
	go func() {
		status, _ := h.orch.Run(context.Background(), reportID, false)
		done <- status
	}()
	<-rec.started

	if _, err := h.orch.Run(t.Context(), reportID, false); !errors.Is(err, repository.ErrAlreadyRunning) {
		t.Fatalf("concurrent run: %v, want ErrAlreadyRunning", err)
	}

	close(rec.release)
	if status := <-done; status != constants.JobStatusCompleted {
		t.Fatalf("first run status = %s", status)
	}

	// The slot frees once the first run finishes.
	if _, err := h.orch.Run(t.Context(), reportID, false); err != nil {
		t.Fatalf("rerun after completion: %v", err)
	}
}

func TestRunPreservesManualValues(t *testing.T) {
	rec := &fakeRecognizer{readings: []recognize.Reading{
		reading("Teamwork", "7", 0.95),
		reading("Leadership", "6", 0.95),
	}}
	h := newHarness(t, rec, &fakeVision{})
	reportID := uuid.New()
	h.addImage(t, reportID, constants.ImageKindTable)

	if _, err := h.metrics.Upsert(t.Context(), &repository.ExtractedMetric{
		ReportID: reportID, Code: "TEAMWORK", Value: 9, Source: constants.SourceManual,
	}, false); err != nil {
		t.Fatalf("seed manual: %v", err)
	}

	status, err := h.orch.Run(t.Context(), reportID, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != constants.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}

	got, _ := h.metrics.ListByReport(t.Context(), reportID)
	for _, m := range got {
		if m.Code == "TEAMWORK" && (m.Value != 9 || m.Source != constants.SourceManual) {
			t.Errorf("manual TEAMWORK overwritten: %+v", m)
		}
	}

	// force re-extraction replaces the manual value.
	if status, _ = h.orch.Run(t.Context(), reportID, true); status != constants.JobStatusCompleted {
		t.Fatalf("forced run status = %s", status)
	}
	got, _ = h.metrics.ListByReport(t.Context(), reportID)
	for _, m := range got {
		if m.Code == "TEAMWORK" && m.Source != constants.SourceLocal {
			t.Errorf("forced run kept %s source", m.Source)
		}
	}
}

func TestGateEvaluate(t *testing.T) {
	gate := Gate{MinMeanConfidence: 0.8}
	codes := []string{"TEAMWORK", "LEADERSHIP"}

	cases := []struct {
		name       string
		candidates []Candidate
		useLocal   bool
	}{
		{"empty", nil, false},
		{"confident and complete", []Candidate{
			{Code: "TEAMWORK", Confidence: 0.9}, {Code: "LEADERSHIP", Confidence: 0.85},
		}, true},
		{"low mean confidence", []Candidate{
			{Code: "TEAMWORK", Confidence: 0.6}, {Code: "LEADERSHIP", Confidence: 0.7},
		}, false},
		{"missing code", []Candidate{
			{Code: "TEAMWORK", Confidence: 0.99},
		}, false},
		{"mean exactly at threshold", []Candidate{
			{Code: "TEAMWORK", Confidence: 0.8}, {Code: "LEADERSHIP", Confidence: 0.8},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Evaluate(tc.candidates, codes)
			if d.UseLocal != tc.useLocal {
				t.Errorf("UseLocal = %v, want %v (decision %+v)", d.UseLocal, tc.useLocal, d)
			}
		})
	}
}
