package repository

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

func TestMemoryMetricManualPrecedence(t *testing.T) {
	repo := NewMemoryMetricRepository()
	reportID := uuid.New()

	if _, err := repo.Upsert(t.Context(), &ExtractedMetric{
		ReportID: reportID, Code: "TEAMWORK", Value: 8, Source: constants.SourceManual,
	}, false); err != nil {
		t.Fatalf("manual upsert: %v", err)
	}

	written, err := repo.Upsert(t.Context(), &ExtractedMetric{
		ReportID: reportID, Code: "TEAMWORK", Value: 3,
		Source: constants.SourceRemote, Confidence: confOf(0.7),
	}, false)
	if err != nil {
		t.Fatalf("automated upsert: %v", err)
	}
	if written {
		t.Fatal("automated write over MANUAL should be blocked")
	}

	written, err = repo.Upsert(t.Context(), &ExtractedMetric{
		ReportID: reportID, Code: "TEAMWORK", Value: 3,
		Source: constants.SourceRemote, Confidence: confOf(0.7),
	}, true)
	if err != nil || !written {
		t.Fatalf("forced upsert: written=%v err=%v", written, err)
	}
}

func TestMemoryJobSingleRunning(t *testing.T) {
	repo := NewMemoryJobRepository()
	reportID := uuid.New()

	job, err := repo.Start(t.Context(), reportID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := repo.Start(t.Context(), reportID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	if err := repo.Finish(t.Context(), job.ID, constants.JobStatusCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := repo.Start(t.Context(), reportID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	latest, err := repo.LatestByReport(t.Context(), reportID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Status != constants.JobStatusRunning {
		t.Errorf("latest status = %s, want the new RUNNING job", latest.Status)
	}
}

func TestMemoryJobSubmitPromote(t *testing.T) {
	repo := NewMemoryJobRepository()
	reportID := uuid.New()

	queued, err := repo.Submit(t.Context(), reportID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued.Status != constants.JobStatusPending {
		t.Fatalf("status = %s, want PENDING", queued.Status)
	}
	if _, err := repo.Submit(t.Context(), reportID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second submit: %v", err)
	}

	started, err := repo.Start(t.Context(), reportID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.ID != queued.ID || started.Status != constants.JobStatusRunning {
		t.Fatalf("start = %s/%s, want promoted %s", started.ID, started.Status, queued.ID)
	}

	if err := repo.Finish(t.Context(), started.ID, constants.JobStatusDegraded, "x"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := repo.Submit(t.Context(), reportID); err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
}

func TestMemoryFlagsClear(t *testing.T) {
	repo := NewMemoryFlagRepository()
	reportID := uuid.New()

	if err := repo.Replace(t.Context(), reportID, []ReviewFlag{
		{Code: "A", Reason: "x"}, {Code: "B", Reason: "y"},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := repo.Clear(t.Context(), reportID, "A"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := repo.ListByReport(t.Context(), reportID)
	if len(got) != 1 || got[0].Code != "B" {
		t.Fatalf("flags = %+v, want single B", got)
	}
}

func TestMemoryImageIsolation(t *testing.T) {
	repo := NewMemoryImageRepository()
	reportID := uuid.New()
	content := []byte{1, 2, 3}

	if err := repo.Add(t.Context(), &DocumentImage{
		ReportID: reportID, Kind: constants.ImageKindTable, Content: content,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	content[0] = 99 // caller mutation must not reach the store

	got, _ := repo.ListByReport(t.Context(), reportID)
	if got[0].Content[0] != 1 {
		t.Error("stored content aliases the caller's slice")
	}
}
