package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

// ImageRepository stores the embedded raster images supplied by the
// document unpacker.
type ImageRepository interface {
	Add(ctx context.Context, img *DocumentImage) error
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*DocumentImage, error)
}

// MetricRepository persists extracted metrics.
//
// Upsert is last-write-wins per (report, code) for automated sources; a
// stored MANUAL value blocks automated writes unless force is set. The
// boolean result reports whether the write landed.
type MetricRepository interface {
	Upsert(ctx context.Context, m *ExtractedMetric, force bool) (bool, error)
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*ExtractedMetric, error)
}

// JobRepository owns the per-report state machine rows. Submit records a
// PENDING job when a run is accepted; Start promotes it to RUNNING (or
// creates the RUNNING row for direct runs). At most one live job, PENDING
// or RUNNING, exists per report.
type JobRepository interface {
	Submit(ctx context.Context, reportID uuid.UUID) (*ReportJob, error)
	Start(ctx context.Context, reportID uuid.UUID) (*ReportJob, error)
	Finish(ctx context.Context, jobID uuid.UUID, status constants.JobStatus, errorMessage string) error
	LatestByReport(ctx context.Context, reportID uuid.UUID) (*ReportJob, error)
}

// FlagRepository tracks metrics awaiting manual review. A new extraction
// run replaces the report's flags wholesale; a manual correction clears
// the one flag it resolves.
type FlagRepository interface {
	Replace(ctx context.Context, reportID uuid.UUID, flags []ReviewFlag) error
	Clear(ctx context.Context, reportID uuid.UUID, code string) error
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*ReviewFlag, error)
}
