package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning is returned by JobRepository.Start when the report
	// already has a live job. Submissions are rejected, never queued twice.
	ErrAlreadyRunning = errors.New("extraction already running for report")
)

// DocumentImage is one raster image extracted from an uploaded report
// document. Immutable once stored.
type DocumentImage struct {
	ID        uuid.UUID
	ReportID  uuid.UUID
	Kind      constants.ImageKind
	PageIndex int
	Content   []byte
	SHA256    string // hex digest of Content, filled on store
	CreatedAt time.Time
}

// ExtractedMetric is the durable extraction result, unique per
// (report, metric code). Automated writes supersede earlier automated
// values; MANUAL is authoritative.
type ExtractedMetric struct {
	ReportID   uuid.UUID
	Code       string
	Value      float64
	Source     constants.MetricSource
	Confidence *float32 // nil for MANUAL
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReportJob is one run of the extraction state machine for a report.
type ReportJob struct {
	ID           uuid.UUID
	ReportID     uuid.UUID
	Status       constants.JobStatus
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// ReviewFlag marks one metric of a report for manual confirmation.
type ReviewFlag struct {
	ReportID  uuid.UUID
	Code      string
	Reason    string
	CreatedAt time.Time
}
