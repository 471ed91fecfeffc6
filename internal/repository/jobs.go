package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akovalyov/chartscan/constants"
)

type jobRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewJobRepository(db *sql.DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

// isUniqueViolation recognizes the partial-index conflict on both drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// Submit records a PENDING job so the report's status is visible while the
// task waits in the queue. The partial unique index ux_report_job_live
// rejects a second live job for the same report even across processes.
func (r *jobRepo) Submit(ctx context.Context, reportID uuid.UUID) (*ReportJob, error) {
	job := &ReportJob{
		ID:        uuid.New(),
		ReportID:  reportID,
		Status:    constants.JobStatusPending,
		StartedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO report_job (id, report_id, status, error_message, started_at)
		VALUES ($1, $2, $3, '', $4)`,
		job.ID.String(), reportID.String(), string(job.Status), job.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.log.Warn("extraction already submitted", "report_id", reportID)
			return nil, ErrAlreadyRunning
		}
		r.log.Error("report_job insert failed", "report_id", reportID, "error", err)
		return nil, fmt.Errorf("submit job: %w", err)
	}
	r.log.Info("report_job submitted", "job_id", job.ID, "report_id", reportID)
	return job, nil
}

// Start promotes the report's queued PENDING job to RUNNING. Runs dispatched
// without Submit (drop-directory markers, CLI) get a RUNNING row directly;
// either way ux_report_job_live keeps the per-report job singular.
func (r *jobRepo) Start(ctx context.Context, reportID uuid.UUID) (*ReportJob, error) {
	job := &ReportJob{ReportID: reportID, Status: constants.JobStatusRunning}
	var id string
	err := r.db.QueryRowContext(ctx, `
		UPDATE report_job
		SET status = 'RUNNING'
		WHERE report_id = $1 AND status = 'PENDING'
		RETURNING id, started_at`,
		reportID.String(),
	).Scan(&id, &job.StartedAt)
	if err == nil {
		if job.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse job id: %w", err)
		}
		r.log.Info("report_job started", "job_id", job.ID, "report_id", reportID)
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.log.Error("report_job promote failed", "report_id", reportID, "error", err)
		return nil, fmt.Errorf("start job: %w", err)
	}

	job.ID = uuid.New()
	job.StartedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO report_job (id, report_id, status, error_message, started_at)
		VALUES ($1, $2, $3, '', $4)`,
		job.ID.String(), reportID.String(), string(job.Status), job.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.log.Warn("extraction already running", "report_id", reportID)
			return nil, ErrAlreadyRunning
		}
		r.log.Error("report_job insert failed", "report_id", reportID, "error", err)
		return nil, fmt.Errorf("start job: %w", err)
	}
	r.log.Info("report_job started", "job_id", job.ID, "report_id", reportID)
	return job, nil
}

func (r *jobRepo) Finish(ctx context.Context, jobID uuid.UUID, status constants.JobStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %q is not a terminal status", status)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE report_job
		SET status = $1, error_message = $2, finished_at = $3
		WHERE id = $4 AND status = 'RUNNING'`,
		string(status), errorMessage, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %s: %w", jobID, ErrNotFound)
	}
	r.log.Info("report_job finished", "job_id", jobID, "status", status)
	return nil
}

func (r *jobRepo) LatestByReport(ctx context.Context, reportID uuid.UUID) (*ReportJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, report_id, status, error_message, started_at, finished_at
		FROM report_job
		WHERE report_id = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		reportID.String(),
	)
	var (
		job         ReportJob
		id, rid, st string
		finished    sql.NullTime
	)
	err := row.Scan(&id, &rid, &st, &job.ErrorMessage, &job.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if job.ReportID, err = uuid.Parse(rid); err != nil {
		return nil, fmt.Errorf("parse report id: %w", err)
	}
	job.Status = constants.JobStatus(st)
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return &job, nil
}
