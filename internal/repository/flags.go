package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type flagRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewFlagRepository(db *sql.DB, log *slog.Logger) FlagRepository {
	if log == nil {
		log = slog.Default()
	}
	return &flagRepo{db: db, log: log}
}

// Replace swaps the report's review flags for the given set atomically.
// Each extraction run produces the full picture of what needs review, so
// stale flags from earlier runs must not survive.
func (r *flagRepo) Replace(ctx context.Context, reportID uuid.UUID, flags []ReviewFlag) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace flags: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM review_flag WHERE report_id = $1`, reportID.String()); err != nil {
		return fmt.Errorf("clear flags: %w", err)
	}
	now := time.Now().UTC()
	for _, f := range flags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_flag (report_id, metric_code, reason, created_at)
			VALUES ($1, $2, $3, $4)`,
			reportID.String(), f.Code, f.Reason, now,
		); err != nil {
			return fmt.Errorf("insert flag %s: %w", f.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace flags: %w", err)
	}
	if len(flags) > 0 {
		r.log.Info("review flags replaced", "report_id", reportID, "count", len(flags))
	}
	return nil
}

// Clear removes the flag for a single metric, typically after a manual
// correction resolves it.
func (r *flagRepo) Clear(ctx context.Context, reportID uuid.UUID, code string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM review_flag WHERE report_id = $1 AND metric_code = $2`,
		reportID.String(), code,
	)
	if err != nil {
		return fmt.Errorf("clear flag: %w", err)
	}
	return nil
}

func (r *flagRepo) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*ReviewFlag, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT report_id, metric_code, reason, created_at
		FROM review_flag
		WHERE report_id = $1
		ORDER BY metric_code`,
		reportID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []*ReviewFlag
	for rows.Next() {
		var (
			f   ReviewFlag
			rid string
		)
		if err := rows.Scan(&rid, &f.Code, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		if f.ReportID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("parse report id: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
