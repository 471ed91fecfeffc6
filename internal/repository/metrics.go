package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

type metricRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewMetricRepository(db *sql.DB, log *slog.Logger) MetricRepository {
	if log == nil {
		log = slog.Default()
	}
	return &metricRepo{db: db, log: log}
}

// validateMetric is the storage-boundary defense: no value outside the
// score scale and no out-of-range confidence ever lands in the table,
// regardless of what upstream filtering allowed through.
func validateMetric(m *ExtractedMetric) error {
	if m.Code == "" {
		return fmt.Errorf("metric code is empty")
	}
	if m.Value < constants.ScoreMin || m.Value > constants.ScoreMax {
		return fmt.Errorf("metric %s value %v outside [%v, %v]",
			m.Code, m.Value, constants.ScoreMin, constants.ScoreMax)
	}
	switch m.Source {
	case constants.SourceManual:
		if m.Confidence != nil {
			return fmt.Errorf("metric %s: MANUAL values carry no confidence", m.Code)
		}
	case constants.SourceLocal, constants.SourceRemote:
		if m.Confidence == nil {
			return fmt.Errorf("metric %s: %s values require a confidence", m.Code, m.Source)
		}
		if c := *m.Confidence; c < 0 || c > 1 {
			return fmt.Errorf("metric %s confidence %v outside [0, 1]", m.Code, c)
		}
	default:
		return fmt.Errorf("metric %s: unknown source %q", m.Code, m.Source)
	}
	return nil
}

func (r *metricRepo) Upsert(ctx context.Context, m *ExtractedMetric, force bool) (bool, error) {
	if err := validateMetric(m); err != nil {
		return false, err
	}
	now := time.Now().UTC()

	// A stored MANUAL value blocks automated writes unless forced.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO extracted_metric (report_id, metric_code, value, source, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (report_id, metric_code) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
		WHERE extracted_metric.source <> 'MANUAL'
		   OR excluded.source = 'MANUAL'
		   OR $7`,
		m.ReportID.String(), m.Code, m.Value, string(m.Source), m.Confidence, now, force,
	)
	if err != nil {
		r.log.Error("extracted_metric upsert failed", "report_id", m.ReportID, "code", m.Code, "error", err)
		return false, fmt.Errorf("upsert metric: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	written := n > 0
	if !written {
		r.log.Info("automated write blocked by manual value", "report_id", m.ReportID, "code", m.Code)
	}
	return written, nil
}

func (r *metricRepo) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*ExtractedMetric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT report_id, metric_code, value, source, confidence, created_at, updated_at
		FROM extracted_metric
		WHERE report_id = $1
		ORDER BY metric_code`,
		reportID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []*ExtractedMetric
	for rows.Next() {
		var (
			m          ExtractedMetric
			rid, src   string
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&rid, &m.Code, &m.Value, &src, &confidence, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if m.ReportID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("parse report id: %w", err)
		}
		m.Source = constants.MetricSource(src)
		if confidence.Valid {
			c := float32(confidence.Float64)
			m.Confidence = &c
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
