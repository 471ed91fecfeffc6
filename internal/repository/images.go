package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

type imageRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewImageRepository(db *sql.DB, log *slog.Logger) ImageRepository {
	if log == nil {
		log = slog.Default()
	}
	return &imageRepo{db: db, log: log}
}

func (r *imageRepo) Add(ctx context.Context, img *DocumentImage) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if img.SHA256 == "" {
		sum := sha256.Sum256(img.Content)
		img.SHA256 = hex.EncodeToString(sum[:])
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_image (id, report_id, kind, page_index, content, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		img.ID.String(), img.ReportID.String(), string(img.Kind), img.PageIndex, img.Content, img.SHA256, img.CreatedAt,
	)
	if err != nil {
		r.log.Error("document_image insert failed", "report_id", img.ReportID, "error", err)
		return fmt.Errorf("insert document image: %w", err)
	}
	r.log.Info("document_image stored",
		"image_id", img.ID, "report_id", img.ReportID,
		"kind", img.Kind, "page_index", img.PageIndex, "bytes", len(img.Content),
	)
	return nil
}

func (r *imageRepo) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*DocumentImage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, report_id, kind, page_index, content, sha256, created_at
		FROM document_image
		WHERE report_id = $1
		ORDER BY page_index`,
		reportID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list document images: %w", err)
	}
	defer rows.Close()

	var out []*DocumentImage
	for rows.Next() {
		var (
			img          DocumentImage
			id, rid, knd string
		)
		if err := rows.Scan(&id, &rid, &knd, &img.PageIndex, &img.Content, &img.SHA256, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document image: %w", err)
		}
		if img.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse image id: %w", err)
		}
		if img.ReportID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("parse report id: %w", err)
		}
		img.Kind = constants.ImageKind(knd)
		out = append(out, &img)
	}
	return out, rows.Err()
}
