package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/akovalyov/chartscan/internal/repository"
)

// Service is a tiny façade over repositories that produces XLSX bytes for exports.
type Service struct {
	metrics repository.MetricRepository
	flags   repository.FlagRepository
	logger  *slog.Logger
}

func NewService(metrics repository.MetricRepository, flags repository.FlagRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{metrics: metrics, flags: flags, logger: logger}
}

// ExportMetricsXLSX returns an XLSX workbook (as bytes) with one row per
// extracted metric of the report, including provenance and review state.
func (s *Service) ExportMetricsXLSX(ctx context.Context, reportID uuid.UUID) ([]byte, error) {
	start := time.Now()

	metrics, err := s.metrics.ListByReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	flags, err := s.flags.ListByReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	flagged := make(map[string]string, len(flags))
	for _, f := range flags {
		flagged[f.Code] = f.Reason
	}

	f := excelize.NewFile()
	const sheet = "Metrics"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Metric Code",
		"Score",
		"Source",
		"Confidence",
		"Needs Review",
		"Review Reason",
		"Updated At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, m := range metrics {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, m.Code)
		write(2, m.Value)
		write(3, string(m.Source))

		if m.Confidence != nil {
			write(4, fmt.Sprintf("%.2f", *m.Confidence))
		} else {
			write(4, "")
		}

		reason, needsReview := flagged[m.Code]
		if needsReview {
			write(5, "yes")
			write(6, reason)
		} else {
			write(5, "no")
			write(6, "")
		}

		write(7, m.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
		row++
	}

	// Metrics with a flag but no stored value still surface in the export.
	for _, fl := range flags {
		found := false
		for _, m := range metrics {
			if m.Code == fl.Code {
				found = true
				break
			}
		}
		if found {
			continue
		}
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, fl.Code)
		write(5, "yes")
		write(6, fl.Reason)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 26) // code
	_ = f.SetColWidth(sheet, "B", "D", 12) // score, source, confidence
	_ = f.SetColWidth(sheet, "E", "E", 14) // needs review
	_ = f.SetColWidth(sheet, "F", "F", 32) // reason
	_ = f.SetColWidth(sheet, "G", "G", 20) // timestamp

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"report_id", reportID.String(),
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
