package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/akovalyov/chartscan/internal/imaging"
	"github.com/akovalyov/chartscan/internal/normalize"
)

// Reading is one recognized (label, score) pair from a single row of a
// table or chart image.
type Reading struct {
	ROIIndex int
	Label    string
	Score    Token
}

// Adapter drives the preprocessor and the local engine over one document
// image and emits per-row readings.
type Adapter struct {
	pre    *imaging.Preprocessor
	engine Engine
	log    *slog.Logger
}

func NewAdapter(pre *imaging.Preprocessor, engine Engine, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if pre == nil {
		pre = imaging.NewPreprocessor()
	}
	return &Adapter{pre: pre, engine: engine, log: logger}
}

// ReadTable recognizes a table-like image in one pass and groups tokens
// into label/score rows.
func (a *Adapter) ReadTable(ctx context.Context, data []byte) ([]Reading, error) {
	g, err := a.pre.Run(data)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	png, err := imaging.EncodePNG(g)
	if err != nil {
		return nil, err
	}
	tokens, err := a.engine.Recognize(ctx, png)
	if err != nil {
		return nil, fmt.Errorf("recognize table: %w", err)
	}

	rows := GroupRows(tokens)
	readings := make([]Reading, 0, len(rows))
	for i, row := range rows {
		readings = append(readings, Reading{ROIIndex: i, Label: row.Label, Score: row.Score})
	}
	a.log.Debug("table recognized", "tokens", len(tokens), "rows", len(readings))
	return readings, nil
}

// ReadChart slices a bar-chart image into per-row ROIs and recognizes each
// one independently. When several numeric tokens land in one ROI, only the
// highest-confidence token is kept.
func (a *Adapter) ReadChart(ctx context.Context, data []byte) ([]Reading, error) {
	g, err := a.pre.Run(data)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	rois := imaging.SliceRows(g)
	a.log.Debug("chart sliced", "rois", len(rois))

	var readings []Reading
	for _, roi := range rois {
		png, err := imaging.EncodePNG(roi.Image)
		if err != nil {
			return nil, err
		}
		tokens, err := a.engine.Recognize(ctx, png)
		if err != nil {
			return nil, fmt.Errorf("recognize roi %d: %w", roi.Index, err)
		}
		score, ok := BestScore(tokens)
		if !ok {
			continue
		}
		readings = append(readings, Reading{
			ROIIndex: roi.Index,
			Label:    labelText(tokens),
			Score:    score,
		})
	}
	return readings, nil
}

func labelText(tokens []Token) string {
	var parts []string
	for _, t := range tokens {
		if normalize.IsScoreToken(t.Text) {
			continue
		}
		if text := strings.TrimSpace(t.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
