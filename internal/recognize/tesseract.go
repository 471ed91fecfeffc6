package recognize

import (
	"context"
	"fmt"
	"image"

	"github.com/otiai10/gosseract/v2"

	"github.com/akovalyov/chartscan/internal/common"
)

// TesseractEngine implements Engine with the gosseract client. A fresh
// client per call keeps the engine goroutine-safe; the recognize worker
// pool bounds the process-wide concurrency.
type TesseractEngine struct {
	clientFactory func() *gosseract.Client
	tessdataDir   string
	languages     []string
}

// NewTesseractEngine constructs the Tesseract-backed engine.
func NewTesseractEngine(cfg common.RecognizeConfig) *TesseractEngine {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &TesseractEngine{
		clientFactory: gosseract.NewClient,
		tessdataDir:   cfg.TessdataDir,
		languages:     langs,
	}
}

// Recognize OCRs one encoded image and returns word tokens with boxes and
// confidences.
func (e *TesseractEngine) Recognize(ctx context.Context, img []byte) ([]Token, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c := e.clientFactory()
	defer c.Close()

	if e.tessdataDir != "" {
		if err := c.SetTessdataPrefix(e.tessdataDir); err != nil {
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(e.languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("bounding boxes: %w", err)
	}

	tokens := make([]Token, 0, len(boxes))
	for _, b := range boxes {
		if b.Word == "" {
			continue
		}
		tokens = append(tokens, Token{
			Text:       b.Word,
			Box:        image.Rect(b.Box.Min.X, b.Box.Min.Y, b.Box.Max.X, b.Box.Max.Y),
			Confidence: float32(b.Confidence / 100.0),
		})
	}
	return tokens, nil
}
