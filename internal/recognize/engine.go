package recognize

import (
	"context"
	"image"
)

// Token is one recognized word with its pixel box and engine confidence.
// Tokens are ephemeral: they feed the normalizer and are never persisted.
type Token struct {
	Text       string
	Box        image.Rectangle
	Confidence float32 // 0.0 .. 1.0
}

// Engine runs the local recognition backend over one encoded image.
// Tests substitute a stub; production uses the Tesseract engine.
type Engine interface {
	Recognize(ctx context.Context, img []byte) ([]Token, error)
}
