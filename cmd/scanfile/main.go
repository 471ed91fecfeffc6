package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/akovalyov/chartscan/internal/common"
	"github.com/akovalyov/chartscan/internal/normalize"
	"github.com/akovalyov/chartscan/internal/recognize"
)

// scanfile runs local recognition over a single image file and prints the
// recognized metrics. No database or remote model involved; useful for
// tuning preprocessing and the label map against real report pages.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	kind := flag.String("kind", "chart", "image kind: table or chart")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: scanfile [-kind table|chart] <image-file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file, using process environment")
	}
	cfg := common.LoadConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read image", "path", path, "error", err)
		os.Exit(1)
	}

	labels, err := normalize.LoadLabelMap(cfg.Extraction.LabelMapPath, logger)
	if err != nil {
		logger.Error("load label map", "error", err)
		os.Exit(1)
	}

	engine := recognize.NewTesseractEngine(cfg.Recognize)
	adapter := recognize.NewAdapter(nil, engine, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	var readings []recognize.Reading
	switch *kind {
	case "table":
		readings, err = adapter.ReadTable(ctx, data)
	case "chart":
		readings, err = adapter.ReadChart(ctx, data)
	default:
		fmt.Fprintf(os.Stderr, "unknown kind %q\n", *kind)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("recognition failed", "path", path, "error", err)
		os.Exit(1)
	}

	for _, r := range readings {
		value, perr := normalize.ParseScore(r.Score.Text)
		if perr != nil {
			logger.Warn("score token rejected", "roi", r.ROIIndex, "token", r.Score.Text)
			continue
		}
		code, ok := labels.Canonicalize(r.Label)
		if !ok {
			code = "?"
		}
		fmt.Printf("roi=%d  label=%-30q code=%-22s score=%.1f conf=%.2f\n",
			r.ROIIndex, r.Label, code, value, r.Score.Confidence)
	}
	logger.Info("scan complete",
		"path", path, "kind", *kind,
		"rows", len(readings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}
