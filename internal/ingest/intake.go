package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
	"github.com/akovalyov/chartscan/internal/async"
	"github.com/akovalyov/chartscan/internal/repository"
)

// Intake stores images dropped into the watched directory and queues
// extraction runs. File names carry the routing metadata:
//
//	<report-uuid>_<kind>_<page>.png   e.g. 2f9c..._chart_0.png
//
// The page suffix is optional and defaults to 0. Once a report's images are
// in place, dropping <report-uuid>.extract triggers the run.
type Enqueuer interface {
	Enqueue(ctx context.Context, task async.Task) error
}

type Intake struct {
	images repository.ImageRepository
	queue  Enqueuer
	log    *slog.Logger
}

func NewIntake(images repository.ImageRepository, queue Enqueuer, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{images: images, queue: queue, log: logger}
}

// Run consumes watcher events until the channel closes or ctx is cancelled.
func (in *Intake) Run(ctx context.Context, paths <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-paths:
			if !ok {
				return
			}
			if err := in.HandlePath(ctx, path); err != nil {
				in.log.Warn("ingest.file_skipped", "path", path, "error", err)
			}
		}
	}
}

// HandlePath ingests one dropped file.
func (in *Intake) HandlePath(ctx context.Context, path string) error {
	name := filepath.Base(path)

	if strings.HasSuffix(name, ".extract") {
		reportID, err := uuid.Parse(strings.TrimSuffix(name, ".extract"))
		if err != nil {
			return fmt.Errorf("extract marker %q: %w", name, err)
		}
		return in.queue.Enqueue(ctx, async.Task{ReportID: reportID})
	}

	reportID, kind, page, err := ParseImageName(name)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	img := &repository.DocumentImage{
		ReportID:  reportID,
		Kind:      kind,
		PageIndex: page,
		Content:   content,
	}
	if err := in.images.Add(ctx, img); err != nil {
		return err
	}
	in.log.Info("ingest.image_stored",
		"path", path, "report_id", reportID, "kind", kind, "page_index", page)
	return nil
}

// ParseImageName splits "<report-uuid>_<kind>[_<page>].<ext>" into its parts.
func ParseImageName(name string) (uuid.UUID, constants.ImageKind, int, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "_")
	if len(parts) < 2 || len(parts) > 3 {
		return uuid.Nil, "", 0, fmt.Errorf("file name %q: want <report-uuid>_<kind>[_<page>]", name)
	}

	reportID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", 0, fmt.Errorf("file name %q: bad report id: %w", name, err)
	}

	kind := constants.ImageKind(strings.ToUpper(parts[1]))
	switch kind {
	case constants.ImageKindTable, constants.ImageKindChart, constants.ImageKindOther:
	default:
		return uuid.Nil, "", 0, fmt.Errorf("file name %q: unknown kind %q", name, parts[1])
	}

	page := 0
	if len(parts) == 3 {
		page, err = strconv.Atoi(parts[2])
		if err != nil || page < 0 {
			return uuid.Nil, "", 0, fmt.Errorf("file name %q: bad page index %q", name, parts[2])
		}
	}
	return reportID, kind, page, nil
}
