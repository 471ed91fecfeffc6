package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

// In-memory repositories backing tests and the offline CLI. They honor the
// same semantics as the SQL implementations: MANUAL precedence on Upsert,
// at most one RUNNING job per report, wholesale flag replacement.

type MemoryImageRepository struct {
	mu     sync.RWMutex
	images map[uuid.UUID][]*DocumentImage
}

func NewMemoryImageRepository() *MemoryImageRepository {
	return &MemoryImageRepository{images: make(map[uuid.UUID][]*DocumentImage)}
}

func (r *MemoryImageRepository) Add(_ context.Context, img *DocumentImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
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
	cp := *img
	cp.Content = append([]byte(nil), img.Content...)
	r.images[img.ReportID] = append(r.images[img.ReportID], &cp)
	return nil
}

func (r *MemoryImageRepository) ListByReport(_ context.Context, reportID uuid.UUID) ([]*DocumentImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DocumentImage, len(r.images[reportID]))
	copy(out, r.images[reportID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].PageIndex < out[j].PageIndex })
	return out, nil
}

type metricKey struct {
	report uuid.UUID
	code   string
}

type MemoryMetricRepository struct {
	mu      sync.RWMutex
	metrics map[metricKey]*ExtractedMetric
}

func NewMemoryMetricRepository() *MemoryMetricRepository {
	return &MemoryMetricRepository{metrics: make(map[metricKey]*ExtractedMetric)}
}

func (r *MemoryMetricRepository) Upsert(_ context.Context, m *ExtractedMetric, force bool) (bool, error) {
	if err := validateMetric(m); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metricKey{report: m.ReportID, code: m.Code}
	now := time.Now().UTC()
	if cur, ok := r.metrics[key]; ok {
		if cur.Source == constants.SourceManual && m.Source.Automated() && !force {
			return false, nil
		}
		cp := *m
		cp.CreatedAt = cur.CreatedAt
		cp.UpdatedAt = now
		r.metrics[key] = &cp
		return true, nil
	}
	cp := *m
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.metrics[key] = &cp
	return true, nil
}

func (r *MemoryMetricRepository) ListByReport(_ context.Context, reportID uuid.UUID) ([]*ExtractedMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ExtractedMetric
	for key, m := range r.metrics {
		if key.report == reportID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs []*ReportJob
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{}
}

func (r *MemoryJobRepository) Submit(_ context.Context, reportID uuid.UUID) (*ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live(reportID) != nil {
		return nil, ErrAlreadyRunning
	}
	job := &ReportJob{
		ID:        uuid.New(),
		ReportID:  reportID,
		Status:    constants.JobStatusPending,
		StartedAt: time.Now().UTC(),
	}
	r.jobs = append(r.jobs, job)
	cp := *job
	return &cp, nil
}

func (r *MemoryJobRepository) Start(_ context.Context, reportID uuid.UUID) (*ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j := r.live(reportID); j != nil {
		if j.Status != constants.JobStatusPending {
			return nil, ErrAlreadyRunning
		}
		j.Status = constants.JobStatusRunning
		cp := *j
		return &cp, nil
	}
	job := &ReportJob{
		ID:        uuid.New(),
		ReportID:  reportID,
		Status:    constants.JobStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	r.jobs = append(r.jobs, job)
	cp := *job
	return &cp, nil
}

// live returns the report's PENDING or RUNNING job, if any. Caller holds mu.
func (r *MemoryJobRepository) live(reportID uuid.UUID) *ReportJob {
	for _, j := range r.jobs {
		if j.ReportID == reportID && !j.Status.Terminal() {
			return j
		}
	}
	return nil
}

func (r *MemoryJobRepository) Finish(_ context.Context, jobID uuid.UUID, status constants.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == jobID && j.Status == constants.JobStatusRunning {
			now := time.Now().UTC()
			j.Status = status
			j.ErrorMessage = errorMessage
			j.FinishedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryJobRepository) LatestByReport(_ context.Context, reportID uuid.UUID) (*ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *ReportJob
	for _, j := range r.jobs {
		if j.ReportID != reportID {
			continue
		}
		if latest == nil || j.StartedAt.After(latest.StartedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type MemoryFlagRepository struct {
	mu    sync.RWMutex
	flags map[uuid.UUID][]ReviewFlag
}

func NewMemoryFlagRepository() *MemoryFlagRepository {
	return &MemoryFlagRepository{flags: make(map[uuid.UUID][]ReviewFlag)}
}

func (r *MemoryFlagRepository) Replace(_ context.Context, reportID uuid.UUID, flags []ReviewFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	cp := make([]ReviewFlag, len(flags))
	for i, f := range flags {
		f.ReportID = reportID
		f.CreatedAt = now
		cp[i] = f
	}
	r.flags[reportID] = cp
	return nil
}

func (r *MemoryFlagRepository) Clear(_ context.Context, reportID uuid.UUID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.flags[reportID][:0]
	for _, f := range r.flags[reportID] {
		if f.Code != code {
			kept = append(kept, f)
		}
	}
	r.flags[reportID] = kept
	return nil
}

func (r *MemoryFlagRepository) ListByReport(_ context.Context, reportID uuid.UUID) ([]*ReviewFlag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ReviewFlag, 0, len(r.flags[reportID]))
	for i := range r.flags[reportID] {
		cp := r.flags[reportID][i]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
