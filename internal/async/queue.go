package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/constants"
)

// Task is one extraction request waiting for a worker.
type Task struct {
	ReportID uuid.UUID
	Force    bool
}

// Runner executes one extraction run end to end.
type Runner interface {
	Run(ctx context.Context, reportID uuid.UUID, force bool) (constants.JobStatus, error)
}

// JobQueue fans extraction tasks out to a fixed worker pool. Enqueue blocks
// when the buffer is full; Shutdown drains in-flight work.
type JobQueue struct {
	runner  Runner
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*JobQueue)

func WithWorkers(n int) Option {
	return func(q *JobQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *JobQueue) {
		if n > 0 {
			q.ch = make(chan Task, n)
		}
	}
}
func WithRunTimeout(d time.Duration) Option {
	return func(q *JobQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewJobQueue(runner Runner, logger *slog.Logger, opts ...Option) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &JobQueue{
		runner:  runner,
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
		ch:      make(chan Task, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *JobQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for task := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					status, err := q.runner.Run(ctx, task.ReportID, task.Force)
					cancel()

					if err != nil {
						q.logger.Error("extraction run failed", "worker_id", workerID, "report_id", task.ReportID, "error", err)
					} else {
						q.logger.Info("extraction run finished", "worker_id", workerID, "report_id", task.ReportID, "status", status)
					}
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *JobQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "report_id", task.ReportID)
		return nil
	}
	select {
	case q.ch <- task:
		q.logger.Info("queued report for extraction", "report_id", task.ReportID, "force", task.Force)
	default:
		q.logger.Warn("queue full, applying backpressure", "report_id", task.ReportID)
		q.ch <- task
	}
	return nil
}

func (q *JobQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
