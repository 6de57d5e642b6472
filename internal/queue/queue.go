// Package queue runs download jobs asynchronously on a small worker pool,
// persisting their lifecycle so callers can poll across restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bookdash/bookdash/internal/status"
)

const pendingDepth = 128

var (
	// ErrQueueClosed is returned when submitting to a stopped queue
	ErrQueueClosed = errors.New("queue is not running")

	// ErrQueueFull is returned when the pending backlog is at capacity
	ErrQueueFull = errors.New("queue is full")
)

// Store is the persistence the queue needs; satisfied by
// repository.BboltRepository.
type Store interface {
	Save(job *Job) error
	Find(id uuid.UUID) (*Job, error)
	FindAll() ([]*Job, error)
	Delete(id uuid.UUID) error
}

// Runner executes one job and returns the final library path. The queue is
// otherwise unaware of what running a job means.
type Runner func(ctx context.Context, job Job) (string, error)

// Queue is a persistent FIFO job queue with a fixed worker pool.
type Queue struct {
	store Store
	run   Runner

	mu      sync.Mutex
	running bool
	pending chan uuid.UUID

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a stopped queue over the given store and runner.
func New(store Store, run Runner) *Queue {
	return &Queue{
		store: store,
		run:   run,
	}
}

// Start recovers interrupted jobs and launches the worker pool.
func (q *Queue) Start(workers int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	if err := q.recover(); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	q.pending = make(chan uuid.UUID, pendingDepth)
	q.cancel = cancel
	q.group = g
	q.running = true

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}

	slog.Info("job queue started", "workers", workers)

	return nil
}

// Stop cancels the workers and waits for them to drain. In-flight jobs run
// to completion; pending ones stay queued in the store and are failed on
// the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, group := q.cancel, q.group
	q.mu.Unlock()

	cancel()
	group.Wait()
	slog.Info("job queue stopped")
}

// Submit enqueues a download request and returns its job ID.
func (q *Queue) Submit(resultID, bot, targetFolder string) (uuid.UUID, error) {
	job := &Job{
		ID:           uuid.New(),
		ResultID:     resultID,
		Bot:          bot,
		TargetFolder: targetFolder,
		Status:       status.Queued,
		EnqueuedAt:   time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return uuid.Nil, ErrQueueClosed
	}

	if err := q.store.Save(job); err != nil {
		return uuid.Nil, err
	}

	select {
	case q.pending <- job.ID:
	default:
		if err := q.store.Delete(job.ID); err != nil {
			slog.Error("rollback of unqueued job failed", "job", job.ID, "error", err)
		}
		return uuid.Nil, ErrQueueFull
	}

	slog.Info("job queued", "job", job.ID, "result", resultID, "bot", bot)

	return job.ID, nil
}

// Poll returns the stored state of a job.
func (q *Queue) Poll(id uuid.UUID) (*Job, error) {
	return q.store.Find(id)
}

// Jobs returns every stored job.
func (q *Queue) Jobs() ([]*Job, error) {
	return q.store.FindAll()
}

// recover fails any job a previous process left unfinished.
func (q *Queue) recover() error {
	jobs, err := q.store.FindAll()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}

		now := time.Now().UTC()
		job.Status = status.Failed
		job.Error = "interrupted by restart"
		job.EndedAt = &now

		if err := q.store.Save(job); err != nil {
			return err
		}
		slog.Warn("unfinished job failed on recovery", "job", job.ID)
	}

	return nil
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			q.execute(ctx, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, id uuid.UUID) {
	job, err := q.store.Find(id)
	if err != nil {
		slog.Error("queued job missing from store", "job", id, "error", err)
		return
	}

	now := time.Now().UTC()
	job.Status = status.Started
	job.StartedAt = &now
	if err := q.store.Save(job); err != nil {
		slog.Error("job state not persisted", "job", id, "error", err)
	}

	slog.Info("job started", "job", id, "result", job.ResultID)

	path, runErr := q.run(ctx, *job)

	ended := time.Now().UTC()
	job.EndedAt = &ended
	if runErr != nil {
		job.Status = status.Failed
		job.Error = runErr.Error()
		slog.Error("job failed", "job", id, "error", runErr)
	} else {
		job.Status = status.Finished
		job.ResultPath = path
		slog.Info("job finished", "job", id, "path", path)
	}

	if err := q.store.Save(job); err != nil {
		slog.Error("job state not persisted", "job", id, "error", err)
	}
}
