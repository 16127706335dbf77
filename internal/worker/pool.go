// Package worker runs the engine's small pool of background workers:
// each pulls claimed PendingQueue tasks and calls into the
// Keeper's task dispatch, acking on success and nacking (requeue-with-
// backoff, or dead-letter past max_attempts) on failure. There is no
// single event loop — suspension happens inside the provider call or the
// queue/store I/O a claimed task makes, never inside the pool's own loop.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// Queue is the subset of *queue.Queue a Pool needs.
type Queue interface {
	Claim(claimID string, limit int) ([]types.PendingTask, error)
	Ack(taskID string) error
	Nack(taskID, errMsg string) (deadLettered bool, err error)
}

// Processor executes one claimed task. Implemented by *keeper.Keeper.
type Processor interface {
	ProcessTask(ctx context.Context, t types.PendingTask) error
	MarkError(docID string, kind apperr.Kind, message string) error
	ClearError(docID string) error
}

// Config tunes the pool's claim cadence and concurrency.
type Config struct {
	Concurrency  int           // number of claim-loop goroutines
	ClaimBatch   int           // tasks claimed per poll, per goroutine
	PollInterval time.Duration // sleep between polls when the queue is empty
}

// DefaultConfig mirrors the original's modest worker count for a
// single-process deployment — there is no need for more parallelism than
// the number of provider calls a caller is willing to have in flight at
// once.
func DefaultConfig() Config {
	return Config{Concurrency: 4, ClaimBatch: 4, PollInterval: 2 * time.Second}
}

// Pool is a claim-loop worker pool over a PendingQueue.
type Pool struct {
	queue     Queue
	processor Processor
	cfg       Config
	log       *slog.Logger
}

// New constructs a Pool. cfg zero-values fall back to DefaultConfig.
func New(q Queue, processor Processor, cfg Config, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = DefaultConfig().ClaimBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: q, processor: processor, cfg: cfg, log: log}
}

// Run starts cfg.Concurrency claim loops and blocks until ctx is
// cancelled. Each loop has its own claim identity so Queue.Claim's
// per-doc-serialization never hands the same doc to two loops at once.
func (p *Pool) Run(ctx context.Context) error {
	done := make(chan struct{}, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		go func(n int) {
			p.loop(ctx, n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		<-done
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, n int) {
	claimID := uuid.NewString()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := p.queue.Claim(claimID, p.cfg.ClaimBatch)
		if err != nil {
			p.log.Error("worker: claim failed", slog.Int("worker", n), slog.String("error", err.Error()))
			tasks = nil
		}

		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		for _, t := range tasks {
			p.runOne(ctx, t)
		}
	}
}

// runOne processes a single claimed task and resolves its outcome against
// the queue: Ack on success, Nack on failure (which itself decides retry
// vs. dead-letter based on attempts). A non-retryable error is still
// passed through Nack rather than Ack'd — Nack dead-letters once attempts
// are exhausted regardless of kind, so the pool never has to special-case
// kinds itself.
func (p *Pool) runOne(ctx context.Context, t types.PendingTask) {
	err := p.processor.ProcessTask(ctx, t)
	if err == nil {
		if ackErr := p.queue.Ack(t.ID); ackErr != nil {
			p.log.Error("worker: ack failed", slog.String("task_id", t.ID), slog.String("error", ackErr.Error()))
		}
		if clearErr := p.processor.ClearError(t.DocID); clearErr != nil {
			p.log.Warn("worker: clear error tag failed", slog.String("doc_id", t.DocID), slog.String("error", clearErr.Error()))
		}
		return
	}

	p.log.Warn("worker: task failed",
		slog.String("task_id", t.ID), slog.String("doc_id", t.DocID),
		slog.String("kind", string(t.Kind)), slog.Bool("retryable", apperr.Retryable(err)),
		slog.String("error", err.Error()))

	deadLettered, nackErr := p.queue.Nack(t.ID, err.Error())
	if nackErr != nil {
		p.log.Error("worker: nack failed", slog.String("task_id", t.ID), slog.String("error", nackErr.Error()))
		return
	}
	if deadLettered {
		p.log.Error("worker: task dead-lettered", slog.String("task_id", t.ID), slog.String("doc_id", t.DocID), slog.String("kind", string(t.Kind)))
		kind, _ := apperr.KindOf(err)
		if markErr := p.processor.MarkError(t.DocID, kind, err.Error()); markErr != nil {
			p.log.Error("worker: mark error tag failed", slog.String("doc_id", t.DocID), slog.String("error", markErr.Error()))
		}
	}
}
