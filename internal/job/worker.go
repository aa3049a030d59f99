package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/queue"
)

// Worker claims pending jobs and executes them one at a time.
type Worker struct {
	orch   *Orchestrator
	signal queue.Signal
	poll   time.Duration
	reap   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 500ms.
// A reapInterval <= 0 disables the stuck-job reaper for this worker.
func NewWorker(o *Orchestrator, pollInterval, reapInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		orch:   o,
		signal: o.signal,
		poll:   pollInterval,
		reap:   reapInterval,
		logger: o.logger,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var lastReap time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		if w.reap > 0 && time.Since(lastReap) >= w.reap {
			lastReap = time.Now()
			if n, err := w.orch.Reap(ctx); err != nil {
				w.logger.Error("reaping stuck jobs", log.Error(err))
			} else if n > 0 {
				w.logger.Warn("reaped stuck jobs", slog.Int("count", n))
			}
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", log.Error(err))
		}
		if done {
			continue
		}

		if _, err := w.signal.Wait(ctx, w.poll); err != nil && ctx.Err() == nil {
			w.logger.Warn("waiting for jobs", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
		}
	}
}

// RunOnce claims and executes a single pending job.
// Returns true if a job was processed, whatever its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.orch.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if j == nil {
		return false, nil
	}

	if err := w.orch.Execute(ctx, j); err != nil {
		return true, fmt.Errorf("executing job %s: %w", j.ID, err)
	}
	return true, nil
}
