package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
)

// claimWait bounds each blocking Claim so slots notice shutdown promptly.
const claimWait = 5 * time.Second

// Pool runs N claim loops against the queue plus a reaper that recovers
// expired task leases and times out stalled jobs.
type Pool struct {
	runner       *Runner
	queue        queue.Queue
	store        store.Store
	slots        int
	reapInterval time.Duration
	stallTimeout time.Duration
	logger       *slog.Logger
}

func NewPool(runner *Runner, q queue.Queue, st store.Store, slots int, reapInterval, stallTimeout time.Duration, logger *slog.Logger) *Pool {
	if slots < 1 {
		slots = 1
	}
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runner:       runner,
		queue:        q,
		store:        st,
		slots:        slots,
		reapInterval: reapInterval,
		stallTimeout: stallTimeout,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks to
// settle.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for slot := 0; slot < p.slots; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.claimLoop(ctx, slot)
		}(slot)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	p.logger.Info("worker pool started", "slots", p.slots)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) claimLoop(ctx context.Context, slot int) {
	logger := p.logger.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Claim(ctx, claimWait)
		if errors.Is(err, queue.ErrNoTask) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		logger.Info("task claimed", "job_id", task.JobID)
		p.runner.Process(ctx, task)
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := p.queue.Reap(ctx); err != nil {
			p.logger.Error("queue reap failed", "error", err)
		} else if n > 0 {
			p.logger.Info("requeued expired task leases", "count", n)
		}

		if n, err := p.store.ReapStalled(ctx, p.stallTimeout); err != nil {
			p.logger.Error("stall reap failed", "error", err)
		} else if n > 0 {
			p.logger.Warn("timed out stalled jobs", "count", n)
		}
	}
}
