package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. A nil return marks the job done; an
// error requeues the job for another attempt until the budget runs out,
// then marks it failed. Handlers must be no-ops when their precondition no
// longer holds; the worker never inspects agreement state itself.
type Handler func(ctx context.Context, job Job) error

// WorkerConfig bounds the worker pool.
type WorkerConfig struct {
	// PollInterval is how often due jobs are claimed. Default 1s.
	PollInterval time.Duration
	// ClaimBatch caps jobs claimed per poll. Default 32.
	ClaimBatch int
	// Limits caps in-flight handlers per job type. Types without an entry
	// get DefaultLimit.
	Limits       map[Type]int
	DefaultLimit int
	// StaleAfter is how long a running job may sit unclaimed-by-completion
	// before it is assumed orphaned by a crashed worker and requeued.
	// Default 5m.
	StaleAfter time.Duration
	// MaxAttempts bounds how many times a job whose handler errors is
	// tried before it is terminally failed. Self-scheduling chains depend
	// on this: losing a poll job to one transient error would strand its
	// agreement with no pending work. Default 5.
	MaxAttempts int
	// RetryBackoff scales the delay before a retry: attempt n waits
	// n*RetryBackoff. Default 30s.
	RetryBackoff time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		ClaimBatch:   32,
		Limits: map[Type]int{
			TypeInitialPoll: 8,
			TypeKeepAlive:   8,
			TypeExpire:      4,
		},
		DefaultLimit: 4,
		StaleAfter:   5 * time.Minute,
		MaxAttempts:  5,
		RetryBackoff: 30 * time.Second,
	}
}

// Worker drains the queue. It claims due jobs on a ticker and dispatches
// each to its registered handler under a per-type concurrency limit.
type Worker struct {
	queue    *Queue
	config   WorkerConfig
	handlers map[Type]Handler
	slots    map[Type]chan struct{}
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	loopDone chan struct{}
	group    *errgroup.Group
}

func NewWorker(queue *Queue, config WorkerConfig) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ClaimBatch <= 0 {
		config.ClaimBatch = 32
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 4
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 30 * time.Second
	}
	return &Worker{
		queue:    queue,
		config:   config,
		handlers: make(map[Type]Handler),
		slots:    make(map[Type]chan struct{}),
		now:      time.Now,
	}
}

// Register installs the handler for a job type. Must be called before Start.
func (w *Worker) Register(t Type, h Handler) {
	w.handlers[t] = h

	limit := w.config.DefaultLimit
	if l, ok := w.config.Limits[t]; ok && l > 0 {
		limit = l
	}
	w.slots[t] = make(chan struct{}, limit)
}

// Start launches the claim loop. It returns an error if already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("jobs: worker already running")
	}
	w.running = true
	w.done = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.group, _ = errgroup.WithContext(ctx)
	w.mu.Unlock()

	slog.Info("job worker starting",
		"poll_interval", w.config.PollInterval.String(),
		"claim_batch", w.config.ClaimBatch,
	)

	go w.runLoop(ctx)
	return nil
}

// Stop signals shutdown and waits for in-flight handlers to finish. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	group := w.group
	loopDone := w.loopDone
	w.mu.Unlock()

	// The claim loop must exit before the group is waited on; waiting
	// while the loop can still add handlers would race.
	if loopDone != nil {
		<-loopDone
	}
	if group != nil {
		_ = group.Wait()
	}
	slog.Info("job worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.drainDue(ctx)
		}
	}
}

// DrainOnce claims and runs every currently due job, waiting for all of
// them to finish. Tests and manual tooling drive the worker through this.
func (w *Worker) DrainOnce(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for {
		claimed, err := w.queue.ClaimDue(ctx, w.now(), w.config.ClaimBatch)
		if err != nil {
			_ = group.Wait()
			return err
		}
		if len(claimed) == 0 {
			break
		}
		for _, job := range claimed {
			w.dispatch(ctx, group, job)
		}
	}
	return group.Wait()
}

func (w *Worker) drainDue(ctx context.Context) {
	if n, err := w.queue.RequeueStale(ctx, w.config.StaleAfter); err != nil {
		slog.Error("requeue stale jobs failed", "error", err)
	} else if n > 0 {
		slog.Warn("requeued stale jobs", "count", n)
	}

	claimed, err := w.queue.ClaimDue(ctx, w.now(), w.config.ClaimBatch)
	if err != nil {
		slog.Error("claim due jobs failed", "error", err)
		return
	}
	for _, job := range claimed {
		w.dispatch(ctx, w.group, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, group *errgroup.Group, job Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		slog.Error("no handler for job type", "type", job.Type, "job_id", job.ID)
		if err := w.queue.MarkFailed(ctx, job.ID, "no handler registered"); err != nil {
			slog.Error("mark unhandled job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	slot := w.slots[job.Type]

	group.Go(func() error {
		slot <- struct{}{}
		defer func() { <-slot }()

		err := w.runHandler(ctx, handler, job)
		if err != nil {
			// Handler errors are recorded, never propagated: a bad job must
			// not take the worker down with it. Retry until the attempt
			// budget runs out so a transient error cannot kill a
			// self-scheduling chain and strand its agreement.
			if job.Attempts < w.config.MaxAttempts {
				delay := time.Duration(job.Attempts) * w.config.RetryBackoff
				jobsProcessed.WithLabelValues(string(job.Type), "retried").Inc()
				slog.Warn("job handler failed, retrying",
					"type", job.Type,
					"job_id", job.ID,
					"agreement_id", job.AgreementID,
					"attempt", job.Attempts,
					"retry_in", delay.String(),
					"error", err,
				)
				if rErr := w.queue.Retry(ctx, job.ID, w.now().Add(delay), err.Error()); rErr != nil {
					slog.Error("retry job errored", "job_id", job.ID, "error", rErr)
				}
				return nil
			}

			jobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
			slog.Error("job handler failed, attempts exhausted",
				"type", job.Type,
				"job_id", job.ID,
				"agreement_id", job.AgreementID,
				"attempts", job.Attempts,
				"error", err,
			)
			if mErr := w.queue.MarkFailed(ctx, job.ID, err.Error()); mErr != nil {
				slog.Error("mark job failed errored", "job_id", job.ID, "error", mErr)
			}
			return nil
		}

		jobsProcessed.WithLabelValues(string(job.Type), "done").Inc()
		if mErr := w.queue.MarkDone(ctx, job.ID); mErr != nil {
			slog.Error("mark job done errored", "job_id", job.ID, "error", mErr)
		}
		return nil
	})
}

// runHandler converts handler panics into errors so a single poisoned job
// cannot crash the pool.
func (w *Worker) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}
