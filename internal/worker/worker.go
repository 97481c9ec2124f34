// Package worker runs the bounded pool of job executors. Each slot
// claims a job from the queue, runs the external processing task, and
// reports progress and outcome back through the QueueManager. The pool
// never mutates job state directly.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vidqueue/internal/models"
	"vidqueue/internal/processor"
	"vidqueue/internal/queue"
)

// Config tunes the pool.
type Config struct {
	Concurrency   int           // worker slots, default 4
	JobTTL        time.Duration // total job lifetime bound
	StallTimeout  time.Duration // tolerated silence from the task
	PollInterval  time.Duration // fallback poll when parked
	ShutdownGrace time.Duration
}

type activeJob struct {
	cancel       context.CancelFunc
	lastProgress time.Time
}

// Pool manages the worker goroutines.
type Pool struct {
	cfg    Config
	queue  *queue.Manager
	proc   processor.Processor
	logger *slog.Logger

	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]*activeJob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool over the queue and task implementation.
func NewPool(cfg Config, qm *queue.Manager, proc processor.Processor, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		queue:  qm,
		proc:   proc,
		logger: logger,
		active: make(map[string]*activeJob),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker and stall-watch goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Info("worker pool starting", slog.Int("concurrency", p.cfg.Concurrency))

	for i := 1; i <= p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(i)
	}

	p.wg.Add(1)
	go p.stallLoop()
}

// Stop drains the pool: no new claims, active jobs get the grace
// period, stragglers are cancelled and reported interrupted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("shutdown grace elapsed, interrupting active jobs")
		p.interruptActive()
		<-done
	}
}

// runLoop is one worker slot.
func (p *Pool) runLoop(id int) {
	defer p.wg.Done()

	log := p.logger.With(slog.Int("worker", id))
	log.Debug("worker started")

	for {
		select {
		case <-p.stopCh:
			log.Debug("worker shutting down")
			return
		default:
		}

		j, err := p.queue.ClaimNext(context.Background())
		if err != nil {
			log.Error("claim failed", slog.String("error", err.Error()))
			p.park()
			continue
		}
		if j == nil {
			p.park()
			continue
		}

		p.execute(log, j)
	}
}

// park blocks until new work is signaled, the poll interval elapses,
// or shutdown begins.
func (p *Pool) park() {
	select {
	case <-p.queue.Wake():
	case <-time.After(p.cfg.PollInterval):
	case <-p.stopCh:
	}
}

// execute runs one claimed job to its outcome.
func (p *Pool) execute(log *slog.Logger, j *models.Job) {
	log.Info("job started",
		slog.String("job_id", j.ID),
		slog.String("request_id", j.RequestID),
		slog.Int("attempt", j.Attempts),
	)

	ctx := context.Background()
	var cancel context.CancelFunc
	if p.cfg.JobTTL > 0 {
		// The TTL covers queue wait too, so the execution deadline is
		// whatever lifetime the job has left.
		deadline := j.CreatedAt.Add(p.cfg.JobTTL)
		ctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	p.track(j.ID, cancel)
	p.queue.RegisterCancel(j.ID, cancel)
	defer func() {
		p.queue.UnregisterCancel(j.ID)
		p.untrack(j.ID)
	}()

	progress := func(pct int) error {
		p.beat(j.ID)
		err := p.queue.ReportProgress(ctx, j.ID, pct)
		if errors.Is(err, queue.ErrCancelRequested) {
			cancel()
		}
		return err
	}

	start := time.Now()
	result, taskErr := p.proc.Process(ctx, j, progress)

	if err := p.queue.ReportOutcome(context.Background(), j.ID, result, taskErr); err != nil {
		log.Error("outcome report failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if taskErr != nil {
		log.Warn("job attempt failed",
			slog.String("job_id", j.ID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", taskErr.Error()),
		)
		return
	}
	log.Info("job finished",
		slog.String("job_id", j.ID),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// stallLoop watches active jobs for silence past the stall timeout and
// force-finalizes them so a wedged task cannot pin a slot forever.
func (p *Pool) stallLoop() {
	defer p.wg.Done()

	interval := p.cfg.StallTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStalled()
		}
	}
}

func (p *Pool) reapStalled() {
	now := time.Now()

	p.activeMu.Lock()
	var stalled []string
	for id, a := range p.active {
		if now.Sub(a.lastProgress) > p.cfg.StallTimeout {
			stalled = append(stalled, id)
		}
	}
	p.activeMu.Unlock()

	for _, id := range stalled {
		p.logger.Warn("stalled job detected", slog.String("job_id", id))
		if err := p.queue.FinalizeStalled(context.Background(), id); err != nil {
			p.logger.Error("stall finalization failed",
				slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		// Free the slot by cutting the task's context.
		p.activeMu.Lock()
		if a, ok := p.active[id]; ok {
			a.cancel()
		}
		p.activeMu.Unlock()
	}
}

// interruptActive finalizes jobs still running after the grace period.
func (p *Pool) interruptActive() {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()

	for _, id := range ids {
		if err := p.queue.FinalizeInterrupted(context.Background(), id); err != nil {
			p.logger.Error("interrupt finalization failed",
				slog.String("job_id", id), slog.String("error", err.Error()))
		}
		p.activeMu.Lock()
		if a, ok := p.active[id]; ok {
			a.cancel()
		}
		p.activeMu.Unlock()
	}
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[jobID] = &activeJob{cancel: cancel, lastProgress: time.Now()}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) beat(jobID string) {
	p.activeMu.Lock()
	if a, ok := p.active[jobID]; ok {
		a.lastProgress = time.Now()
	}
	p.activeMu.Unlock()
}
