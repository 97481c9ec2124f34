// Package queue implements the priority job queue: admission under
// capacity, dispatch ordering, retry with backoff, cancellation and
// aggregate statistics. The Manager exclusively owns job state
// transitions; workers only report progress and outcomes back through
// it.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"vidqueue/internal/backoff"
	"vidqueue/internal/models"
	"vidqueue/internal/processor"
	"vidqueue/internal/security"
	"vidqueue/internal/store"
)

var (
	ErrCapacityExceeded = errors.New("queue: capacity exceeded, retry later")
	ErrInvalidState     = errors.New("queue: job already finished")
	ErrCancelRequested  = errors.New("queue: cancellation requested")
)

// CallerPriority bounds. Caller priority 10 is most urgent and maps to
// internal priority 0, which dequeues first.
const maxCallerPriority = 10

// Config holds queue tuning knobs.
type Config struct {
	MaxQueueSize int           // waiting+active+delayed cap
	MaxAttempts  int           // execution tries per job
	Concurrency  int           // worker slots, used for wait estimation
	JobTTL       time.Duration // total job lifetime including queue wait
	AvgJobSeed   time.Duration // initial average duration estimate
	StatsMaxAge  time.Duration // cached stats refresh bound
	DequeueRate  float64       // sustained claims/sec, 0 disables
	DequeueBurst int

	PromoteInterval time.Duration // delayed-job promotion cadence
}

// Manager drives the job queue on top of a Store.
type Manager struct {
	cfg     Config
	store   store.Store
	backoff backoff.Strategy
	logger  *slog.Logger

	// mu serializes every queue mutation: submit, claim, state
	// transition. Task execution happens outside this lock.
	mu        sync.Mutex
	paused    bool
	cancelFns map[string]context.CancelFunc

	avgMu       sync.Mutex
	avgDuration time.Duration

	statsMu     sync.Mutex
	cachedStats models.Stats
	statsAt     time.Time

	wake    chan struct{} // worker wake-up, coalesced
	updates chan struct{} // observer (websocket feed) signal, coalesced

	// limiter throttles the sustained claim rate across all workers.
	limiter *rate.Limiter

	httpClient *http.Client

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// NewManager creates a queue manager. Start must be called before
// workers begin claiming.
func NewManager(cfg Config, st store.Store, bo backoff.Strategy, logger *slog.Logger) *Manager {
	if bo == nil {
		bo = backoff.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StatsMaxAge <= 0 {
		cfg.StatsMaxAge = 2 * time.Second
	}
	if cfg.AvgJobSeed <= 0 {
		cfg.AvgJobSeed = time.Minute
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}

	var limiter *rate.Limiter
	if cfg.DequeueRate > 0 {
		burst := cfg.DequeueBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DequeueRate), burst)
	}

	return &Manager{
		cfg:         cfg,
		store:       st,
		limiter:     limiter,
		backoff:     bo,
		logger:      logger,
		cancelFns:   make(map[string]context.CancelFunc),
		avgDuration: cfg.AvgJobSeed,
		wake:        make(chan struct{}, 1),
		updates:     make(chan struct{}, 1),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the promoter loop that returns delayed jobs to the
// waiting queue when their backoff elapses.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.promoteLoop()
}

// Close stops background loops. Pending jobs stay in the store.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Wake is the channel workers park on while the queue is empty.
func (m *Manager) Wake() <-chan struct{} { return m.wake }

// Updates signals observers after job state changes.
func (m *Manager) Updates() <-chan struct{} { return m.updates }

// Submit admits a job under the capacity limit and returns its queue
// position: the number of waiting jobs that dequeue before it.
func (m *Manager) Submit(ctx context.Context, j *models.Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, err := m.store.CountByState(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: capacity check: %w", err)
	}
	if m.cfg.MaxQueueSize > 0 && stats.InFlight() >= m.cfg.MaxQueueSize {
		return 0, ErrCapacityExceeded
	}

	if j.ID == "" {
		j.ID = uuid.New().String()
	} else if err := security.ValidateJobID(j.ID); err != nil {
		return 0, err
	}

	now := m.now().UTC()
	j.State = models.StateWaiting
	j.InternalPriority = invertPriority(j.Options.Priority)
	j.MaxAttempts = m.cfg.MaxAttempts
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := m.store.CreateJob(ctx, j); err != nil {
		return 0, err
	}

	position, err := m.store.CountAhead(ctx, j.InternalPriority, j.Seq)
	if err != nil {
		// The job is in; a missing position is not worth failing over.
		m.logger.Warn("queue position unavailable",
			slog.String("job_id", j.ID), slog.String("error", err.Error()))
		position = 0
	}

	m.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("request_id", j.RequestID),
		slog.Int("priority", j.Options.Priority),
		slog.Int("position", position),
	)

	m.invalidateStats()
	signal(m.wake)
	signal(m.updates)
	return position, nil
}

// ClaimNext hands the best waiting job to a worker slot, or nil when
// the queue is empty, paused, or dequeue-throttled. Jobs whose TTL
// elapsed while queued are failed in place and skipped.
func (m *Manager) ClaimNext(ctx context.Context) (*models.Job, error) {
	for {
		m.mu.Lock()
		if m.paused {
			m.mu.Unlock()
			return nil, nil
		}
		// Reserve a dequeue token up front but return it when no job
		// was actually claimed, so idle polling does not eat into the
		// claim budget.
		var res *rate.Reservation
		if m.limiter != nil {
			res = m.limiter.Reserve()
			if !res.OK() || res.Delay() > 0 {
				res.Cancel()
				m.mu.Unlock()
				return nil, nil
			}
		}

		j, err := m.store.ClaimNext(ctx)
		if err != nil || j == nil {
			if res != nil {
				res.Cancel()
			}
			m.mu.Unlock()
			return j, err
		}

		if m.cfg.JobTTL > 0 && m.now().Sub(j.CreatedAt) > m.cfg.JobTTL {
			m.finalizeLocked(ctx, j, models.StateFailed, nil, models.ReasonExpired)
			m.mu.Unlock()
			continue
		}

		m.mu.Unlock()
		m.invalidateStats()
		signal(m.updates)
		return j, nil
	}
}

// ReportProgress records task progress. Decreasing values are logged
// as anomalous and ignored; the stored progress never regresses while
// the job is active. Returns ErrCancelRequested once cancellation
// intent is set, finalizing the job; the task should stop at this
// checkpoint.
func (m *Manager) ReportProgress(ctx context.Context, jobID string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return ErrInvalidState
	}

	if j.CancelRequested {
		m.finalizeLocked(ctx, j, models.StateCancelled, nil, "cancelled by caller")
		return ErrCancelRequested
	}

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < j.Progress {
		// The external task is untrusted plumbing; keep the invariant
		// and note the anomaly.
		m.logger.Warn("out-of-order progress report",
			slog.String("job_id", jobID),
			slog.Int("reported", pct),
			slog.Int("current", j.Progress),
		)
		return nil
	}

	j.Progress = pct
	j.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateJob(ctx, j); err != nil {
		return err
	}
	signal(m.updates)
	return nil
}

// ReportOutcome finalizes an execution attempt. Success completes the
// job; failure is classified and either re-enqueued with backoff or
// failed permanently. A job already finalized (stalled, cancelled,
// interrupted) is left untouched so each slot reports at most once.
func (m *Manager) ReportOutcome(ctx context.Context, jobID string, result *processor.Result, taskErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	now := m.now().UTC()

	if taskErr == nil {
		var payload json.RawMessage
		if result != nil {
			payload, err = json.Marshal(result)
			if err != nil {
				return fmt.Errorf("queue: marshal result: %w", err)
			}
		}
		j.Progress = 100
		m.finalizeLocked(ctx, j, models.StateCompleted, payload, "")

		if j.StartedAt != nil {
			m.observeDuration(now.Sub(*j.StartedAt))
		}
		return nil
	}

	if j.CancelRequested {
		m.finalizeLocked(ctx, j, models.StateCancelled, nil, "cancelled by caller")
		return nil
	}

	if processor.Retryable(taskErr) && j.Attempts < j.MaxAttempts {
		delay := m.backoff.Delay(j.Attempts)
		runAt := now.Add(delay)
		j.State = models.StateDelayed
		j.RunAt = &runAt
		j.FailureReason = taskErr.Error()
		j.UpdatedAt = now
		if err := m.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		m.logger.Info("job scheduled for retry",
			slog.String("job_id", jobID),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", taskErr.Error()),
		)
		m.invalidateStats()
		signal(m.updates)
		return nil
	}

	m.finalizeLocked(ctx, j, models.StateFailed, nil, taskErr.Error())
	return nil
}

// FinalizeStalled fails an active job that produced no progress within
// the stall threshold.
func (m *Manager) FinalizeStalled(ctx context.Context, jobID string) error {
	return m.forceFinalize(ctx, jobID, models.ReasonStalled)
}

// FinalizeInterrupted fails an active job cut short by shutdown.
func (m *Manager) FinalizeInterrupted(ctx context.Context, jobID string) error {
	return m.forceFinalize(ctx, jobID, models.ReasonInterrupted)
}

func (m *Manager) forceFinalize(ctx context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}
	m.finalizeLocked(ctx, j, models.StateFailed, nil, reason)
	return nil
}

// finalizeLocked writes a terminal transition. Callers hold m.mu.
func (m *Manager) finalizeLocked(ctx context.Context, j *models.Job, state models.State, result json.RawMessage, reason string) {
	now := m.now().UTC()
	j.State = state
	j.RunAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	if result != nil {
		j.Result = result
	}
	if reason != "" {
		j.FailureReason = reason
	}

	if err := m.store.UpdateJob(ctx, j); err != nil {
		m.logger.Error("failed to finalize job",
			slog.String("job_id", j.ID),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return
	}

	delete(m.cancelFns, j.ID)

	m.logger.Info("job finalized",
		slog.String("job_id", j.ID),
		slog.String("state", string(state)),
		slog.Int("attempts", j.Attempts),
	)

	m.invalidateStats()
	signal(m.updates)
	m.notifyCallback(j)
}

// Cancel removes a waiting or delayed job immediately; for active jobs
// it marks intent and cuts the task context, leaving finalization to
// the worker's next checkpoint. Finished jobs return ErrInvalidState.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch {
	case j.State.Terminal():
		return nil, ErrInvalidState

	case j.State == models.StateActive:
		j.CancelRequested = true
		j.UpdatedAt = m.now().UTC()
		if err := m.store.UpdateJob(ctx, j); err != nil {
			return nil, err
		}
		if cancel, ok := m.cancelFns[jobID]; ok {
			cancel()
		}
		m.logger.Info("cancellation requested for active job",
			slog.String("job_id", jobID), slog.String("reason", reason))
		return j, nil

	default: // waiting or delayed
		why := "cancelled by caller"
		if reason != "" {
			why = "cancelled by caller: " + reason
		}
		m.finalizeLocked(ctx, j, models.StateCancelled, nil, why)
		return j, nil
	}
}

// RegisterCancel lets the worker pool expose the running task's cancel
// function so Cancel can cut it immediately.
func (m *Manager) RegisterCancel(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancelFns[jobID] = cancel
	m.mu.Unlock()
}

// UnregisterCancel removes the hook once the slot is released.
func (m *Manager) UnregisterCancel(jobID string) {
	m.mu.Lock()
	delete(m.cancelFns, jobID)
	m.mu.Unlock()
}

// Pause stops dequeueing. In-flight active jobs continue.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("queue paused")
}

// Resume restarts dequeueing and wakes parked workers.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info("queue resumed")
	signal(m.wake)
}

// Paused reports whether dequeueing is stopped.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Stats returns per-state counts, refreshed at most every StatsMaxAge.
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	if !m.statsAt.IsZero() && m.now().Sub(m.statsAt) < m.cfg.StatsMaxAge {
		return m.cachedStats, nil
	}

	stats, err := m.store.CountByState(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	m.cachedStats = stats
	m.statsAt = m.now()
	return stats, nil
}

// StatsNow recomputes counts, bypassing the cache, for callers that
// need exact numbers.
func (m *Manager) StatsNow(ctx context.Context) (models.Stats, error) {
	stats, err := m.store.CountByState(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	m.statsMu.Lock()
	m.cachedStats = stats
	m.statsAt = m.now()
	m.statsMu.Unlock()
	return stats, nil
}

// EstimatedWait projects how long a newly submitted job waits:
// ceil((waiting+active)/concurrency) × average job duration.
func (m *Manager) EstimatedWait(stats models.Stats) time.Duration {
	pending := stats.Waiting + stats.Active
	if pending == 0 {
		return 0
	}
	rounds := int(math.Ceil(float64(pending) / float64(m.cfg.Concurrency)))

	m.avgMu.Lock()
	avg := m.avgDuration
	m.avgMu.Unlock()
	return time.Duration(rounds) * avg
}

// observeDuration folds a completed job's runtime into the moving
// average used for wait estimation.
func (m *Manager) observeDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	m.avgMu.Lock()
	m.avgDuration = (m.avgDuration*4 + d) / 5
	m.avgMu.Unlock()
}

func (m *Manager) invalidateStats() {
	m.statsMu.Lock()
	m.statsAt = time.Time{}
	m.statsMu.Unlock()
}

// promoteLoop returns due delayed jobs to the waiting queue.
func (m *Manager) promoteLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			n, err := m.store.PromoteDue(context.Background(), m.now())
			if err != nil {
				m.logger.Error("promote delayed jobs", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				m.logger.Debug("promoted delayed jobs", slog.Int("count", n))
				m.invalidateStats()
				signal(m.wake)
				signal(m.updates)
			}
		}
	}
}

// notifyCallback POSTs the terminal job state to the caller-supplied
// callback URL, best effort.
func (m *Manager) notifyCallback(j *models.Job) {
	target := j.CallbackURL
	if target == "" {
		target = j.Options.Webhook
	}
	if target == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"jobId":         j.ID,
		"status":        j.State,
		"result":        j.Result,
		"failureReason": j.FailureReason,
	})
	if err != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		resp, err := m.httpClient.Post(target, "application/json", bytes.NewReader(payload))
		if err != nil {
			m.logger.Warn("callback delivery failed",
				slog.String("job_id", j.ID),
				slog.String("url", target),
				slog.String("error", err.Error()),
			)
			return
		}
		resp.Body.Close()
	}()
}

// invertPriority maps the caller scale (10 = most urgent) onto the
// internal comparator (0 dequeues first), clamped to the valid range.
func invertPriority(callerPriority int) int {
	if callerPriority < 0 {
		callerPriority = 0
	}
	if callerPriority > maxCallerPriority {
		callerPriority = maxCallerPriority
	}
	return maxCallerPriority - callerPriority
}

// signal performs a non-blocking coalesced send.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
