package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"vidqueue/internal/models"
	"vidqueue/internal/processor"
	"vidqueue/internal/security"
	"vidqueue/internal/store"
)

// zeroDelay removes backoff waits so retry tests can promote
// immediately.
type zeroDelay struct{}

func (zeroDelay) Delay(int) time.Duration { return 0 }

func testManager(t *testing.T, cfg Config) (*Manager, *store.Memory) {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, mem, zeroDelay{}, logger)
	return m, mem
}

func submitJob(t *testing.T, m *Manager, id string, priority int) *models.Job {
	t.Helper()
	j := &models.Job{
		ID:       id,
		VideoURL: "https://example.com/v/" + id,
		Options:  models.Options{Priority: priority},
	}
	if _, err := m.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit(%s) = %v", id, err)
	}
	return j
}

func TestSubmit_GeneratesIDAndPosition(t *testing.T) {
	m, _ := testManager(t, Config{MaxQueueSize: 10})
	ctx := context.Background()

	j := &models.Job{VideoURL: "https://example.com/v"}
	pos, err := m.Submit(ctx, j)
	if err != nil {
		t.Fatalf("Submit = %v", err)
	}
	if j.ID == "" {
		t.Fatal("Submit must generate a job id")
	}
	if pos != 0 {
		t.Fatalf("first job position = %d, want 0", pos)
	}

	j2 := &models.Job{VideoURL: "https://example.com/v2"}
	pos, _ = m.Submit(ctx, j2)
	if pos != 1 {
		t.Fatalf("second job position = %d, want 1", pos)
	}
}

func TestSubmit_RejectsBadCallerID(t *testing.T) {
	m, _ := testManager(t, Config{})

	j := &models.Job{ID: "not a valid id!", VideoURL: "https://example.com/v"}
	if _, err := m.Submit(context.Background(), j); !errors.Is(err, security.ErrInvalidJobID) {
		t.Fatalf("Submit = %v, want ErrInvalidJobID", err)
	}
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	m, _ := testManager(t, Config{MaxQueueSize: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := &models.Job{VideoURL: "https://example.com/v"}
		if _, err := m.Submit(ctx, j); err != nil {
			t.Fatalf("submit %d = %v", i, err)
		}
	}

	j := &models.Job{VideoURL: "https://example.com/v"}
	if _, err := m.Submit(ctx, j); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("submit over capacity = %v, want ErrCapacityExceeded", err)
	}
}

func TestClaimNext_PriorityBeatsArrival(t *testing.T) {
	m, _ := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "early-low", 1)
	submitJob(t, m, "late-high", 9)
	submitJob(t, m, "late-low", 1)

	first, err := m.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("ClaimNext = (%v, %v)", first, err)
	}
	if first.ID != "late-high" {
		t.Fatalf("first claim = %s, want late-high", first.ID)
	}

	// FIFO within the same tier.
	second, _ := m.ClaimNext(ctx)
	if second.ID != "early-low" {
		t.Fatalf("second claim = %s, want early-low", second.ID)
	}
	third, _ := m.ClaimNext(ctx)
	if third.ID != "late-low" {
		t.Fatalf("third claim = %s, want late-low", third.ID)
	}
}

func TestClaimNext_PausedReturnsNil(t *testing.T) {
	m, _ := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)

	m.Pause()
	if j, err := m.ClaimNext(ctx); err != nil || j != nil {
		t.Fatalf("paused ClaimNext = (%v, %v), want (nil, nil)", j, err)
	}

	m.Resume()
	if j, _ := m.ClaimNext(ctx); j == nil || j.ID != "job" {
		t.Fatalf("resumed ClaimNext = %v, want job", j)
	}
}

func TestClaimNext_ExpiredJobFailsInPlace(t *testing.T) {
	m, mem := testManager(t, Config{JobTTL: 30 * time.Minute})
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	submitJob(t, m, "stale", 5)

	// Move the clock past the TTL before any worker claims.
	m.now = func() time.Time { return base.Add(31 * time.Minute) }

	if j, err := m.ClaimNext(ctx); err != nil || j != nil {
		t.Fatalf("ClaimNext = (%v, %v), want (nil, nil)", j, err)
	}

	j, _ := mem.GetJob(ctx, "stale")
	if j.State != models.StateFailed || j.FailureReason != models.ReasonExpired {
		t.Fatalf("expired job = %+v", j)
	}
}

func TestClaimNext_EmptyPollsKeepDequeueBudget(t *testing.T) {
	m, _ := testManager(t, Config{DequeueRate: 0.001, DequeueBurst: 1})
	ctx := context.Background()

	// Idle workers polling an empty queue must not spend the one
	// available token.
	for i := 0; i < 20; i++ {
		if j, err := m.ClaimNext(ctx); err != nil || j != nil {
			t.Fatalf("empty ClaimNext = (%v, %v), want (nil, nil)", j, err)
		}
	}

	submitJob(t, m, "job", 5)
	j, err := m.ClaimNext(ctx)
	if err != nil || j == nil || j.ID != "job" {
		t.Fatalf("ClaimNext after submit = (%v, %v), want job", j, err)
	}

	// The token is spent now; a second job waits for the refill.
	submitJob(t, m, "throttled", 5)
	if j, err := m.ClaimNext(ctx); err != nil || j != nil {
		t.Fatalf("throttled ClaimNext = (%v, %v), want (nil, nil)", j, err)
	}
}

func TestReportOutcome_Success(t *testing.T) {
	m, mem := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)
	claimed, _ := m.ClaimNext(ctx)

	res := &processor.Result{Title: "a video"}
	if err := m.ReportOutcome(ctx, claimed.ID, res, nil); err != nil {
		t.Fatalf("ReportOutcome = %v", err)
	}

	j, _ := mem.GetJob(ctx, "job")
	if j.State != models.StateCompleted || j.Progress != 100 {
		t.Fatalf("job = %+v", j)
	}
	if len(j.Result) == 0 {
		t.Fatal("result payload not stored")
	}
	if j.FinishedAt == nil {
		t.Fatal("finishedAt not stamped")
	}
}

func TestReportOutcome_RetryThenPermanentFailure(t *testing.T) {
	m, mem := testManager(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	submitJob(t, m, "flaky", 5)
	transient := processor.Transient(errors.New("connection refused"))

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := m.ClaimNext(ctx)
		if err != nil || j == nil {
			t.Fatalf("claim attempt %d = (%v, %v)", attempt, j, err)
		}
		if j.Attempts != attempt {
			t.Fatalf("attempt %d: attempts = %d", attempt, j.Attempts)
		}

		if err := m.ReportOutcome(ctx, j.ID, nil, transient); err != nil {
			t.Fatalf("ReportOutcome attempt %d = %v", attempt, err)
		}

		stored, _ := mem.GetJob(ctx, "flaky")
		if attempt < 3 {
			if stored.State != models.StateDelayed {
				t.Fatalf("attempt %d: state = %s, want delayed", attempt, stored.State)
			}
			// Zero backoff: promote immediately.
			if _, err := mem.PromoteDue(ctx, time.Now().Add(time.Second)); err != nil {
				t.Fatalf("PromoteDue = %v", err)
			}
		} else {
			if stored.State != models.StateFailed {
				t.Fatalf("final state = %s, want failed", stored.State)
			}
			if stored.Attempts != 3 {
				t.Fatalf("final attempts = %d, want exactly 3", stored.Attempts)
			}
		}
	}
}

func TestReportOutcome_PermanentErrorNotRetried(t *testing.T) {
	m, mem := testManager(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	submitJob(t, m, "broken", 5)
	j, _ := m.ClaimNext(ctx)

	m.ReportOutcome(ctx, j.ID, nil, processor.Permanent(errors.New("video unavailable")))

	stored, _ := mem.GetJob(ctx, "broken")
	if stored.State != models.StateFailed || stored.Attempts != 1 {
		t.Fatalf("job = state %s attempts %d, want failed after 1 try", stored.State, stored.Attempts)
	}
}

func TestReportOutcome_TerminalJobUntouched(t *testing.T) {
	m, mem := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)
	j, _ := m.ClaimNext(ctx)

	// A stall finalization beats the worker's outcome report.
	if err := m.FinalizeStalled(ctx, j.ID); err != nil {
		t.Fatalf("FinalizeStalled = %v", err)
	}
	if err := m.ReportOutcome(ctx, j.ID, &processor.Result{}, nil); err != nil {
		t.Fatalf("late ReportOutcome = %v", err)
	}

	stored, _ := mem.GetJob(ctx, "job")
	if stored.State != models.StateFailed || stored.FailureReason != models.ReasonStalled {
		t.Fatalf("terminal job changed: %+v", stored)
	}
}

func TestReportProgress_MonotonicAndCancelAware(t *testing.T) {
	m, mem := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)
	j, _ := m.ClaimNext(ctx)

	if err := m.ReportProgress(ctx, j.ID, 40); err != nil {
		t.Fatalf("ReportProgress(40) = %v", err)
	}
	// Regression is ignored, not an error.
	if err := m.ReportProgress(ctx, j.ID, 10); err != nil {
		t.Fatalf("ReportProgress(10) = %v", err)
	}
	stored, _ := mem.GetJob(ctx, "job")
	if stored.Progress != 40 {
		t.Fatalf("progress = %d, want 40 (no regression)", stored.Progress)
	}

	// Cancellation intent converts the next checkpoint into a stop.
	if _, err := m.Cancel(ctx, j.ID, "user request"); err != nil {
		t.Fatalf("Cancel = %v", err)
	}
	if err := m.ReportProgress(ctx, j.ID, 50); !errors.Is(err, ErrCancelRequested) {
		t.Fatalf("ReportProgress after cancel = %v, want ErrCancelRequested", err)
	}

	stored, _ = mem.GetJob(ctx, "job")
	if stored.State != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled", stored.State)
	}
}

func TestCancel_WaitingImmediate(t *testing.T) {
	m, mem := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)

	if _, err := m.Cancel(ctx, "job", ""); err != nil {
		t.Fatalf("Cancel = %v", err)
	}
	stored, _ := mem.GetJob(ctx, "job")
	if stored.State != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled", stored.State)
	}

	stats, _ := m.StatsNow(ctx)
	if stats.Waiting != 0 || stats.Cancelled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCancel_FinishedJobInvalid(t *testing.T) {
	m, _ := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)
	j, _ := m.ClaimNext(ctx)
	m.ReportOutcome(ctx, j.ID, &processor.Result{}, nil)

	if _, err := m.Cancel(ctx, "job", ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Cancel(completed) = %v, want ErrInvalidState", err)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	m, _ := testManager(t, Config{})
	if _, err := m.Cancel(context.Background(), "ghost", ""); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("Cancel(ghost) = %v, want ErrJobNotFound", err)
	}
}

func TestCancel_ActiveCallsRegisteredCancel(t *testing.T) {
	m, _ := testManager(t, Config{})
	ctx := context.Background()

	submitJob(t, m, "job", 5)
	j, _ := m.ClaimNext(ctx)

	jobCtx, cancel := context.WithCancel(context.Background())
	m.RegisterCancel(j.ID, cancel)

	if _, err := m.Cancel(ctx, j.ID, ""); err != nil {
		t.Fatalf("Cancel = %v", err)
	}
	select {
	case <-jobCtx.Done():
	default:
		t.Fatal("Cancel must cut the registered task context")
	}
}

func TestEstimatedWait(t *testing.T) {
	m, _ := testManager(t, Config{Concurrency: 4, AvgJobSeed: time.Minute})

	if got := m.EstimatedWait(models.Stats{}); got != 0 {
		t.Fatalf("empty queue wait = %v, want 0", got)
	}
	// 5 pending over 4 slots → 2 rounds of 1 minute.
	if got := m.EstimatedWait(models.Stats{Waiting: 3, Active: 2}); got != 2*time.Minute {
		t.Fatalf("wait = %v, want 2m", got)
	}
}

func TestInvertPriority(t *testing.T) {
	tests := []struct{ caller, internal int }{
		{0, 10}, {10, 0}, {5, 5}, {-3, 10}, {42, 0},
	}
	for _, tt := range tests {
		if got := invertPriority(tt.caller); got != tt.internal {
			t.Errorf("invertPriority(%d) = %d, want %d", tt.caller, got, tt.internal)
		}
	}
}
