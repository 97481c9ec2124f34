package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"vidqueue/internal/models"
	"vidqueue/internal/processor"
	"vidqueue/internal/queue"
	"vidqueue/internal/store"
)

type zeroDelay struct{}

func (zeroDelay) Delay(int) time.Duration { return 0 }

func testQueue(t *testing.T) (*queue.Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := queue.NewManager(queue.Config{
		MaxQueueSize:    100,
		MaxAttempts:     3,
		Concurrency:     2,
		PromoteInterval: 5 * time.Millisecond,
	}, mem, zeroDelay{}, logger)
	m.Start()
	t.Cleanup(m.Close)
	return m, mem
}

func testPool(t *testing.T, qm *queue.Manager, proc processor.Processor, cfg Config) *Pool {
	t.Helper()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPool(cfg, qm, proc, logger)
}

func submit(t *testing.T, qm *queue.Manager, url string) *models.Job {
	t.Helper()
	j := &models.Job{VideoURL: url, Options: models.Options{Priority: 5}}
	if _, err := qm.Submit(context.Background(), j); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return j
}

func waitForState(t *testing.T, mem *store.Memory, jobID string, want models.State) *models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := mem.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := mem.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s", jobID, want, j.State)
	return nil
}

func TestPool_ProcessesJobToCompletion(t *testing.T) {
	qm, mem := testQueue(t)

	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		if err := progress(50); err != nil {
			return nil, err
		}
		return &processor.Result{Title: "clip", MediaURL: "https://cdn.example.com/clip.mp4"}, nil
	})

	p := testPool(t, qm, proc, Config{})
	p.Start()
	defer p.Stop()

	j := submit(t, qm, "https://example.com/v/1")

	got := waitForState(t, mem, j.ID, models.StateCompleted)
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if len(got.Result) == 0 {
		t.Error("completed job has no result payload")
	}
}

func TestPool_RetriesTransientFailure(t *testing.T) {
	qm, mem := testQueue(t)

	var calls atomic.Int32
	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		if calls.Add(1) < 3 {
			return nil, processor.Transient(errors.New("connection reset by peer"))
		}
		return &processor.Result{Title: "third time"}, nil
	})

	p := testPool(t, qm, proc, Config{})
	p.Start()
	defer p.Stop()

	j := submit(t, qm, "https://example.com/v/2")

	waitForState(t, mem, j.ID, models.StateCompleted)
	if n := calls.Load(); n != 3 {
		t.Errorf("processor ran %d times, want 3", n)
	}
}

func TestPool_PermanentFailureNotRetried(t *testing.T) {
	qm, mem := testQueue(t)

	var calls atomic.Int32
	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		calls.Add(1)
		return nil, processor.Permanent(errors.New("video is private"))
	})

	p := testPool(t, qm, proc, Config{})
	p.Start()
	defer p.Stop()

	j := submit(t, qm, "https://example.com/v/3")

	got := waitForState(t, mem, j.ID, models.StateFailed)
	if n := calls.Load(); n != 1 {
		t.Errorf("processor ran %d times, want 1", n)
	}
	if got.FailureReason == "" {
		t.Error("failed job missing failure reason")
	}
}

func TestPool_CancelStopsActiveJob(t *testing.T) {
	qm, mem := testQueue(t)

	started := make(chan struct{})
	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p := testPool(t, qm, proc, Config{Concurrency: 1})
	p.Start()
	defer p.Stop()

	j := submit(t, qm, "https://example.com/v/4")

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	if _, err := qm.Cancel(context.Background(), j.ID, "user request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForState(t, mem, j.ID, models.StateCancelled)
}

func TestPool_StallTimeoutFailsJob(t *testing.T) {
	qm, mem := testQueue(t)

	release := make(chan struct{})
	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		defer close(release)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p := testPool(t, qm, proc, Config{Concurrency: 1, StallTimeout: 30 * time.Millisecond})
	p.Start()
	defer p.Stop()

	j := submit(t, qm, "https://example.com/v/5")

	got := waitForState(t, mem, j.ID, models.StateFailed)
	if got.FailureReason != models.ReasonStalled {
		t.Errorf("failure reason = %q, want %q", got.FailureReason, models.ReasonStalled)
	}

	select {
	case <-release:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled task context never cancelled")
	}
}

func TestPool_StopInterruptsActiveJobs(t *testing.T) {
	qm, mem := testQueue(t)

	started := make(chan struct{})
	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p := testPool(t, qm, proc, Config{Concurrency: 1, ShutdownGrace: 20 * time.Millisecond})
	p.Start()

	j := submit(t, qm, "https://example.com/v/6")

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	p.Stop()

	got, err := mem.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.StateFailed {
		t.Fatalf("state = %s, want %s", got.State, models.StateFailed)
	}
	if got.FailureReason != models.ReasonInterrupted {
		t.Errorf("failure reason = %q, want %q", got.FailureReason, models.ReasonInterrupted)
	}
}

func TestPool_WakeSignalShortensIdleWait(t *testing.T) {
	qm, mem := testQueue(t)

	proc := processor.Func(func(ctx context.Context, j *models.Job, progress processor.ProgressFunc) (*processor.Result, error) {
		return &processor.Result{Title: "fast"}, nil
	})

	// Long poll interval so completion within the deadline proves the
	// wake signal, not the ticker, picked the job up.
	p := testPool(t, qm, proc, Config{Concurrency: 1, PollInterval: time.Minute})
	p.Start()
	defer p.Stop()

	time.Sleep(20 * time.Millisecond) // let the worker park

	j := submit(t, qm, "https://example.com/v/7")
	waitForState(t, mem, j.ID, models.StateCompleted)
}
