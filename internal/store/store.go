// Package store defines the persistence contract for jobs and its
// sqlite, redis and in-memory drivers.
package store

import (
	"context"
	"errors"
	"time"

	"vidqueue/internal/models"
)

var (
	ErrJobExists   = errors.New("store: job already exists")
	ErrJobNotFound = errors.New("store: job not found")
)

// ListFilter controls filtering and pagination for job listings.
type ListFilter struct {
	State  models.State // empty means all states
	Limit  int
	Offset int
}

// Store is the durable record of job state backing the queue.
// All mutations of queue ordering go through the QueueManager, which
// serializes them; drivers must still be safe for concurrent reads.
type Store interface {
	// CreateJob persists a new waiting job and assigns its enqueue
	// sequence number. ErrJobExists on duplicate id.
	CreateJob(ctx context.Context, j *models.Job) error

	// GetJob retrieves a job by id. ErrJobNotFound if unknown.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *models.Job) error

	// ClaimNext atomically transitions the best waiting job
	// (lowest internal priority, then lowest seq) to active,
	// incrementing its attempt counter and stamping startedAt.
	// Returns (nil, nil) when no job is waiting.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// PromoteDue moves delayed jobs whose run-at time has passed back
	// to waiting. Returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, f ListFilter) ([]*models.Job, error)

	// CountByState returns per-state job counts.
	CountByState(ctx context.Context) (models.Stats, error)

	// CountAhead returns how many waiting jobs dequeue before the
	// given (priority, seq) position.
	CountAhead(ctx context.Context, internalPriority int, seq int64) (int, error)

	// RecoverInterrupted fails jobs left active by a previous process,
	// marking them interrupted. Waiting and delayed jobs are untouched
	// and resume normally. Returns the number of jobs failed.
	RecoverInterrupted(ctx context.Context) (int, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
