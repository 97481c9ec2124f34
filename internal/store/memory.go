package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"vidqueue/internal/models"
)

// Memory is a fully in-memory Store. Safe for concurrent access.
// Used by tests and STORE_DRIVER=memory deployments where durability
// across restarts is not needed.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	seq  int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return ErrJobExists
	}
	m.seq++
	j.Seq = m.seq
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	// Copy so callers can mutate without racing with the store.
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) ClaimNext(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Job
	for _, j := range m.jobs {
		if j.State != models.StateWaiting {
			continue
		}
		if best == nil ||
			j.InternalPriority < best.InternalPriority ||
			(j.InternalPriority == best.InternalPriority && j.Seq < best.Seq) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	best.State = models.StateActive
	best.Attempts++
	best.StartedAt = &now
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

func (m *Memory) PromoteDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	promoted := 0
	for _, j := range m.jobs {
		if j.State == models.StateDelayed && j.RunAt != nil && !j.RunAt.After(now) {
			j.State = models.StateWaiting
			j.RunAt = nil
			j.UpdatedAt = now.UTC()
			promoted++
		}
	}
	return promoted, nil
}

func (m *Memory) ListJobs(_ context.Context, f ListFilter) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.Job
	for _, j := range m.jobs {
		if f.State != "" && j.State != f.State {
			continue
		}
		cp := *j
		jobs = append(jobs, &cp)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

func (m *Memory) CountByState(_ context.Context) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats models.Stats
	for _, j := range m.jobs {
		switch j.State {
		case models.StateWaiting:
			stats.Waiting++
		case models.StateActive:
			stats.Active++
		case models.StateDelayed:
			stats.Delayed++
		case models.StateCompleted:
			stats.Completed++
		case models.StateFailed:
			stats.Failed++
		case models.StateCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *Memory) CountAhead(_ context.Context, internalPriority int, seq int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, j := range m.jobs {
		if j.State != models.StateWaiting {
			continue
		}
		if j.InternalPriority < internalPriority ||
			(j.InternalPriority == internalPriority && j.Seq < seq) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) RecoverInterrupted(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	recovered := 0
	for _, j := range m.jobs {
		if j.State == models.StateActive {
			j.State = models.StateFailed
			j.FailureReason = models.ReasonInterrupted
			j.FinishedAt = &now
			j.UpdatedAt = now
			recovered++
		}
	}
	return recovered, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
