package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"vidqueue/internal/models"
)

// Key layout: one JSON value per job, a sorted set ordering the waiting
// queue, a sorted set of delayed jobs scored by their run-at time, and
// one set per state for counting.
const (
	redisJobPrefix   = "vidqueue:job:"
	redisWaitingKey  = "vidqueue:waiting"
	redisDelayedKey  = "vidqueue:delayed"
	redisStatePrefix = "vidqueue:state:"
	redisSeqKey      = "vidqueue:seq"
)

// Redis is a Store driver backed by a redis server, for deployments
// sharing one queue across processes.
type Redis struct {
	client *goredis.Client
}

var _ Store = (*Redis)(nil)

// OpenRedis connects to the given address and verifies reachability.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func redisJobKey(id string) string        { return redisJobPrefix + id }
func redisStateKey(s models.State) string { return redisStatePrefix + string(s) }

func sortJobsNewestFirst(jobs []*models.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

// redisEnvelope persists the queue-internal fields that the Job type
// hides from API responses.
type redisEnvelope struct {
	Job              *models.Job `json:"job"`
	InternalPriority int         `json:"internalPriority"`
	Seq              int64       `json:"seq"`
	CancelRequested  bool        `json:"cancelRequested"`
}

func marshalJob(j *models.Job) ([]byte, error) {
	return json.Marshal(redisEnvelope{
		Job:              j,
		InternalPriority: j.InternalPriority,
		Seq:              j.Seq,
		CancelRequested:  j.CancelRequested,
	})
}

func unmarshalJob(data []byte) (*models.Job, error) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("store: unmarshal job: %w", err)
	}
	if env.Job == nil {
		return nil, fmt.Errorf("store: empty job envelope")
	}
	env.Job.InternalPriority = env.InternalPriority
	env.Job.Seq = env.Seq
	env.Job.CancelRequested = env.CancelRequested
	return env.Job, nil
}

// dequeueScore orders the waiting zset: lower internal priority first,
// FIFO within a tier via the sequence number.
func dequeueScore(internalPriority int, seq int64) float64 {
	return float64(internalPriority)*1e12 + float64(seq)
}

func (r *Redis) CreateJob(ctx context.Context, j *models.Job) error {
	key := redisJobKey(j.ID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("store: redis exists: %w", err)
	}
	if exists > 0 {
		return ErrJobExists
	}

	seq, err := r.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("store: redis seq: %w", err)
	}
	j.Seq = seq

	data, err := marshalJob(j)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, redisStateKey(j.State), j.ID)
	if j.State == models.StateWaiting {
		pipe.ZAdd(ctx, redisWaitingKey, goredis.Z{
			Score:  dequeueScore(j.InternalPriority, j.Seq),
			Member: j.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis create: %w", err)
	}
	return nil
}

func (r *Redis) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := r.client.Get(ctx, redisJobKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get: %w", err)
	}

	return unmarshalJob(data)
}

func (r *Redis) UpdateJob(ctx context.Context, j *models.Job) error {
	old, err := r.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	return r.save(ctx, old.State, j)
}

// save persists the job and moves its index entries when the state
// changed.
func (r *Redis) save(ctx context.Context, oldState models.State, j *models.Job) error {
	data, err := marshalJob(j)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisJobKey(j.ID), data, 0)

	if oldState != j.State {
		pipe.SMove(ctx, redisStateKey(oldState), redisStateKey(j.State), j.ID)
	}

	// Keep the ordering zsets consistent with the new state.
	if oldState == models.StateWaiting && j.State != models.StateWaiting {
		pipe.ZRem(ctx, redisWaitingKey, j.ID)
	}
	if j.State == models.StateWaiting && oldState != models.StateWaiting {
		pipe.ZAdd(ctx, redisWaitingKey, goredis.Z{
			Score:  dequeueScore(j.InternalPriority, j.Seq),
			Member: j.ID,
		})
	}
	if oldState == models.StateDelayed && j.State != models.StateDelayed {
		pipe.ZRem(ctx, redisDelayedKey, j.ID)
	}
	if j.State == models.StateDelayed && j.RunAt != nil {
		pipe.ZAdd(ctx, redisDelayedKey, goredis.Z{
			Score:  float64(j.RunAt.Unix()),
			Member: j.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis save: %w", err)
	}
	return nil
}

// ClaimNext pops the head of the waiting zset; ZPOPMIN hands each
// member to exactly one claimer. If loading or saving the job fails
// after the pop, the member is put back at its original score so the
// job stays claimable.
func (r *Redis) ClaimNext(ctx context.Context) (*models.Job, error) {
	for {
		members, err := r.client.ZPopMin(ctx, redisWaitingKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("store: redis zpopmin: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		popped := members[0]
		id, ok := popped.Member.(string)
		if !ok {
			return nil, fmt.Errorf("store: redis zpopmin returned %T", popped.Member)
		}
		restore := func() {
			r.client.ZAdd(ctx, redisWaitingKey, goredis.Z{Score: popped.Score, Member: id})
		}

		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Phantom entry: the job value is gone, drop its index
			// leftovers and try the next member.
			r.client.SRem(ctx, redisStateKey(models.StateWaiting), id)
			continue
		}
		if err != nil {
			restore()
			return nil, err
		}

		now := time.Now().UTC()
		oldState := j.State
		j.State = models.StateActive
		j.Attempts++
		j.StartedAt = &now
		j.UpdatedAt = now

		if err := r.save(ctx, oldState, j); err != nil {
			restore()
			return nil, err
		}
		return j, nil
	}
}

func (r *Redis) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisDelayedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis promote scan: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			r.client.ZRem(ctx, redisDelayedKey, id)
			continue
		}
		if err != nil {
			return promoted, err
		}
		if j.State != models.StateDelayed {
			r.client.ZRem(ctx, redisDelayedKey, id)
			continue
		}

		old := j.State
		j.State = models.StateWaiting
		j.RunAt = nil
		j.UpdatedAt = now.UTC()
		if err := r.save(ctx, old, j); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (r *Redis) ListJobs(ctx context.Context, f ListFilter) ([]*models.Job, error) {
	var ids []string
	var err error

	if f.State != "" {
		ids, err = r.client.SMembers(ctx, redisStateKey(f.State)).Result()
	} else {
		for _, s := range allStates() {
			var part []string
			part, err = r.client.SMembers(ctx, redisStateKey(s)).Result()
			if err != nil {
				break
			}
			ids = append(ids, part...)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis list: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	sortJobsNewestFirst(jobs)

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

func (r *Redis) CountByState(ctx context.Context) (models.Stats, error) {
	var stats models.Stats

	pipe := r.client.Pipeline()
	cmds := make(map[models.State]*goredis.IntCmd, 6)
	for _, s := range allStates() {
		cmds[s] = pipe.SCard(ctx, redisStateKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return stats, fmt.Errorf("store: redis count: %w", err)
	}

	stats.Waiting = int(cmds[models.StateWaiting].Val())
	stats.Active = int(cmds[models.StateActive].Val())
	stats.Delayed = int(cmds[models.StateDelayed].Val())
	stats.Completed = int(cmds[models.StateCompleted].Val())
	stats.Failed = int(cmds[models.StateFailed].Val())
	stats.Cancelled = int(cmds[models.StateCancelled].Val())
	return stats, nil
}

func (r *Redis) CountAhead(ctx context.Context, internalPriority int, seq int64) (int, error) {
	score := dequeueScore(internalPriority, seq)
	n, err := r.client.ZCount(ctx, redisWaitingKey,
		"-inf", fmt.Sprintf("(%f", score)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis count ahead: %w", err)
	}
	return int(n), nil
}

func (r *Redis) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, redisStateKey(models.StateActive)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis recover scan: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			r.client.SRem(ctx, redisStateKey(models.StateActive), id)
			continue
		}
		if err != nil {
			return recovered, err
		}

		old := j.State
		j.State = models.StateFailed
		j.FailureReason = models.ReasonInterrupted
		j.FinishedAt = &now
		j.UpdatedAt = now
		if err := r.save(ctx, old, j); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func allStates() []models.State {
	return []models.State{
		models.StateWaiting, models.StateActive, models.StateDelayed,
		models.StateCompleted, models.StateFailed, models.StateCancelled,
	}
}
