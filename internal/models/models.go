package models

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a job in this state can still change.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Failure reasons set by the system rather than the processing task.
const (
	ReasonStalled     = "stalled: no progress within stall timeout"
	ReasonInterrupted = "interrupted: shut down before completion"
	ReasonExpired     = "expired: job TTL elapsed before execution"
)

// Options are the caller-supplied processing options.
// Unknown fields are rejected at the API boundary.
type Options struct {
	Priority          int    `json:"priority"`
	IncludeTranscript bool   `json:"includeTranscript"`
	IncludeAnalysis   bool   `json:"includeAnalysis"`
	Webhook           string `json:"webhook,omitempty"`
}

// Job represents one queued video-processing request.
type Job struct {
	ID          string  `json:"jobId"`
	RequestID   string  `json:"requestId"`
	VideoURL    string  `json:"videoUrl"`
	CallbackURL string  `json:"callbackUrl,omitempty"`
	Options     Options `json:"options"`
	APIKeyName  string  `json:"apiKeyName,omitempty"`
	SourceAddr  string  `json:"sourceAddr,omitempty"`
	State       State   `json:"status"`

	// InternalPriority is the inverted dequeue key: 0 dequeues first.
	// Seq is assigned by the store on enqueue and breaks ties FIFO.
	InternalPriority int   `json:"-"`
	Seq              int64 `json:"-"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
	Progress    int `json:"progress"`

	CancelRequested bool `json:"-"`

	// RunAt is the earliest time a delayed job may re-enter the queue.
	RunAt      *time.Time `json:"runAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`

	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// Stats holds per-state job counts.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// InFlight is the number of jobs counting against queue capacity.
func (s Stats) InFlight() int {
	return s.Waiting + s.Active + s.Delayed
}

// ProcessVideoRequest is the body of POST /api/process-video.
type ProcessVideoRequest struct {
	JobID       string   `json:"jobId,omitempty"`
	VideoURL    string   `json:"videoUrl"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	Options     *Options `json:"options,omitempty"`
}

// ProcessVideoResponse is the 202 response of POST /api/process-video.
type ProcessVideoResponse struct {
	JobID             string `json:"jobId"`
	Status            State  `json:"status"`
	Position          int    `json:"position"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"` // seconds
}

// CancelRequest is the body of POST /api/cancel-request.
type CancelRequest struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}
