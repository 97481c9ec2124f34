package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransientError marks a failure worth retrying (network hiccups,
// upstream timeouts). The queue retries these with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an unrecoverable failure (content unavailable,
// malformed media). Never retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Fixed signatures the queue treats as retryable when the task did not
// classify its own error. Anything unmatched is not retried: failing a
// job permanently is safer than hammering a broken upstream.
var retryableSignatures = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporary failure",
	"no such host",
	"tls handshake",
	"429",
	"502",
	"503",
	"504",
	"EOF",
}

// Retryable classifies a task error. Explicit wrappers win; otherwise
// net errors and the fixed signature list decide.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	// Context cancellation is never retried here: it means the job was
	// cancelled or timed out against its own TTL.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// wrapExit classifies a tool failure by its stderr content.
func wrapExit(tool string, err error, stderr string) error {
	combined := fmt.Errorf("%s: %w: %s", tool, err, strings.TrimSpace(stderr))
	if Retryable(errors.New(stderr)) {
		return Transient(combined)
	}
	return Permanent(combined)
}
