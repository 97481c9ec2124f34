// Package security holds stateless validation and sanitization for
// inbound request fields. It gates input before it reaches the queue;
// everything here is pure pattern matching with no shared state.
package security

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var (
	ErrEmptyURL      = errors.New("security: url is required")
	ErrInvalidURL    = errors.New("security: url is not a valid http(s) url")
	ErrURLTooLong    = errors.New("security: url exceeds maximum length")
	ErrInvalidJobID  = errors.New("security: job id must be 1-50 alphanumeric, dash or underscore characters")
	ErrPriorityRange = errors.New("security: priority must be between 0 and 10")
)

const maxURLLength = 2048

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidateJobID checks the caller-visible job id format.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return ErrInvalidJobID
	}
	return nil
}

// ValidateURL checks that raw is a well-formed absolute http(s) URL
// with no embedded control characters.
func ValidateURL(raw string) error {
	if raw == "" {
		return ErrEmptyURL
	}
	if len(raw) > maxURLLength {
		return ErrURLTooLong
	}
	if hasControlChars(raw) {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	if u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// ValidatePriority checks the caller-facing priority range.
func ValidatePriority(p int) error {
	if p < 0 || p > 10 {
		return ErrPriorityRange
	}
	return nil
}

// Sanitize trims whitespace and strips control characters from a
// free-form string field.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func hasControlChars(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}
