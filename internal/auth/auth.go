// Package auth maps presented API keys to authorization contexts and
// enforces a per-source lockout after repeated failures.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidKey    = errors.New("auth: invalid api key")
	ErrSourceBlocked = errors.New("auth: source blocked after repeated failures")
	ErrNoPermission  = errors.New("auth: permission denied")
)

// Permissions understood by the gateway. PermAll is the wildcard.
const (
	PermProcessVideo = "process-video"
	PermQueueStatus  = "queue-status"
	PermQueueAdmin   = "queue-admin"
	PermGeneral      = "general"
	PermAll          = "all"
)

// ApiKeyRecord holds one configured key. The raw key is never stored;
// only its SHA-256 hash is kept for lookup.
type ApiKeyRecord struct {
	KeyHash     string
	Name        string
	Permissions map[string]bool
	Allowance   int // requests per rate window, 0 = limiter default

	mu            sync.Mutex
	totalRequests int64
	errorCount    int64
	lastUsedAt    time.Time
}

// Usage returns a snapshot of the key's usage counters.
func (r *ApiKeyRecord) Usage() (total, errs int64, lastUsed time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRequests, r.errorCount, r.lastUsedAt
}

// Context is the authorization context attached to a validated request.
type Context struct {
	KeyName     string
	Permissions map[string]bool
	Allowance   int
}

// HasPermission reports whether the context grants the permission,
// honoring the wildcard.
func (c *Context) HasPermission(required string) bool {
	if c == nil {
		return false
	}
	return c.Permissions[PermAll] || c.Permissions[required]
}

// Lockout thresholds: a source moves from clear to warned to blocked
// as failures accumulate inside the window.
const (
	warnThreshold  = 5
	blockThreshold = 10
	failureWindow  = time.Hour
	sweepInterval  = 10 * time.Minute
)

// failureEntry tracks auth failures from one source within a window.
type failureEntry struct {
	count       int
	windowStart time.Time
	lastAttempt time.Time
}

// Gateway validates credentials and tracks per-source abuse.
// Its failure map is synchronized independently of the job queue.
type Gateway struct {
	keys   map[string]*ApiKeyRecord // keyed by hash
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]*failureEntry
	now      func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewGateway creates a gateway over the given key records.
func NewGateway(keys []*ApiKeyRecord, logger *slog.Logger) *Gateway {
	byHash := make(map[string]*ApiKeyRecord, len(keys))
	for _, k := range keys {
		byHash[k.KeyHash] = k
	}
	return &Gateway{
		keys:      byHash,
		logger:    logger,
		failures:  make(map[string]*failureEntry),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate checks the raw key against configured records. A blocked
// source is rejected before the key is even looked at, so a valid key
// cannot bypass the lockout. Failure counts persist until the window
// elapses; a successful auth does not reset them.
func (g *Gateway) Validate(rawKey, sourceID string) (*Context, error) {
	if g.isBlocked(sourceID) {
		return nil, ErrSourceBlocked
	}

	hash := HashKey(rawKey)
	var rec *ApiKeyRecord
	for h, k := range g.keys {
		if subtle.ConstantTimeCompare([]byte(h), []byte(hash)) == 1 {
			rec = k
			break
		}
	}
	if rawKey == "" || rec == nil {
		g.recordFailure(sourceID)
		return nil, ErrInvalidKey
	}

	rec.mu.Lock()
	rec.totalRequests++
	rec.lastUsedAt = g.now()
	rec.mu.Unlock()

	return &Context{
		KeyName:     rec.Name,
		Permissions: rec.Permissions,
		Allowance:   rec.Allowance,
	}, nil
}

// RecordError increments the error counter of a key after a failed
// authenticated request.
func (g *Gateway) RecordError(keyName string) {
	for _, rec := range g.keys {
		if rec.Name == keyName {
			rec.mu.Lock()
			rec.errorCount++
			rec.mu.Unlock()
			return
		}
	}
}

func (g *Gateway) isBlocked(sourceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.failures[sourceID]
	if !ok {
		return false
	}
	now := g.now()
	if now.Sub(entry.windowStart) >= failureWindow {
		delete(g.failures, sourceID)
		return false
	}
	return entry.count >= blockThreshold
}

func (g *Gateway) recordFailure(sourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.failures[sourceID]
	if !ok || now.Sub(entry.windowStart) >= failureWindow {
		entry = &failureEntry{windowStart: now}
		g.failures[sourceID] = entry
	}
	entry.count++
	entry.lastAttempt = now

	switch {
	case entry.count == blockThreshold:
		g.logger.Warn("source blocked after repeated auth failures",
			slog.String("source", sourceID),
			slog.Int("failures", entry.count),
		)
	case entry.count == warnThreshold:
		g.logger.Warn("source approaching auth failure lockout",
			slog.String("source", sourceID),
			slog.Int("failures", entry.count),
		)
	}
}

// FailureCount returns the current failure count for a source.
func (g *Gateway) FailureCount(sourceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.failures[sourceID]; ok {
		return entry.count
	}
	return 0
}

// StartSweep launches the periodic purge of expired failure entries.
func (g *Gateway) StartSweep() {
	g.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-g.stopSweep:
					return
				case <-ticker.C:
					if n := g.Sweep(); n > 0 {
						g.logger.Debug("purged expired failure entries", slog.Int("count", n))
					}
				}
			}
		}()
	})
}

// StopSweep stops the background sweep goroutine.
func (g *Gateway) StopSweep() {
	select {
	case <-g.stopSweep:
	default:
		close(g.stopSweep)
	}
}

// Sweep removes failure entries whose window has elapsed.
func (g *Gateway) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for src, entry := range g.failures {
		if now.Sub(entry.windowStart) >= failureWindow {
			delete(g.failures, src)
			removed++
		}
	}
	return removed
}

// ParseKeys parses the API_KEYS config format:
// name:rawkey:perm|perm:allowance, comma separated. Allowance is
// optional.
func ParseKeys(raw string) ([]*ApiKeyRecord, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("auth: no api keys configured")
	}

	var records []*ApiKeyRecord
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("auth: malformed key entry %q", item)
		}

		perms := make(map[string]bool)
		for _, p := range strings.Split(parts[2], "|") {
			p = strings.TrimSpace(p)
			if p != "" {
				perms[p] = true
			}
		}
		if len(perms) == 0 {
			return nil, fmt.Errorf("auth: key %q has no permissions", parts[0])
		}

		allowance := 0
		if len(parts) >= 4 && parts[3] != "" {
			n, err := strconv.Atoi(parts[3])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("auth: key %q has invalid allowance %q", parts[0], parts[3])
			}
			allowance = n
		}

		records = append(records, &ApiKeyRecord{
			KeyHash:     HashKey(parts[1]),
			Name:        parts[0],
			Permissions: perms,
			Allowance:   allowance,
		})
	}
	return records, nil
}
