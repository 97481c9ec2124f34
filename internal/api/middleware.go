package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vidqueue/internal/auth"
	"vidqueue/internal/ratelimit"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "requestID"
	ctxKeyAuth      contextKey = "authContext"
)

// RequestID returns the request id assigned by the middleware chain.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}

func authContext(r *http.Request) *auth.Context {
	ac, _ := r.Context().Value(ctxKeyAuth).(*auth.Context)
	return ac
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the underlying writer so websocket upgrades work
// through the logging wrapper.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestID assigns each request a uuid, echoed in the response.
func (s *Server) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next(w, r.WithContext(ctx))
	}
}

// withAccessLog logs one line per request.
func (s *Server) withAccessLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", RequestID(r)),
			slog.String("source", clientIP(r)),
		)
	}
}

// withRateLimit enforces the per-source, per-endpoint sliding window.
// It runs before auth so a flooding source is turned away without
// spending credential checks on it.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.EndpointKey(clientIP(r), r.URL.Path)
		ok, retryAfter := s.limiter.AllowN(key, s.cfg.RateMax)
		if !ok {
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, r, http.StatusTooManyRequests, "RateLimited",
				"rate limit exceeded, retry later", nil)
			return
		}
		next(w, r)
	}
}

// withAuth validates the request credential and attaches the
// authorization context. Credential sources, in order: Authorization
// bearer token, X-API-Key header, api_key query parameter.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := clientIP(r)

		rawKey := bearerToken(r)
		if rawKey == "" {
			rawKey = r.Header.Get("X-API-Key")
		}
		if rawKey == "" {
			if qk := r.URL.Query().Get("api_key"); qk != "" {
				rawKey = qk
				s.logger.Warn("api key passed via query parameter, prefer headers",
					slog.String("source", source),
					slog.String("request_id", RequestID(r)),
				)
			}
		}
		if rawKey == "" {
			s.writeError(w, r, http.StatusUnauthorized, "AuthFailure",
				"missing api key", nil)
			return
		}

		ac, err := s.gateway.Validate(rawKey, source)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid api key"
			if err == auth.ErrSourceBlocked {
				status = http.StatusForbidden
				msg = "source temporarily blocked after repeated auth failures"
			}
			s.writeError(w, r, status, "AuthFailure", msg, err)
			return
		}

		// Per-key allowance rides the same sliding window as the
		// source limit but under the key's own bucket.
		if ac.Allowance > 0 {
			ok, retryAfter := s.limiter.AllowN("key:"+ac.KeyName, ac.Allowance)
			if !ok {
				secs := int(retryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				s.writeError(w, r, http.StatusTooManyRequests, "RateLimited",
					"api key allowance exhausted, retry later", nil)
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxKeyAuth, ac)
		next(w, r.WithContext(ctx))
	}
}

// requirePermission gates a handler on a named permission.
func (s *Server) requirePermission(perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := authContext(r)
		if !ac.HasPermission(perm) {
			if ac != nil {
				s.gateway.RecordError(ac.KeyName)
			}
			s.writeError(w, r, http.StatusForbidden, "AuthFailure",
				"api key lacks required permission: "+perm, nil)
			return
		}
		next(w, r)
	}
}

// chain is the standard middleware stack for protected endpoints.
func (s *Server) chain(perm string, h http.HandlerFunc) http.HandlerFunc {
	return s.withRequestID(s.withAccessLog(s.withRateLimit(s.withAuth(s.requirePermission(perm, h)))))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
