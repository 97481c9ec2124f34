// Package api exposes the HTTP surface: job submission, status,
// cancellation, queue administration, health, and the websocket feed.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	ws "github.com/gorilla/websocket"

	"vidqueue/internal/auth"
	"vidqueue/internal/models"
	"vidqueue/internal/queue"
	"vidqueue/internal/ratelimit"
	"vidqueue/internal/security"
	"vidqueue/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Config holds API tuning.
type Config struct {
	RateMax    int           // requests per window per source+endpoint
	RateWindow time.Duration // sliding window span
	DevMode    bool          // include error detail in responses
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	cfg      Config
	queue    *queue.Manager
	store    store.Store
	gateway  *auth.Gateway
	limiter  *ratelimit.Limiter
	hub      Feed
	logger   *slog.Logger
	upgrader ws.Upgrader
}

// Feed is the live update sink for websocket clients.
type Feed interface {
	AddClient(conn *ws.Conn)
}

// NewServer creates the API server.
func NewServer(cfg Config, qm *queue.Manager, st store.Store, gw *auth.Gateway, hub Feed, logger *slog.Logger) *Server {
	if cfg.RateMax <= 0 {
		cfg.RateMax = 100
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 15 * time.Minute
	}
	return &Server{
		cfg:     cfg,
		queue:   qm,
		store:   st,
		gateway: gw,
		limiter: ratelimit.New(cfg.RateMax, cfg.RateWindow),
		hub:     hub,
		logger:  logger,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Limiter exposes the request limiter so its sweep can be scheduled.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// SetupRoutes registers all endpoints on the mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/process-video", s.chain(auth.PermProcessVideo, s.processVideo))
	mux.HandleFunc("GET /api/queue-status", s.chain(auth.PermQueueStatus, s.getQueueStatus))
	mux.HandleFunc("POST /api/cancel-request", s.chain(auth.PermProcessVideo, s.cancelRequest))
	mux.HandleFunc("GET /api/queue/stats", s.chain(auth.PermQueueStatus, s.queueStats))
	mux.HandleFunc("POST /api/queue/pause", s.chain(auth.PermQueueAdmin, s.pauseQueue))
	mux.HandleFunc("POST /api/queue/resume", s.chain(auth.PermQueueAdmin, s.resumeQueue))
	mux.HandleFunc("GET /ws", s.chain(auth.PermQueueStatus, s.handleWebSocket))

	// Health stays outside rate limiting and auth so probes always
	// get an answer.
	mux.HandleFunc("GET /health", s.withRequestID(s.withAccessLog(s.health)))
}

// processVideo admits a new job.
func (s *Server) processVideo(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req models.ProcessVideoRequest
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError",
			"invalid request body", err)
		return
	}

	if err := security.ValidateURL(req.VideoURL); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error(), err)
		return
	}
	if req.CallbackURL != "" {
		if err := security.ValidateURL(req.CallbackURL); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "ValidationError",
				"callbackUrl: "+err.Error(), err)
			return
		}
	}

	opts := models.Options{Priority: 5}
	if req.Options != nil {
		opts = *req.Options
		if err := security.ValidatePriority(opts.Priority); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error(), err)
			return
		}
		if opts.Webhook != "" {
			if err := security.ValidateURL(opts.Webhook); err != nil {
				s.writeError(w, r, http.StatusBadRequest, "ValidationError",
					"options.webhook: "+err.Error(), err)
				return
			}
		}
	}

	j := &models.Job{
		ID:          req.JobID,
		RequestID:   RequestID(r),
		VideoURL:    security.Sanitize(req.VideoURL),
		CallbackURL: req.CallbackURL,
		Options:     opts,
		SourceAddr:  clientIP(r),
	}
	if ac := authContext(r); ac != nil {
		j.APIKeyName = ac.KeyName
	}

	position, err := s.queue.Submit(r.Context(), j)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrCapacityExceeded):
			s.writeError(w, r, http.StatusServiceUnavailable, "CapacityExceeded",
				"queue is full, retry later", err)
		case errors.Is(err, security.ErrInvalidJobID), errors.Is(err, store.ErrJobExists):
			s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error(), err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, "InternalError",
				"failed to enqueue job", err)
		}
		return
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Warn("stats lookup after submit failed", slog.String("error", err.Error()))
	}

	// Callers see a 1-based position: 1 means next in line.
	s.writeJSON(w, http.StatusAccepted, models.ProcessVideoResponse{
		JobID:             j.ID,
		Status:            j.State,
		Position:          position + 1,
		EstimatedWaitTime: int(s.queue.EstimatedWait(stats).Seconds()),
	})
}

// statusListing is the multi-job response of GET /api/queue-status.
type statusListing struct {
	Stats      models.Stats  `json:"stats"`
	Jobs       []*models.Job `json:"jobs"`
	Pagination pagination    `json:"pagination"`
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// getQueueStatus returns one job's detail or an aggregate listing.
func (s *Server) getQueueStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if jobID := q.Get("jobId"); jobID != "" {
		if err := security.ValidateJobID(jobID); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error(), err)
			return
		}
		j, err := s.store.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				s.writeError(w, r, http.StatusNotFound, "NotFound", "unknown job id", err)
				return
			}
			s.writeError(w, r, http.StatusInternalServerError, "InternalError",
				"failed to load job", err)
			return
		}
		s.writeJSON(w, http.StatusOK, j)
		return
	}

	limit := parseIntParam(q.Get("limit"), defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntParam(q.Get("offset"), 0)

	var state models.State
	if raw := q.Get("status"); raw != "" {
		state = models.State(raw)
		switch state {
		case models.StateWaiting, models.StateActive, models.StateDelayed,
			models.StateCompleted, models.StateFailed, models.StateCancelled:
		default:
			s.writeError(w, r, http.StatusBadRequest, "ValidationError",
				"unknown status filter: "+raw, nil)
			return
		}
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "InternalError",
			"failed to load stats", err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), store.ListFilter{
		State:  state,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "InternalError",
			"failed to list jobs", err)
		return
	}

	s.writeJSON(w, http.StatusOK, statusListing{
		Stats: stats,
		Jobs:  jobs,
		Pagination: pagination{
			Limit:  limit,
			Offset: offset,
			Count:  len(jobs),
		},
	})
}

// cancelRequest cancels a waiting, delayed, or active job.
func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req models.CancelRequest
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError",
			"invalid request body", err)
		return
	}
	if err := security.ValidateJobID(req.JobID); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error(), err)
		return
	}

	j, err := s.queue.Cancel(r.Context(), req.JobID, security.Sanitize(req.Reason))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			s.writeError(w, r, http.StatusNotFound, "NotFound", "unknown job id", err)
		case errors.Is(err, queue.ErrInvalidState):
			s.writeError(w, r, http.StatusBadRequest, "InvalidState",
				"job already finished, nothing to cancel", err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, "InternalError",
				"failed to cancel job", err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobId":  j.ID,
		"status": j.State,
	})
}

// queueStats returns per-state counts.
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "InternalError",
			"failed to load stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	s.logger.Info("queue paused", slog.String("request_id", RequestID(r)))
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "paused": true})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	s.logger.Info("queue resumed", slog.String("request_id", RequestID(r)))
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "paused": false})
}

// health answers liveness probes with a store ping.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "InternalError",
			"store unreachable", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.hub.AddClient(conn)
}

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, cause error) {
	env := errorEnvelope{Error: code, Message: message}
	if s.cfg.DevMode && cause != nil {
		env.Detail = cause.Error()
	}
	if status >= 500 && cause != nil {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestID(r)),
			slog.String("error", cause.Error()),
		)
	}
	s.writeJSON(w, status, env)
}

func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
