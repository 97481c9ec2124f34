// Package websocket pushes live queue state to connected dashboard
// clients. The hub listens on the queue's update channel and sends a
// fresh snapshot whenever job state changes, plus a periodic refresh.
package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidqueue/internal/models"
	"vidqueue/internal/queue"
	"vidqueue/internal/store"
)

const (
	snapshotJobs    = 50
	refreshInterval = 10 * time.Second
	writeTimeout    = 5 * time.Second
)

// Snapshot is one websocket frame.
type Snapshot struct {
	Stats models.Stats  `json:"stats"`
	Jobs  []*models.Job `json:"jobs"`
}

// Hub fans queue updates out to websocket clients.
type Hub struct {
	queue  *queue.Manager
	store  store.Store
	logger *slog.Logger

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub over the queue and store.
func NewHub(qm *queue.Manager, st store.Store, logger *slog.Logger) *Hub {
	return &Hub{
		queue:   qm,
		store:   st,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop closes all client connections and halts broadcasting.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.clientsMu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientsMu.Unlock()
}

// AddClient registers a connection, sends it an initial snapshot, and
// reaps it on read error.
func (h *Hub) AddClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Debug("websocket client connected", slog.Int("clients", n))

	if snap, err := h.snapshot(); err == nil {
		h.send(conn, snap)
	}

	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()
			h.logger.Debug("websocket client disconnected", slog.Int("clients", remaining))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.queue.Updates():
		case <-ticker.C:
		}
		h.broadcast()
	}
}

func (h *Hub) broadcast() {
	h.clientsMu.Lock()
	n := len(h.clients)
	h.clientsMu.Unlock()
	if n == 0 {
		return
	}

	snap, err := h.snapshot()
	if err != nil {
		h.logger.Error("websocket snapshot failed", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clientsMu.Unlock()

	for _, conn := range conns {
		h.send(conn, snap)
	}
}

func (h *Hub) snapshot() (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := h.store.ListJobs(ctx, store.ListFilter{Limit: snapshotJobs})
	if err != nil {
		return nil, err
	}
	return &Snapshot{Stats: stats, Jobs: jobs}, nil
}

func (h *Hub) send(conn *websocket.Conn, snap *Snapshot) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(snap); err != nil {
		h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
