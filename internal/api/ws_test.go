package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"vidqueue/internal/auth"
	"vidqueue/internal/models"
	"vidqueue/internal/queue"
	"vidqueue/internal/store"
	wshub "vidqueue/internal/websocket"
)

// The upgrade must survive the full middleware chain, access-log
// wrapper included.
func TestWebSocket_UpgradeThroughMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	qm := queue.NewManager(queue.Config{MaxQueueSize: 10}, mem, nil, logger)
	t.Cleanup(qm.Close)

	hub := wshub.NewHub(qm, mem, logger)
	hub.Start()
	t.Cleanup(hub.Stop)

	gw := auth.NewGateway([]*auth.ApiKeyRecord{{
		KeyHash:     auth.HashKey(readKey),
		Name:        "reader",
		Permissions: map[string]bool{auth.PermQueueStatus: true},
	}}, logger)

	srv := NewServer(Config{RateMax: 100, RateWindow: time.Minute}, qm, mem, gw, hub, logger)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + readKey}}

	conn, resp, err := gws.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (http status %d)", err, status)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap wshub.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if snap.Stats != (models.Stats{}) {
		t.Errorf("fresh queue snapshot stats = %+v, want zero", snap.Stats)
	}
}

// Missing credentials are rejected before the upgrade is attempted.
func TestWebSocket_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, Config{})

	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
}
