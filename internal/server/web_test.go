package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lpx-stream-go/internal/config"
	"lpx-stream-go/internal/lpx"
)

func TestWebsocketViewerJoinsSessionTable(t *testing.T) {
	srv, src := startTestServer(t, config.AppConfig{FPS: 200})
	gw := newWebGateway(srv)
	ts := httptest.NewServer(gw.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// The websocket viewer counts like a raw TCP viewer: it is the
	// first session, so the source restarts before its first frame.
	waitFor(t, func() bool { return srv.ClientCount() == 1 }, "websocket session registered")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type %d, want binary", kind)
	}
	im, err := lpx.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if red := frameRed(t, im); red != 0 {
		t.Fatalf("first frame carries source index %d, want 0", red)
	}
	if n := src.rewinds.Load(); n != 1 {
		t.Fatalf("source rewound %d times, want 1", n)
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got := int(status["clients"].(float64)); got != 1 {
		t.Fatalf("status reports %d clients, want 1", got)
	}
	delivered, _ := status["last_delivery"].(string)
	if delivered == "" {
		t.Fatalf("status missing last_delivery after a frame was sent")
	}
	if _, err := time.Parse(time.RFC3339, delivered); err != nil {
		t.Fatalf("last_delivery %q not RFC3339: %v", delivered, err)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return srv.ClientCount() == 0 }, "websocket session removed")
}

func TestStatusAvoidsBroadcastLock(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})
	gw := newWebGateway(srv)

	// Hold the lock the broadcast path serializes on; the status
	// query must still complete.
	srv.mu.Lock()
	defer srv.mu.Unlock()

	done := make(chan map[string]any, 1)
	go func() {
		rec := httptest.NewRecorder()
		gw.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		var status map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &status)
		done <- status
	}()

	select {
	case status := <-done:
		if got := int(status["clients"].(float64)); got != 0 {
			t.Fatalf("status reports %d clients, want 0", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("status query blocked on the session table lock")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})
	ts := httptest.NewServer(newWebGateway(srv).routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", resp.StatusCode)
	}
}
