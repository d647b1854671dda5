package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

type webGateway struct {
	srv      *Server
	upgrader websocket.Upgrader
	http     *http.Server
}

func newWebGateway(s *Server) *webGateway {
	return &webGateway{
		srv: s,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (gw *webGateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/status", gw.handleStatus)
	mux.HandleFunc("/healthz", gw.handleHealth)
	mux.Handle("/metrics", gw.srv.metrics.handler())
	return mux
}

// startWeb runs the HTTP gateway: a websocket mirror of the data
// channel plus status, health, and metrics endpoints.
func (s *Server) startWeb() {
	gw := newWebGateway(s)
	gw.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.WebPort),
		Handler:           gw.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.web = gw

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := gw.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("web gateway: %v", err)
		}
	}()
}

func (s *Server) stopWeb() {
	if s.web == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.web.http.Shutdown(ctx)
}

// handleWS turns a websocket connection into a viewer session. It
// joins and leaves the same session table as raw TCP viewers, so it
// counts toward the restart-on-first-viewer rule.
func (gw *webGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	sess := gw.srv.addSession(
		func(p []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteMessage(websocket.BinaryMessage, p)
		},
		func() { _ = conn.Close() },
	)
	log.Printf("session %s connected via websocket from %s", sess.id, r.RemoteAddr)

	gw.srv.wg.Add(2)
	go func() {
		defer gw.srv.wg.Done()
		gw.srv.runWriter(sess)
	}()
	go func() {
		defer gw.srv.wg.Done()
		defer gw.srv.removeSession(sess)

		ping := time.NewTicker(pingEvery)
		defer ping.Stop()
		go func() {
			for {
				select {
				case <-sess.done:
					return
				case <-ping.C:
					writeMu.Lock()
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					err := conn.WriteMessage(websocket.PingMessage, nil)
					writeMu.Unlock()
					if err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		// The read loop only notices the peer going away; inbound
		// data is ignored.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleStatus reads only atomics and the center lock, never the
// session table lock the broadcast path holds.
func (gw *webGateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cx, cy := gw.srv.Center()
	lastDelivery := ""
	if ns := gw.srv.lastDelivery.Load(); ns > 0 {
		lastDelivery = time.Unix(0, ns).Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clients":       gw.srv.ClientCount(),
		"frame_index":   gw.srv.FrameIndex(),
		"center_x":      cx,
		"center_y":      cy,
		"source_width":  gw.srv.width,
		"source_height": gw.srv.height,
		"spiral_period": gw.srv.table.SpiralPeriod,
		"max_cells":     gw.srv.table.MaxCells,
		"last_delivery": lastDelivery,
	})
}

func (gw *webGateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
