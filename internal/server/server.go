// Package server owns the frame production loop, the set of connected
// viewer sessions, and the re-centering control plane. One shared
// fixation center governs every scan; frames are encoded once and
// fanned out to all streaming sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lpx-stream-go/internal/config"
	"lpx-stream-go/internal/framesource"
	"lpx-stream-go/internal/lpx"
)

var ErrAlreadyStarted = errors.New("server already started")

type Server struct {
	cfg   config.AppConfig
	table *lpx.ScanTable

	source framesource.Source
	width  int
	height int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
	stopped  chan struct{}

	dataLn net.Listener
	ctrlLn net.Listener
	web    *webGateway

	// The session table lock is never held during I/O, and the count
	// mirror keeps status queries off the broadcast path entirely.
	mu       sync.Mutex
	sessions map[string]*session
	count    atomic.Int64

	needRestart  atomic.Bool
	frameIndex   atomic.Int64
	lastDelivery atomic.Int64

	centerMu sync.Mutex
	centerX  float64
	centerY  float64

	limiter *rateLimiter
	metrics *metrics
}

func New(table *lpx.ScanTable, cfg config.AppConfig) *Server {
	cfg = cfg.Normalized()
	return &Server{
		cfg:      cfg,
		table:    table,
		sessions: make(map[string]*session),
		stopped:  make(chan struct{}),
		limiter:  newRateLimiter(cfg.CommandMinInterval),
		metrics:  newMetrics(),
	}
}

// Start opens the data and control listeners and launches the
// production loop against the given frame source. It fails if the
// scan table was never loaded.
func (s *Server) Start(source framesource.Source) error {
	if !s.table.Initialized() {
		return fmt.Errorf("start: %w", lpx.ErrUninitializedTable)
	}
	if s.started {
		return ErrAlreadyStarted
	}

	s.source = source
	s.width, s.height = source.Size()
	if s.width < 1 || s.height < 1 {
		return fmt.Errorf("start: frame source reports size %dx%d", s.width, s.height)
	}
	s.centerX = float64(s.width) / 2
	s.centerY = float64(s.height) / 2

	dataLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.DataPort))
	if err != nil {
		return fmt.Errorf("start data listener: %w", err)
	}
	ctrlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		_ = dataLn.Close()
		return fmt.Errorf("start control listener: %w", err)
	}
	s.dataLn = dataLn
	s.ctrlLn = ctrlLn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	s.wg.Add(3)
	go s.produceLoop()
	go s.acceptLoop()
	go s.controlLoop()
	if s.cfg.WebPort > 0 {
		s.startWeb()
	}

	log.Printf("server started: data %s control %s (%dx%d @ %.1f fps)",
		dataLn.Addr(), ctrlLn.Addr(), s.width, s.height, s.cfg.FPS)
	return nil
}

// Stop terminates the production loop before its next scan, closes all
// sessions and listeners, and releases the frame source. Idempotent.
func (s *Server) Stop() {
	if !s.started {
		return
	}
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.dataLn.Close()
		_ = s.ctrlLn.Close()
		s.stopWeb()

		s.mu.Lock()
		list := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			list = append(list, sess)
		}
		s.sessions = make(map[string]*session)
		s.count.Store(0)
		s.metrics.sessions.Set(0)
		s.mu.Unlock()
		for _, sess := range list {
			sess.setState(stateDisconnected)
			sess.shutdown()
		}

		s.wg.Wait()
		_ = s.source.Close()
		close(s.stopped)
		log.Printf("server stopped")
	})
}

// Done is closed once the server has fully stopped, whether by Stop
// or by a finite source running out with looping disabled.
func (s *Server) Done() <-chan struct{} {
	return s.stopped
}

// DataAddr returns the bound data-channel address.
func (s *Server) DataAddr() net.Addr { return s.dataLn.Addr() }

// ControlAddr returns the bound control-channel address.
func (s *Server) ControlAddr() net.Addr { return s.ctrlLn.Addr() }

// ClientCount reports the number of connected sessions. It reads a
// dedicated atomic and shares no lock with the broadcast path.
func (s *Server) ClientCount() int {
	return int(s.count.Load())
}

// FrameIndex reports the index of the next frame to be produced.
func (s *Server) FrameIndex() int64 {
	return s.frameIndex.Load()
}

// SetCenter moves the shared fixation point, clamped to the source
// raster. The change is visible to the next scan, never an in-flight
// frame.
func (s *Server) SetCenter(x, y float64) {
	s.centerMu.Lock()
	s.centerX = clampFloat(x, 0, float64(s.width-1))
	s.centerY = clampFloat(y, 0, float64(s.height-1))
	s.centerMu.Unlock()
}

// MoveCenter applies a relative re-centering offset.
func (s *Server) MoveCenter(dx, dy float64) {
	s.centerMu.Lock()
	s.centerX = clampFloat(s.centerX+dx, 0, float64(s.width-1))
	s.centerY = clampFloat(s.centerY+dy, 0, float64(s.height-1))
	s.centerMu.Unlock()
}

// Center returns the fixation point the next scan will use.
func (s *Server) Center() (int, int) {
	s.centerMu.Lock()
	defer s.centerMu.Unlock()
	return int(math.Round(s.centerX)), int(math.Round(s.centerY))
}

func (s *Server) produceLoop() {
	defer s.wg.Done()

	interval := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if s.ctx.Err() != nil {
			return
		}
		if s.count.Load() == 0 {
			continue
		}

		if s.needRestart.CompareAndSwap(true, false) {
			if err := s.source.Rewind(); err != nil {
				log.Printf("frame source rewind failed: %v", err)
			}
			s.frameIndex.Store(0)
		}

		frame, err := s.source.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			if s.cfg.Loop {
				if err := s.source.Rewind(); err != nil {
					log.Printf("frame source rewind failed: %v", err)
				}
				s.frameIndex.Store(0)
				continue
			}
			log.Printf("frame source exhausted, stopping")
			go s.Stop()
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("frame source error: %v", err)
			continue
		}

		cx, cy := s.Center()
		img, err := lpx.Scan(frame, cx, cy, s.table)
		if err != nil {
			// Unreachable once Start has validated the table.
			log.Printf("scan failed: %v", err)
			go s.Stop()
			return
		}

		payload := lpx.Encode(img)
		s.metrics.framesProduced.Inc()
		s.broadcast(payload)
		s.frameIndex.Add(1)
	}
}

// broadcast fans one encoded frame out to every session. The session
// table lock is held only to snapshot the table, never during a push
// or a write.
func (s *Server) broadcast(payload []byte) {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	for _, sess := range list {
		if sess.push(payload) {
			s.metrics.framesBroadcast.Inc()
		} else {
			s.metrics.framesDropped.Inc()
		}
	}
}

// acceptRetryDelay paces retries after a transient accept failure,
// such as fd exhaustion.
const acceptRetryDelay = 100 * time.Millisecond

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.dataLn.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// A transient failure must not close admission while the
			// production loop keeps running.
			log.Printf("accept failed: %v", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		sess := s.addSession(
			func(p []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				_, err := conn.Write(p)
				return err
			},
			func() { _ = conn.Close() },
		)
		log.Printf("session %s connected from %s", sess.id, conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWriter(sess)
		}()
	}
}

// addSession registers a new viewer. The transition from zero to one
// active session arms a source restart so a cold-starting audience
// always sees a deterministic first frame.
func (s *Server) addSession(write func([]byte) error, release func()) *session {
	sess := newSession(uuid.NewString(), s.cfg.SessionBuffer, write, release)

	// The count mirror is written under the same lock that orders the
	// map mutations, so concurrent joins and leaves cannot publish
	// mirror values out of order. The restart flag must be visible
	// before the count is, or the production loop could emit one stale
	// frame to a cold-starting audience.
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	if n == 1 {
		s.needRestart.Store(true)
	}
	s.count.Store(int64(n))
	s.metrics.sessions.Set(float64(n))
	s.mu.Unlock()
	return sess
}

func (s *Server) removeSession(sess *session) {
	sess.shutdown()

	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.count.Store(int64(n))
	s.metrics.sessions.Set(float64(n))
	s.mu.Unlock()

	log.Printf("session %s removed (%s), %d active", sess.id, sess.currentState(), n)
}

// runWriter drains a session's frame buffer onto its transport. A
// write error fails only this session; the production loop and the
// other sessions are unaffected.
func (s *Server) runWriter(sess *session) {
	defer s.removeSession(sess)
	for {
		select {
		case <-s.ctx.Done():
			sess.setState(stateDisconnected)
			return
		case <-sess.done:
			if sess.currentState() == stateConnecting || sess.currentState() == stateStreaming {
				sess.setState(stateDisconnected)
			}
			return
		case frame := <-sess.frames:
			if err := sess.write(frame); err != nil {
				sess.setState(stateFailed)
				log.Printf("session %s write failed: %v", sess.id, err)
				return
			}
			s.lastDelivery.Store(time.Now().UnixNano())
			if sess.firstFrame.CompareAndSwap(true, false) {
				sess.setState(stateStreaming)
			}
		}
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
