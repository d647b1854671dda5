package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxCommandBytes    = 64
	commandReadTimeout = 5 * time.Second
)

// controlLoop accepts short-lived re-centering connections. Each
// connection carries one "dx,dy" command; malformed or rate-limited
// commands are dropped without affecting the stream.
func (s *Server) controlLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ctrlLn.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("control accept failed: %v", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleControl(conn)
		}()
	}
}

func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(commandReadTimeout))

	// The payload may arrive split across segments; the peer closes
	// its end after writing, so read to EOF before parsing.
	payload, err := io.ReadAll(io.LimitReader(conn, maxCommandBytes))
	if err != nil {
		log.Printf("control read from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if len(payload) == 0 {
		return
	}

	dx, dy, err := parseMoveCommand(string(payload))
	if err != nil {
		s.metrics.commandsDropped.Inc()
		log.Printf("control: dropping command from %s: %v", conn.RemoteAddr(), err)
		return
	}

	if !s.limiter.allow(commandKey(conn.RemoteAddr()), time.Now()) {
		s.metrics.commandsDropped.Inc()
		return
	}

	s.MoveCenter(dx, dy)
	s.metrics.commandsAccepted.Inc()
	cx, cy := s.Center()
	log.Printf("control: moved center by (%.1f, %.1f) to (%d, %d)", dx, dy, cx, cy)
}

// parseMoveCommand parses a "dx,dy" pair of decimal offsets.
func parseMoveCommand(raw string) (dx, dy float64, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected dx,dy, got %q", raw)
	}
	dx, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad dx %q: %w", parts[0], err)
	}
	dy, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad dy %q: %w", parts[1], err)
	}
	return dx, dy, nil
}

func commandKey(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// rateLimiter enforces a minimum interval between accepted commands
// per sender. There is no cap on how many commands a sender may issue
// over a connection's lifetime; pacing is the only constraint.
type rateLimiter struct {
	mu   sync.Mutex
	min  time.Duration
	last map[string]time.Time
}

func newRateLimiter(min time.Duration) *rateLimiter {
	return &rateLimiter{
		min:  min,
		last: make(map[string]time.Time),
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	if l.min <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[key]; ok && now.Sub(prev) < l.min {
		return false
	}
	l.last[key] = now

	if len(l.last) > 1024 {
		l.prune(now)
	}
	return true
}

// prune drops senders idle for ten intervals. Caller holds the lock.
func (l *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-10 * l.min)
	for key, seen := range l.last {
		if seen.Before(cutoff) {
			delete(l.last, key)
		}
	}
}
