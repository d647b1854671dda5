package server

import (
	"sync"
	"sync/atomic"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateStreaming
	stateDisconnected
	stateFailed
)

func (st sessionState) String() string {
	switch st {
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	case stateDisconnected:
		return "disconnected"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// session is one connected viewer. The production loop pushes encoded
// frames into the buffered frames channel without ever blocking; the
// session's writer goroutine drains it. A full buffer drops the oldest
// frame so a slow viewer degrades only its own delivery.
type session struct {
	id     string
	frames chan []byte

	write   func([]byte) error
	release func()

	state      atomic.Int32
	firstFrame atomic.Bool

	done     chan struct{}
	shutOnce sync.Once
}

func newSession(id string, buffer int, write func([]byte) error, release func()) *session {
	s := &session{
		id:      id,
		frames:  make(chan []byte, buffer),
		write:   write,
		release: release,
		done:    make(chan struct{}),
	}
	s.firstFrame.Store(true)
	return s
}

// push queues a frame, dropping the oldest queued frame when the
// buffer is full. It never blocks and never reorders.
func (s *session) push(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

func (s *session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// shutdown closes the transport once; safe from any goroutine.
func (s *session) shutdown() {
	s.shutOnce.Do(func() {
		close(s.done)
		s.release()
	})
}
