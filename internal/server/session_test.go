package server

import "testing"

func TestSessionPushDropsOldestKeepsOrder(t *testing.T) {
	sess := newSession("s", 2, func([]byte) error { return nil }, func() {})

	for _, b := range []byte{1, 2, 3, 4} {
		sess.push([]byte{b})
	}

	// The two oldest frames were dropped to make room; the survivors
	// drain in production order.
	var got []byte
drain:
	for {
		select {
		case frame := <-sess.frames:
			got = append(got, frame[0])
		default:
			break drain
		}
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("drained %v, want [3 4]", got)
	}
}

func TestSessionShutdownIdempotent(t *testing.T) {
	released := 0
	sess := newSession("s", 1, func([]byte) error { return nil }, func() { released++ })

	sess.shutdown()
	sess.shutdown()
	if released != 1 {
		t.Fatalf("release ran %d times, want 1", released)
	}
	select {
	case <-sess.done:
	default:
		t.Fatalf("done channel not closed after shutdown")
	}
}
