package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lpx-stream-go/internal/config"
	"lpx-stream-go/internal/lpx"
)

// fakeSource emits solid frames whose red channel carries the frame
// index, so a viewer can tell exactly where in the sequence it joined.
type fakeSource struct {
	width   int
	height  int
	index   atomic.Int64
	rewinds atomic.Int64
}

func (f *fakeSource) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.index.Add(1) - 1
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = byte(n)
		img.Pix[i+3] = 0xFF
	}
	return img, nil
}

func (f *fakeSource) Rewind() error {
	f.index.Store(0)
	f.rewinds.Add(1)
	return nil
}

func (f *fakeSource) Size() (int, int) { return f.width, f.height }

func (f *fakeSource) Close() error { return nil }

func testTable(t *testing.T) *lpx.ScanTable {
	t.Helper()
	table, err := lpx.ParseTable(lpx.EncodeCalibration(16, 500, 30))
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return table
}

func startTestServer(t *testing.T, cfg config.AppConfig) (*Server, *fakeSource) {
	t.Helper()
	src := &fakeSource{width: 96, height: 96}
	srv := New(testTable(t), cfg)
	if err := srv.Start(src); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, src
}

func readFrame(t *testing.T, conn net.Conn) *lpx.Image {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	im, err := lpx.Decode(conn)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return im
}

func frameRed(t *testing.T, im *lpx.Image) uint8 {
	t.Helper()
	if im.Length() == 0 {
		t.Fatalf("frame has no cells")
	}
	r, _, _ := lpx.UnpackColor(im.Cells[0])
	return r
}

func TestFirstViewerRestartsSource(t *testing.T) {
	srv, src := startTestServer(t, config.AppConfig{FPS: 200})

	// Nothing is produced while no viewer is connected.
	time.Sleep(50 * time.Millisecond)
	if n := srv.FrameIndex(); n != 0 {
		t.Fatalf("produced %d frames with zero viewers", n)
	}

	conn, err := net.Dial("tcp", srv.DataAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if red := frameRed(t, first); red != 0 {
		t.Fatalf("first frame carries source index %d, want 0", red)
	}
	if n := src.rewinds.Load(); n != 1 {
		t.Fatalf("source rewound %d times, want 1", n)
	}
	if first.SourceWidth != 96 || first.SourceHeight != 96 {
		t.Fatalf("frame header reports %dx%d source", first.SourceWidth, first.SourceHeight)
	}
	if first.CenterX != 48 || first.CenterY != 48 {
		t.Fatalf("frame centered at (%d, %d), want raster center", first.CenterX, first.CenterY)
	}
}

func TestSecondViewerJoinsWithoutRestart(t *testing.T) {
	srv, src := startTestServer(t, config.AppConfig{FPS: 200})

	first, err := net.Dial("tcp", srv.DataAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	readFrame(t, first)
	readFrame(t, first)

	second, err := net.Dial("tcp", srv.DataAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	joined := readFrame(t, second)
	if red := frameRed(t, joined); red < 2 {
		t.Fatalf("second viewer saw source index %d, stream restarted", red)
	}
	if n := src.rewinds.Load(); n != 1 {
		t.Fatalf("source rewound %d times after second join, want 1", n)
	}

	waitFor(t, func() bool { return srv.ClientCount() == 2 }, "client count 2")
}

func TestViewerDisconnectLeavesStreamRunning(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})

	a, err := net.Dial("tcp", srv.DataAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer a.Close()
	b, err := net.Dial("tcp", srv.DataAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, a)
	readFrame(t, b)
	waitFor(t, func() bool { return srv.ClientCount() == 2 }, "client count 2")

	_ = b.Close()
	waitFor(t, func() bool { return srv.ClientCount() == 1 }, "client count 1")

	// The surviving viewer keeps receiving frames.
	readFrame(t, a)
	readFrame(t, a)
}

func TestControlCommandMovesCenter(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})

	conn, err := net.Dial("tcp", srv.ControlAddr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if _, err := fmt.Fprintf(conn, "10,-5"); err != nil {
		t.Fatalf("send command: %v", err)
	}
	_ = conn.Close()

	waitFor(t, func() bool {
		cx, cy := srv.Center()
		return cx == 58 && cy == 43
	}, "center moved to (58, 43)")
}

func TestManyControlCommandsAllApplied(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})

	// Well past eight commands through the real control path; every
	// one must land. Only interval pacing may ever reject a command,
	// and pacing is disabled here.
	for i := 0; i < 12; i++ {
		conn, err := net.Dial("tcp", srv.ControlAddr().String())
		if err != nil {
			t.Fatalf("dial control: %v", err)
		}
		if _, err := fmt.Fprintf(conn, "1,0"); err != nil {
			t.Fatalf("send command %d: %v", i, err)
		}
		_ = conn.Close()

		want := 48 + i + 1
		waitFor(t, func() bool {
			cx, _ := srv.Center()
			return cx == want
		}, fmt.Sprintf("center x %d after command %d", want, i))
	}
}

func TestControlCenterStaysInsideRaster(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})

	srv.MoveCenter(-10000, 10000)
	cx, cy := srv.Center()
	if cx != 0 || cy != 95 {
		t.Fatalf("center clamped to (%d, %d), want (0, 95)", cx, cy)
	}
}

func TestControlDropsMalformedCommand(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})
	wantX, wantY := srv.Center()

	conn, err := net.Dial("tcp", srv.ControlAddr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if _, err := fmt.Fprintf(conn, "not a command"); err != nil {
		t.Fatalf("send command: %v", err)
	}
	_ = conn.Close()

	time.Sleep(100 * time.Millisecond)
	cx, cy := srv.Center()
	if cx != wantX || cy != wantY {
		t.Fatalf("malformed command moved center to (%d, %d)", cx, cy)
	}
}

func TestClientCountTracksSessionChurn(t *testing.T) {
	srv := New(testTable(t), config.AppConfig{})

	// Concurrent joins and leaves must leave the count mirror equal to
	// the session table, never a stale interleaved value.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sess := srv.addSession(func([]byte) error { return nil }, func() {})
				srv.removeSession(sess)
			}
		}()
	}
	wg.Wait()

	if n := srv.ClientCount(); n != 0 {
		t.Fatalf("client count %d after all sessions left, want 0", n)
	}
	srv.mu.Lock()
	tableLen := len(srv.sessions)
	srv.mu.Unlock()
	if tableLen != 0 {
		t.Fatalf("%d sessions left in table, want 0", tableLen)
	}

	kept := srv.addSession(func([]byte) error { return nil }, func() {})
	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("client count %d with one session, want 1", n)
	}
	srv.removeSession(kept)
}

func TestControlCommandSplitAcrossWrites(t *testing.T) {
	srv, _ := startTestServer(t, config.AppConfig{FPS: 200})

	conn, err := net.Dial("tcp", srv.ControlAddr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if _, err := fmt.Fprintf(conn, "7,"); err != nil {
		t.Fatalf("send first segment: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := fmt.Fprintf(conn, "9"); err != nil {
		t.Fatalf("send second segment: %v", err)
	}
	_ = conn.Close()

	waitFor(t, func() bool {
		cx, cy := srv.Center()
		return cx == 55 && cy == 57
	}, "split command applied as (7, 9)")
}

// flakyListener fails its first Accept, then delegates.
type flakyListener struct {
	net.Listener
	tripped atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.tripped.CompareAndSwap(false, true) {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: errors.New("resource temporarily unavailable")}
	}
	return l.Listener.Accept()
}

func TestAcceptLoopSurvivesTransientError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := New(testTable(t), config.AppConfig{})
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.dataLn = &flakyListener{Listener: inner}
	srv.wg.Add(1)
	go srv.acceptLoop()
	t.Cleanup(func() {
		srv.cancel()
		_ = inner.Close()
		srv.wg.Wait()
	})

	conn, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return srv.ClientCount() == 1 }, "viewer admitted after transient accept failure")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
