package client

import (
	"context"
	"net"
	"testing"
	"time"

	"lpx-stream-go/internal/lpx"
)

func serveFrames(t *testing.T, frames int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < frames; i++ {
			im := &lpx.Image{
				Cells:        []uint32{lpx.PackColor(byte(i), 0, 0)},
				MaxCells:     100,
				SpiralPeriod: 8,
				SourceWidth:  64,
				SourceHeight: 48,
				CenterX:      32,
				CenterY:      24,
			}
			if _, err := conn.Write(lpx.Encode(im)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestClientDecodesSequence(t *testing.T) {
	addr := serveFrames(t, 3)
	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 3; i++ {
		im, err := c.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		r, _, _ := lpx.UnpackColor(im.Cells[0])
		if int(r) != i {
			t.Fatalf("frame %d carries red %d", i, r)
		}
	}
	if _, err := c.Next(); err == nil {
		t.Fatalf("expected error after server closed stream")
	}
}

func TestFramesChannelClosesOnStreamEnd(t *testing.T) {
	addr := serveFrames(t, 2)
	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := 0
	for range c.Frames(ctx) {
		got++
	}
	if got != 2 {
		t.Fatalf("received %d frames, want 2", got)
	}
}
