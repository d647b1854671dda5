package framesource

import (
	"context"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
)

// zmqFrame is the CBOR message an external capture/decode process
// pushes: raw RGBA pixels plus their dimensions.
type zmqFrame struct {
	Width  int    `cbor:"width"`
	Height int    `cbor:"height"`
	Pixels []byte `cbor:"pixels"`
}

// ZMQ receives raster frames from an external capture process over a
// ZeroMQ PULL socket. It is a live feed: Rewind is a no-op and Next
// blocks until the next pushed frame arrives.
type ZMQ struct {
	width  int
	height int
	frames chan *image.RGBA
	done   chan struct{}
}

func NewZMQ(endpoint string, width, height int) (*ZMQ, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	z := &ZMQ{
		width:  width,
		height: height,
		frames: make(chan *image.RGBA, 4),
		done:   make(chan struct{}),
	}
	go z.pump(socket)
	return z, nil
}

func (z *ZMQ) pump(socket *zmq4.Socket) {
	defer socket.Close()
	defer close(z.frames)

	var badFrames int
	for {
		select {
		case <-z.done:
			return
		default:
		}

		msg, err := socket.RecvBytes(0)
		if err != nil {
			// Receive timeout; loop so shutdown is noticed.
			continue
		}

		frame, err := z.decode(msg)
		if err != nil {
			badFrames++
			if badFrames%100 == 1 {
				log.Printf("zmq source: dropping frame: %v", err)
			}
			continue
		}

		select {
		case <-z.done:
			return
		case z.frames <- frame:
		}
	}
}

func (z *ZMQ) decode(msg []byte) (*image.RGBA, error) {
	var payload zmqFrame
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	if payload.Width != z.width || payload.Height != z.height {
		return nil, fmt.Errorf("frame size %dx%d, expected %dx%d",
			payload.Width, payload.Height, z.width, z.height)
	}
	if len(payload.Pixels) != payload.Width*payload.Height*4 {
		return nil, fmt.Errorf("pixel payload %d bytes, expected %d",
			len(payload.Pixels), payload.Width*payload.Height*4)
	}

	img := image.NewRGBA(image.Rect(0, 0, payload.Width, payload.Height))
	copy(img.Pix, payload.Pixels)
	return img, nil
}

func (z *ZMQ) Next(ctx context.Context) (*image.RGBA, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-z.frames:
		if !ok {
			return nil, fmt.Errorf("zmq source closed")
		}
		return frame, nil
	}
}

func (z *ZMQ) Rewind() error {
	return nil
}

func (z *ZMQ) Size() (int, int) {
	return z.width, z.height
}

func (z *ZMQ) Close() error {
	select {
	case <-z.done:
	default:
		close(z.done)
	}
	return nil
}
