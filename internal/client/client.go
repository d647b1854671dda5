// Package client connects to a stream server, decodes the framed
// cell images it sends, and issues re-centering commands.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"lpx-stream-go/internal/lpx"
)

const dialTimeout = 10 * time.Second

// Client is a viewer on the data channel. It is not safe for
// concurrent use; drive it from one goroutine or use Frames.
type Client struct {
	conn net.Conn
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Next blocks until the server delivers the next frame. Any decode
// error is fatal to the stream; the caller should Close and redial.
func (c *Client) Next() (*lpx.Image, error) {
	return lpx.Decode(c.conn)
}

// Frames decodes frames into a channel until the context ends or the
// stream breaks. The channel is closed on return.
func (c *Client) Frames(ctx context.Context) <-chan *lpx.Image {
	out := make(chan *lpx.Image)
	go func() {
		defer close(out)
		for {
			im, err := c.Next()
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- im:
			}
		}
	}()
	return out
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SendMove delivers one "dx,dy" re-centering command over a
// short-lived control connection.
func SendMove(addr string, dx, dy float64) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial control %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := fmt.Fprintf(conn, "%g,%g", dx, dy); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}
