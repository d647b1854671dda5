// Package framesource supplies raster frames to the streaming server.
// A source yields frames on demand and can be rewound to its first
// frame; live sources treat rewind as a no-op.
package framesource

import (
	"context"
	"image"
)

// Source is the frame supply contract. Next returns io.EOF when the
// source is exhausted; the caller decides between looping and a clean
// stop. Implementations need not be safe for concurrent Next calls.
type Source interface {
	Next(ctx context.Context) (*image.RGBA, error)
	Rewind() error
	Size() (width, height int)
	Close() error
}
