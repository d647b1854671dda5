package framesource

import (
	"context"
	"image"
)

// Synthetic generates deterministic test frames: a radial gradient
// with a bright marker band that advances one column per frame, so a
// frame's content identifies its index.
type Synthetic struct {
	width  int
	height int
	frame  int
}

func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{width: width, height: height}
}

func (s *Synthetic) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	marker := s.frame % s.width
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			off := img.PixOffset(x, y)
			img.Pix[off] = uint8((x * 255) / s.width)
			img.Pix[off+1] = uint8((y * 255) / s.height)
			img.Pix[off+2] = uint8(s.frame)
			if x == marker {
				img.Pix[off] = 255
				img.Pix[off+1] = 255
				img.Pix[off+2] = 255
			}
			img.Pix[off+3] = 0xFF
		}
	}
	s.frame++
	return img, nil
}

func (s *Synthetic) Rewind() error {
	s.frame = 0
	return nil
}

func (s *Synthetic) Size() (int, int) {
	return s.width, s.height
}

func (s *Synthetic) Close() error {
	return nil
}

// FrameIndex returns the index of the next frame to be produced.
func (s *Synthetic) FrameIndex() int {
	return s.frame
}
