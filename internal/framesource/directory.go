package framesource

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Directory streams an ordered image sequence (PNG or JPEG) from a
// directory, scaling every frame to the configured output size.
type Directory struct {
	files  []string
	width  int
	height int
	index  int
}

func NewDirectory(dir string, width, height int) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image frames in %s", dir)
	}
	sort.Strings(files)
	return &Directory{files: files, width: width, height: height}, nil
}

func (d *Directory) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.index >= len(d.files) {
		return nil, io.EOF
	}
	path := d.files[d.index]
	d.index++

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame %s: %w", path, err)
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", path, err)
	}

	out := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	if decoded.Bounds().Dx() == d.width && decoded.Bounds().Dy() == d.height {
		xdraw.Draw(out, out.Bounds(), decoded, decoded.Bounds().Min, xdraw.Src)
	} else {
		xdraw.BiLinear.Scale(out, out.Bounds(), decoded, decoded.Bounds(), xdraw.Src, nil)
	}
	return out, nil
}

func (d *Directory) Rewind() error {
	d.index = 0
	return nil
}

func (d *Directory) Size() (int, int) {
	return d.width, d.height
}

func (d *Directory) Close() error {
	return nil
}
