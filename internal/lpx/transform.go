package lpx

import (
	"errors"
	"image"
	"math"
	"runtime"
	"sync"
)

var ErrEmptyImage = errors.New("empty log-polar image")

type accumulator struct {
	r, g, b []int64
	count   []int64
}

func newAccumulator(n int) *accumulator {
	return &accumulator{
		r:     make([]int64, n),
		g:     make([]int64, n),
		b:     make([]int64, n),
		count: make([]int64, n),
	}
}

func (a *accumulator) add(cell int, r, g, b uint8) {
	a.r[cell] += int64(r)
	a.g[cell] += int64(g)
	a.b[cell] += int64(b)
	a.count[cell]++
}

func (a *accumulator) merge(other *accumulator) {
	for i, c := range other.count {
		if c == 0 {
			continue
		}
		a.r[i] += other.r[i]
		a.g[i] += other.g[i]
		a.b[i] += other.b[i]
		a.count[i] += c
	}
}

// Scan converts a raster frame into a log-polar image fixated at
// (centerX, centerY). Every source pixel within the covered radius is
// looked up in the scan table and its color averaged into the cell it
// maps to. The covered radius is the largest disc that fits both the
// map radius and the source raster, so every emitted cell is
// populated; cells too small to own a pixel are sampled at their
// centroid.
func Scan(src *image.RGBA, centerX, centerY int, table *ScanTable) (*Image, error) {
	if !table.Initialized() {
		return nil, ErrUninitializedTable
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	im := &Image{
		MaxCells:     table.MaxCells,
		SpiralPeriod: table.SpiralPeriod,
		SourceWidth:  width,
		SourceHeight: height,
		CenterX:      centerX,
		CenterY:      centerY,
	}

	edge := minInt(minInt(centerX, width-1-centerX), minInt(centerY, height-1-centerY))
	if edge < 0 {
		return im, nil
	}
	n := table.coveredCells(float64(edge) + 1)
	if n == 0 {
		return im, nil
	}

	radius := table.boundaries[(n-2+table.SpiralPeriod)/table.SpiralPeriod]
	span := int(math.Ceil(radius))
	yMin, yMax := centerY-span, centerY+span
	xMin, xMax := centerX-span, centerX+span

	// Slice the scanned rows across workers with local accumulators;
	// the per-pixel table lookup dominates the cost.
	workers := runtime.GOMAXPROCS(0)
	rows := yMax - yMin + 1
	if workers > rows {
		workers = rows
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (rows + workers - 1) / workers

	locals := make([]*accumulator, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		yStart := yMin + w*chunk
		yEnd := yStart + chunk - 1
		if yEnd > yMax {
			yEnd = yMax
		}
		acc := newAccumulator(n)
		locals[w] = acc
		wg.Add(1)
		go func(yStart, yEnd int, acc *accumulator) {
			defer wg.Done()
			for y := yStart; y <= yEnd; y++ {
				row := src.PixOffset(bounds.Min.X+xMin, bounds.Min.Y+y)
				for x := xMin; x <= xMax; x++ {
					cell, ok := table.CellIndexFor(x-centerX, y-centerY)
					if ok && cell < n {
						pix := src.Pix[row : row+3 : row+3]
						acc.add(cell, pix[0], pix[1], pix[2])
					}
					row += 4
				}
			}
		}(yStart, yEnd, acc)
	}
	wg.Wait()

	total := locals[0]
	for _, acc := range locals[1:] {
		total.merge(acc)
	}

	// Sub-pixel cells near the fovea may own no lattice point; sample
	// the pixel nearest their centroid so the prefix stays populated.
	for i := 0; i < n; i++ {
		if total.count[i] > 0 {
			continue
		}
		cx, cy := table.cellCenter(i)
		x := clampInt(centerX+int(math.Round(cx)), 0, width-1)
		y := clampInt(centerY+int(math.Round(cy)), 0, height-1)
		off := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
		pix := src.Pix[off : off+3 : off+3]
		total.add(i, pix[0], pix[1], pix[2])
	}

	im.Cells = make([]uint32, n)
	for i := 0; i < n; i++ {
		c := total.count[i]
		im.Cells[i] = PackColor(
			uint8(total.r[i]/c),
			uint8(total.g[i]/c),
			uint8(total.b[i]/c),
		)
	}
	return im, nil
}

// Render paints a log-polar image back into a raster of the requested
// size. Each cell covers its scaled pixel region; pixels no cell
// covers are opaque black. scale 1.0 is identity magnification.
func Render(im *Image, outWidth, outHeight int, scale float64, table *ScanTable) (*image.RGBA, error) {
	if !table.Initialized() {
		return nil, ErrUninitializedTable
	}
	if im == nil || len(im.Cells) == 0 {
		return nil, ErrEmptyImage
	}
	if scale <= 0 {
		scale = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, outWidth, outHeight))
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xFF
	}

	ocx := outWidth / 2
	ocy := outHeight / 2
	for cell, value := range im.Cells {
		region, err := table.PixelRegionFor(cell, scale)
		if err != nil {
			return nil, err
		}
		r, g, b := UnpackColor(value)
		yLo := maxInt(region.YMin+ocy, 0)
		yHi := minInt(region.YMax+ocy, outHeight-1)
		xLo := maxInt(region.XMin+ocx, 0)
		xHi := minInt(region.XMax+ocx, outWidth-1)
		for y := yLo; y <= yHi; y++ {
			for x := xLo; x <= xHi; x++ {
				// Bounding regions of neighboring cells overlap; paint
				// only the pixels that map back to this cell.
				owner, ok := table.cellAt(float64(x-ocx)/scale, float64(y-ocy)/scale)
				if !ok || owner != cell {
					continue
				}
				off := out.PixOffset(x, y)
				out.Pix[off] = r
				out.Pix[off+1] = g
				out.Pix[off+2] = b
			}
		}
	}
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
