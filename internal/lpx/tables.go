// Package lpx implements the log-polar ("foveated") image transform:
// calibration tables, the cell container, the forward/inverse pixel
// transform, and the framed wire encoding.
package lpx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrInvalidCalibration = errors.New("invalid calibration data")
	ErrUninitializedTable = errors.New("scan table not initialized")
)

const (
	// r0 is the radius in pixels to the outer edge of the fovea cell.
	r0 = 0.455
	// svA is the spiral construction constant for hexagonal cells.
	svA = math.Pi * 1.7320508075688772
)

// calibration file magic, "LPXT" in byte order.
var tableMagic = [4]byte{'L', 'P', 'X', 'T'}

const tableVersion = 1

// ScanTable answers which log-polar cell a Cartesian pixel offset maps
// to, and which pixel region a cell covers. It is immutable after a
// successful load and safe for concurrent use.
type ScanTable struct {
	SpiralPeriod int // cells per full revolution
	MaxCells     int // total addressable cells
	MapWidth     int // pixel radius covered from the center

	initialized bool
	growth      float64   // ring radius growth per revolution
	boundaries  []float64 // boundaries[k] = inner radius of ring k, strictly increasing
}

// Region is a rectangle of pixel offsets relative to the fixation
// center, inclusive on all bounds.
type Region struct {
	XMin, XMax int
	YMin, YMax int
}

// Contains reports whether the offset (dx, dy) lies in the region.
func (r Region) Contains(dx, dy int) bool {
	return dx >= r.XMin && dx <= r.XMax && dy >= r.YMin && dy <= r.YMax
}

type cborCalibration struct {
	SpiralPeriod int `cbor:"spiral_period"`
	MaxCells     int `cbor:"max_cells"`
	MapWidth     int `cbor:"map_width"`
}

// LoadTable reads a calibration file and builds the scan table.
func LoadTable(path string) (*ScanTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}
	return ParseTable(data)
}

// ParseTable builds a scan table from calibration data. Two encodings
// are accepted: the 20-byte binary header ("LPXT", version, spiral
// period, max cells, map width, all little-endian uint32) and a CBOR
// map with spiral_period, max_cells and map_width keys.
func ParseTable(data []byte) (*ScanTable, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], tableMagic[:]) {
		return parseBinaryTable(data)
	}
	var cal cborCalibration
	if err := cbor.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalibration, err)
	}
	return newTable(cal.SpiralPeriod, cal.MaxCells, cal.MapWidth)
}

func parseBinaryTable(data []byte) (*ScanTable, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrInvalidCalibration, len(data))
	}
	version := binary.LittleEndian.Uint32(data[4:])
	if version != tableVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCalibration, version)
	}
	spiralPer := int(int32(binary.LittleEndian.Uint32(data[8:])))
	maxCells := int(int32(binary.LittleEndian.Uint32(data[12:])))
	mapWidth := int(int32(binary.LittleEndian.Uint32(data[16:])))
	return newTable(spiralPer, maxCells, mapWidth)
}

// EncodeCalibration renders calibration parameters in the binary file
// format understood by ParseTable.
func EncodeCalibration(spiralPeriod, maxCells, mapWidth int) []byte {
	buf := make([]byte, 20)
	copy(buf, tableMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], tableVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(spiralPeriod))
	binary.LittleEndian.PutUint32(buf[12:], uint32(maxCells))
	binary.LittleEndian.PutUint32(buf[16:], uint32(mapWidth))
	return buf
}

func newTable(spiralPeriod, maxCells, mapWidth int) (*ScanTable, error) {
	if spiralPeriod <= 0 {
		return nil, fmt.Errorf("%w: spiral period %d", ErrInvalidCalibration, spiralPeriod)
	}
	if maxCells <= 0 {
		return nil, fmt.Errorf("%w: max cells %d", ErrInvalidCalibration, maxCells)
	}
	if mapWidth <= 0 {
		return nil, fmt.Errorf("%w: map width %d", ErrInvalidCalibration, mapWidth)
	}

	t := &ScanTable{
		SpiralPeriod: spiralPeriod,
		MaxCells:     maxCells,
		MapWidth:     mapWidth,
		growth:       1 + svA/float64(spiralPeriod),
	}

	// Ring k holds cells 1+k*P .. k*P+P, so the last addressable cell
	// sits in ring (MaxCells-2)/P. One extra boundary closes that ring.
	rings := 0
	if maxCells > 1 {
		rings = (maxCells-2)/spiralPeriod + 1
	}
	t.boundaries = make([]float64, rings+1)
	for k := 0; k <= rings; k++ {
		t.boundaries[k] = r0 * math.Pow(t.growth, float64(k))
	}
	t.initialized = true
	return t, nil
}

// Initialized reports whether calibration data has been loaded.
func (t *ScanTable) Initialized() bool {
	return t != nil && t.initialized
}

// CellIndexFor returns the cell the pixel offset (dx, dy) from the
// fixation center maps to. ok is false outside the map radius; the
// boundary at exactly MapWidth is excluded.
func (t *ScanTable) CellIndexFor(dx, dy int) (int, bool) {
	return t.cellAt(float64(dx), float64(dy))
}

func (t *ScanTable) cellAt(x, y float64) (int, bool) {
	radius := math.Hypot(x, y)
	if radius >= float64(t.MapWidth) {
		return 0, false
	}
	if radius < t.boundaries[0] {
		return 0, true
	}

	// Binary search over the monotonic ring radii; inner edge of each
	// ring is inclusive, its outer edge belongs to the next ring.
	i := sort.SearchFloat64s(t.boundaries, radius)
	if i == len(t.boundaries) {
		return 0, false
	}
	ring := i
	if t.boundaries[i] > radius {
		ring = i - 1
	}
	if ring >= len(t.boundaries)-1 {
		return 0, false
	}

	angle := math.Atan2(y, x)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	sector := int(angle / (2 * math.Pi) * float64(t.SpiralPeriod))
	if sector >= t.SpiralPeriod {
		sector = t.SpiralPeriod - 1
	}

	index := 1 + ring*t.SpiralPeriod + sector
	if index >= t.MaxCells {
		return 0, false
	}
	return index, true
}

// PixelRegionFor returns the bounding rectangle of the pixels a cell
// covers, scaled by the given zoom factor.
func (t *ScanTable) PixelRegionFor(cell int, scale float64) (Region, error) {
	if !t.Initialized() {
		return Region{}, ErrUninitializedTable
	}
	if cell < 0 || cell >= t.MaxCells {
		return Region{}, fmt.Errorf("cell index %d out of range [0,%d)", cell, t.MaxCells)
	}
	if scale <= 0 {
		scale = 1
	}

	if cell == 0 {
		edge := r0 * scale
		return Region{
			XMin: int(math.Floor(-edge)), XMax: int(math.Ceil(edge)),
			YMin: int(math.Floor(-edge)), YMax: int(math.Ceil(edge)),
		}, nil
	}

	ring := (cell - 1) / t.SpiralPeriod
	sector := (cell - 1) % t.SpiralPeriod
	inner := t.boundaries[ring]
	outer := t.boundaries[ring+1]
	a0 := 2 * math.Pi * float64(sector) / float64(t.SpiralPeriod)
	a1 := 2 * math.Pi * float64(sector+1) / float64(t.SpiralPeriod)

	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	consider := func(x, y float64) {
		xMin = math.Min(xMin, x)
		xMax = math.Max(xMax, x)
		yMin = math.Min(yMin, y)
		yMax = math.Max(yMax, y)
	}
	for _, r := range []float64{inner, outer} {
		consider(r*math.Cos(a0), r*math.Sin(a0))
		consider(r*math.Cos(a1), r*math.Sin(a1))
	}
	// Axis crossings inside the sector pin the extremes to the outer arc.
	for _, axis := range []float64{0, 0.5 * math.Pi, math.Pi, 1.5 * math.Pi, 2 * math.Pi} {
		if axis >= a0 && axis <= a1 {
			consider(outer*math.Cos(axis), outer*math.Sin(axis))
		}
	}

	return Region{
		XMin: int(math.Floor(xMin * scale)), XMax: int(math.Ceil(xMax * scale)),
		YMin: int(math.Floor(yMin * scale)), YMax: int(math.Ceil(yMax * scale)),
	}, nil
}

// coveredCells returns the count of the contiguous cell prefix whose
// rings fit entirely within the given radius.
func (t *ScanTable) coveredCells(radius float64) int {
	if radius > float64(t.MapWidth) {
		radius = float64(t.MapWidth)
	}
	if radius < t.boundaries[0] {
		return 0
	}
	rings := 0
	for rings < len(t.boundaries)-1 && t.boundaries[rings+1] <= radius {
		rings++
	}
	n := 1 + rings*t.SpiralPeriod
	if n > t.MaxCells {
		n = t.MaxCells
	}
	return n
}

// cellCenter returns the offset of a cell's centroid from the fixation
// center.
func (t *ScanTable) cellCenter(cell int) (float64, float64) {
	if cell == 0 {
		return 0, 0
	}
	ring := (cell - 1) / t.SpiralPeriod
	sector := (cell - 1) % t.SpiralPeriod
	radius := 0.5 * (t.boundaries[ring] + t.boundaries[ring+1])
	angle := 2 * math.Pi * (float64(sector) + 0.5) / float64(t.SpiralPeriod)
	return radius * math.Cos(angle), radius * math.Sin(angle)
}
