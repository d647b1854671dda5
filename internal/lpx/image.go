package lpx

// Image is one encoded log-polar frame. Cells are ordered by cell
// index; every cell present was populated by at least one source
// pixel. Immutable after creation.
type Image struct {
	Cells        []uint32
	MaxCells     int
	SpiralPeriod int
	SourceWidth  int
	SourceHeight int
	CenterX      int
	CenterY      int
}

// Length is the number of populated cells.
func (im *Image) Length() int {
	return len(im.Cells)
}

// PackColor packs RGB channels into a cell value, red in the high
// byte: 0x00RRGGBB.
func PackColor(r, g, b uint8) uint32 {
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// UnpackColor splits a cell value into RGB channels.
func UnpackColor(c uint32) (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}
