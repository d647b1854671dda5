package lpx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Wire format, one frame per message:
//
//	uint32  total message size in bytes, excluding this field
//	uint32  length (populated cell count)
//	uint32  max cells
//	uint32  spiral period
//	uint32  source width
//	uint32  source height
//	int32   center x
//	int32   center y
//	uint32  reserved, zero on write, ignored on read
//	uint32 * length  packed cell values in index order
//
// All fields little-endian.

const frameHeaderSize = 32

// maxFrameSize bounds the accepted message size so a corrupt length
// field cannot drive an allocation.
const maxFrameSize = 16 << 20

// ErrProtocol marks a malformed frame on the wire. It is fatal for the
// stream it was read from.
var ErrProtocol = errors.New("protocol error")

// Encode serializes a frame into a single framed wire message.
func Encode(im *Image) []byte {
	n := len(im.Cells)
	buf := make([]byte, 4+frameHeaderSize+4*n)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(frameHeaderSize+4*n))
	le.PutUint32(buf[4:], uint32(n))
	le.PutUint32(buf[8:], uint32(im.MaxCells))
	le.PutUint32(buf[12:], uint32(im.SpiralPeriod))
	le.PutUint32(buf[16:], uint32(im.SourceWidth))
	le.PutUint32(buf[20:], uint32(im.SourceHeight))
	le.PutUint32(buf[24:], uint32(int32(im.CenterX)))
	le.PutUint32(buf[28:], uint32(int32(im.CenterY)))
	le.PutUint32(buf[32:], 0)
	for i, c := range im.Cells {
		le.PutUint32(buf[36+4*i:], c)
	}
	return buf
}

// Decode reads one framed message. A short read, including a
// connection closed mid-message, is a fatal stream error, never a
// partial frame.
func Decode(r io.Reader) (*Image, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(sizeBuf[:])
	if total < frameHeaderSize || total > maxFrameSize {
		return nil, fmt.Errorf("%w: message size %d", ErrProtocol, total)
	}

	payload := make([]byte, total)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed mid-message", ErrProtocol)
		}
		return nil, err
	}

	le := binary.LittleEndian
	length := le.Uint32(payload[0:])
	if uint64(length)*4+frameHeaderSize != uint64(total) {
		return nil, fmt.Errorf("%w: length %d does not match message size %d", ErrProtocol, length, total)
	}
	maxCells := le.Uint32(payload[4:])
	if length > maxCells {
		return nil, fmt.Errorf("%w: length %d exceeds max cells %d", ErrProtocol, length, maxCells)
	}

	im := &Image{
		Cells:        make([]uint32, length),
		MaxCells:     int(maxCells),
		SpiralPeriod: int(le.Uint32(payload[8:])),
		SourceWidth:  int(le.Uint32(payload[12:])),
		SourceHeight: int(le.Uint32(payload[16:])),
		CenterX:      int(int32(le.Uint32(payload[20:]))),
		CenterY:      int(int32(le.Uint32(payload[24:]))),
	}
	for i := range im.Cells {
		im.Cells[i] = le.Uint32(payload[frameHeaderSize+4*i:])
	}
	return im, nil
}

// WriteFile stores a frame on disk in the wire format.
func WriteFile(path string, im *Image) error {
	return os.WriteFile(path, Encode(im), 0o644)
}

// ReadFile loads a frame stored by WriteFile.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}
