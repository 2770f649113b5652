package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the big-endian uint32 frame length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a frame payload when no limit is configured.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame header announces a payload above
// the reader's limit. The stream cannot be resynchronised afterwards.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload prefixed with its length as a single write.
//
// Postcondition: Either the whole frame was written or a non-nil error is returned.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("writing frame: %w", ErrFrameTooLarge)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one frame and returns its payload.
//
// Precondition: maxSize > 0.
// Postcondition: Returns the payload (possibly empty), io.EOF on a clean end of
// stream, io.ErrUnexpectedEOF on a truncated frame, or ErrFrameTooLarge.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
