package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cyberinferno/turnserver/model"
)

// HeaderSize is the length of the little-endian payload length prefix.
const HeaderSize = 4

// ReadFrame reads one length-prefixed frame. Zero-length frames are
// keepalives and are skipped.
//
// Parameters:
//   - r: The stream to read from
//   - maxSize: Largest accepted payload in bytes
//
// Returns:
//   - The payload
//   - An error wrapping model.ErrMessageTooLarge when the prefix exceeds maxSize,
//     in which case the stream can no longer be trusted
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		size := binary.LittleEndian.Uint32(header[:])
		if size == 0 {
			continue
		}

		if uint64(size) > uint64(maxSize) {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", model.ErrMessageTooLarge, size, maxSize)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}

		return payload, nil
	}
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, fmt.Errorf("%w: %d bytes", model.ErrMessageTooLarge, len(payload))
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes payload with its length prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}
