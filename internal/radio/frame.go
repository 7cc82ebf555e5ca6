package radio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream API framing: START1 START2 LEN_MSB LEN_LSB, then a protobuf payload.
const (
	start1 = 0x94
	start2 = 0xC3

	// MaxFrameSize is the largest payload the device accepts or emits.
	MaxFrameSize = 512

	wakeLen = 32
)

var errFrameTooLarge = errors.New("frame too large")

// readFrame returns the next framed payload from r. Bytes outside a frame
// (device debug console output) are skipped. An oversized length resyncs on
// the next start marker.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start1 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start2 {
			if b == start1 {
				_ = r.UnreadByte()
			}
			continue
		}

		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > MaxFrameSize {
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = start1
	buf[1] = start2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// wakeBytes wakes a serial device that is in power-save mode.
func wakeBytes() []byte {
	b := make([]byte, wakeLen)
	for i := range b {
		b[i] = start2
	}
	return b
}
