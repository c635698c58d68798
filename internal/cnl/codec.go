package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-epos2-driver/internal/metrics"

	"github.com/kstaniek/go-epos2-driver/internal/can"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	// Pre-size: worst case per frame = 4(id)+1(len)+8(data)
	buf.Grow(len(frames) * (4 + 1 + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE CANID (flags included), 1-byte length, payload.
// Remote requests carry their DLC but no payload bytes.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for _, f := range frames {
		var hdr [5]byte
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		hdr[4] = f.Len
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if f.IsRemote() {
			continue
		}
		if ln := int(f.Len & 0x7F); ln > 0 {
			n, err = w.Write(f.Data[:ln])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// headerLen is the 4-byte CANID plus the length byte.
const headerLen = 5

// frameSize returns the wire size of the frame whose header is hdr.
func frameSize(hdr []byte) (int, error) {
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F)
	if ln > can.MaxLen {
		return 0, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	if id&can.CAN_RTR_FLAG != 0 {
		return headerLen, nil
	}
	return headerLen + ln, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(idb[:])
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	ln := int(lb[0] & 0x7F) // high bit masked per protocol (CAN FD flag)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	if f.IsRemote() {
		return f, nil
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				metrics.IncMalformed()
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}
