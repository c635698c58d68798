package slcan

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
)

// Codec encodes and decodes Lawicel SLCAN ASCII frames:
//
//	t<iii><l><dd..>\r      standard data frame
//	r<iii><l>\r            standard remote request
//	T<iiiiiiii><l><dd..>\r extended data frame
//	R<iiiiiiii><l>\r       extended remote request
//
// Adapters answer commands with \r (ok) or \a (error) and may acknowledge
// transmissions with z/Z lines; those carry no frame and are skipped.
type Codec struct{}

// ErrMalformed is returned for lines that look like frames but do not parse.
var ErrMalformed = errors.New("slcan: malformed frame")

// maxLine bounds an accumulated line; longest valid line is T + 8 + 1 + 16 + timestamp(4).
const maxLine = 32

const hexDigits = "0123456789ABCDEF"

// Encode renders f as one SLCAN line including the trailing CR.
func (Codec) Encode(f can.Frame) []byte {
	buf := make([]byte, 0, 1+8+1+2*can.MaxLen+1)
	ext := f.IsExtended()
	switch {
	case ext && f.IsRemote():
		buf = append(buf, 'R')
	case ext:
		buf = append(buf, 'T')
	case f.IsRemote():
		buf = append(buf, 'r')
	default:
		buf = append(buf, 't')
	}
	digits := 3
	if ext {
		digits = 8
	}
	id := f.ID()
	for i := digits - 1; i >= 0; i-- {
		buf = append(buf, hexDigits[(id>>(4*uint(i)))&0xF])
	}
	buf = append(buf, hexDigits[f.Len&0xF])
	if !f.IsRemote() {
		for _, b := range f.Data[:f.Len] {
			buf = append(buf, hexDigits[b>>4], hexDigits[b&0xF])
		}
	}
	return append(buf, '\r')
}

// DecodeStream consumes complete lines from in and emits decoded frames via
// out. Partial lines stay buffered for the next call. Malformed frame lines
// are counted and skipped.
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		data := in.Bytes()
		// adapter error replies (BEL) may arrive unterminated
		if i := bytes.IndexByte(data, '\a'); i == 0 {
			in.Next(1)
			continue
		}
		end := bytes.IndexByte(data, '\r')
		if end < 0 {
			if len(data) > maxLine {
				// garbage without terminator; drop it to resync
				metrics.IncMalformed()
				in.Reset()
			}
			return nil
		}
		line := data[:end]
		if len(line) > 0 {
			switch line[0] {
			case 't', 'T', 'r', 'R':
				fr, err := c.DecodeLine(line)
				if err != nil {
					metrics.IncMalformed()
				} else {
					out(fr)
				}
			}
		}
		in.Next(end + 1)
	}
}

// DecodeLine parses one SLCAN frame line without its CR.
func (Codec) DecodeLine(line []byte) (can.Frame, error) {
	var f can.Frame
	if len(line) == 0 {
		return f, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	digits := 3
	switch line[0] {
	case 't':
	case 'r':
		f.CANID |= can.CAN_RTR_FLAG
	case 'T':
		digits = 8
		f.CANID |= can.CAN_EFF_FLAG
	case 'R':
		digits = 8
		f.CANID |= can.CAN_EFF_FLAG | can.CAN_RTR_FLAG
	default:
		return f, fmt.Errorf("%w: unknown type %q", ErrMalformed, line[0])
	}
	if len(line) < 1+digits+1 {
		return f, fmt.Errorf("%w: %q too short", ErrMalformed, line)
	}
	id, err := parseHex(line[1 : 1+digits])
	if err != nil {
		return f, err
	}
	if digits == 3 && id > can.CAN_SFF_MASK {
		return f, fmt.Errorf("%w: id 0x%X exceeds 11 bits", ErrMalformed, id)
	}
	f.CANID |= id
	dlc, err := parseHex(line[1+digits : 2+digits])
	if err != nil {
		return f, err
	}
	if dlc > can.MaxLen {
		return f, fmt.Errorf("%w: dlc %d", ErrMalformed, dlc)
	}
	f.Len = uint8(dlc)
	if f.IsRemote() {
		f.Len = 0
		return f, nil
	}
	payload := line[2+digits:]
	// optional trailing timestamp (4 hex digits) is ignored
	if len(payload) < 2*int(dlc) {
		return f, fmt.Errorf("%w: %q truncated payload", ErrMalformed, line)
	}
	for i := 0; i < int(dlc); i++ {
		b, err := parseHex(payload[2*i : 2*i+2])
		if err != nil {
			return f, err
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

func parseHex(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		var n byte
		switch {
		case c >= '0' && c <= '9':
			n = c - '0'
		case c >= 'A' && c <= 'F':
			n = c - 'A' + 10
		case c >= 'a' && c <= 'f':
			n = c - 'a' + 10
		default:
			return 0, fmt.Errorf("%w: bad hex digit %q", ErrMalformed, c)
		}
		v = v<<4 | uint32(n)
	}
	return v, nil
}
