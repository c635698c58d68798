package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// ErrInvalidFrame is returned by Validate for frames that cannot go on the wire.
var ErrInvalidFrame = errors.New("can: invalid frame")

// Frame is a classic CAN frame.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes are valid.
//
// Frames are plain values: build a new one per operation instead of reusing
// a shared buffer.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// New builds a standard data frame with a copy of payload.
func New(id uint32, payload ...byte) Frame {
	var f Frame
	f.CANID = id & CAN_SFF_MASK
	n := len(payload)
	if n > MaxLen {
		n = MaxLen
	}
	f.Len = uint8(n)
	copy(f.Data[:], payload[:n])
	return f
}

// NewRemote builds a standard remote transmit request for id.
func NewRemote(id uint32) Frame {
	return Frame{CANID: (id & CAN_SFF_MASK) | CAN_RTR_FLAG}
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) IsRemote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool    { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns the significant bytes.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

// Validate checks length and identifier range.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return fmt.Errorf("%w: len %d > %d", ErrInvalidFrame, f.Len, MaxLen)
	}
	if !f.IsExtended() && f.CANID&^(CAN_RTR_FLAG|CAN_ERR_FLAG) > CAN_SFF_MASK {
		return fmt.Errorf("%w: id 0x%X exceeds 11 bits", ErrInvalidFrame, f.CANID)
	}
	if f.IsRemote() && f.Len != 0 {
		return fmt.Errorf("%w: remote frame with len %d", ErrInvalidFrame, f.Len)
	}
	return nil
}

// String renders the frame candump style, e.g. "201#0F00" or "381#R".
func (f Frame) String() string {
	var id string
	if f.IsExtended() {
		id = fmt.Sprintf("%08X", f.ID())
	} else {
		id = fmt.Sprintf("%03X", f.ID())
	}
	if f.IsRemote() {
		return id + "#R"
	}
	return fmt.Sprintf("%s#%X", id, f.Payload())
}
