package epos2

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

// NodeID is the CANopen node id of the amplifier (1..127).
type NodeID uint8

// DefaultNodeID matches the factory setting of the amplifier DIP switches.
const DefaultNodeID NodeID = 1

func (n NodeID) Validate() error {
	if n < 1 || n > 127 {
		return fmt.Errorf("%w: %d (valid 1..127)", ErrInvalidNodeID, n)
	}
	return nil
}

// CANopen function code bases used by the velocity profile.
const (
	cobNMT   = 0x000
	cobRPDO1 = 0x200 // controlword
	cobRPDO2 = 0x300 // modes of operation
	cobTPDO3 = 0x380 // velocity actual value
	cobRPDO3 = 0x400 // controlword + target velocity
)

// NMTCommand is the NMT command specifier (byte 0 of an NMT frame).
type NMTCommand uint8

const (
	NMTStartRemoteNode NMTCommand = 0x01
	NMTStopRemoteNode  NMTCommand = 0x02
	NMTResetNode       NMTCommand = 0x81
)

// Controlword values (CiA 402 device control).
const (
	ControlwordShutdown        uint16 = 0x0006
	ControlwordEnableOperation uint16 = 0x000F
)

// ModeProfileVelocity selects the velocity operating mode through RPDO2.
const ModeProfileVelocity = 0x03

// NMTFrame addresses cmd to all nodes on the bus.
func NMTFrame(cmd NMTCommand) can.Frame {
	return can.New(cobNMT, byte(cmd), 0x00)
}

// ControlwordFrame writes the controlword through RPDO1.
func ControlwordFrame(node NodeID, cw uint16) can.Frame {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], cw)
	return can.New(cobRPDO1+uint32(node), b[:]...)
}

// ModeSelectFrame selects the operating mode through RPDO2.
func ModeSelectFrame(node NodeID, mode byte) can.Frame {
	return can.New(cobRPDO2+uint32(node), 0x00, 0x00, mode)
}

// EncodeVelocity returns v as 4 little-endian two's-complement bytes.
func EncodeVelocity(v int32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b
}

// DecodeVelocity reads a signed little-endian velocity from the first 4 bytes of p.
func DecodeVelocity(p []byte) (int32, error) {
	if len(p) < 4 {
		return 0, fmt.Errorf("%w: %d payload bytes, need 4", ErrUnexpectedResponse, len(p))
	}
	return int32(binary.LittleEndian.Uint32(p[:4])), nil
}

// VelocityFrame carries the enable-operation controlword plus target velocity
// through RPDO3. Values are passed through without clamping.
func VelocityFrame(node NodeID, v int32) can.Frame {
	b := EncodeVelocity(v)
	return can.New(cobRPDO3+uint32(node), byte(ControlwordEnableOperation), 0x00, b[0], b[1], b[2], b[3])
}

// VelocityRequestFrame asks the amplifier to transmit TPDO3 (velocity actual value).
func VelocityRequestFrame(node NodeID) can.Frame {
	return can.NewRemote(cobTPDO3 + uint32(node))
}

// velocityResponseID is the identifier a valid TPDO3 answer carries.
func velocityResponseID(node NodeID) uint32 { return cobTPDO3 + uint32(node) }

// ResponseFilter passes only velocity answers from node: standard data frames
// with the TPDO3 identifier. Buses opened with it never queue boot-up,
// emergency or other nodes' traffic ahead of the answer.
func ResponseFilter(node NodeID) transport.RxFilter {
	return transport.RxFilter{
		ID:   velocityResponseID(node),
		Mask: can.CAN_EFF_FLAG | can.CAN_RTR_FLAG | can.CAN_SFF_MASK,
	}
}
