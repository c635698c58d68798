package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-epos2-driver/internal/can"
)

// mtu is sizeof(struct can_frame).
const mtu = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel uses host byte order. On common Linux archs (little-endian) this
// matches binary.LittleEndian.
func marshalFrame(fr can.Frame) [mtu]byte {
	var buf [mtu]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	if !fr.IsRemote() {
		copy(buf[8:], fr.Data[:fr.Len])
	}
	return buf
}

func unmarshalFrame(buf []byte) (can.Frame, error) {
	var fr can.Frame
	if len(buf) != mtu {
		return fr, fmt.Errorf("short read: %d", len(buf))
	}
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return fr, nil
}
