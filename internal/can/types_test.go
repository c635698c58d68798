package can

import (
	"errors"
	"testing"
)

func TestNewCopiesPayload(t *testing.T) {
	p := []byte{0x0F, 0x00}
	f := New(0x201, p...)
	p[0] = 0xFF
	if f.CANID != 0x201 || f.Len != 2 || f.Data[0] != 0x0F || f.Data[1] != 0x00 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestNewTruncatesToMaxLen(t *testing.T) {
	f := New(0x100, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if f.Len != MaxLen {
		t.Fatalf("len=%d want %d", f.Len, MaxLen)
	}
}

func TestNewRemote(t *testing.T) {
	f := NewRemote(0x381)
	if f.CANID != 0x381|CAN_RTR_FLAG || f.Len != 0 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if !f.IsRemote() || f.ID() != 0x381 {
		t.Fatalf("flags/id wrong: remote=%v id=0x%X", f.IsRemote(), f.ID())
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		ok   bool
	}{
		{"std", New(0x7FF, 1), true},
		{"ext", Frame{CANID: 0x1ABCDE | CAN_EFF_FLAG, Len: 8}, true},
		{"tooLong", Frame{CANID: 0x100, Len: 9}, false},
		{"stdIDOverflow", Frame{CANID: 0x800}, false},
		{"rtrWithData", Frame{CANID: 0x381 | CAN_RTR_FLAG, Len: 2}, false},
	}
	for _, tc := range tests {
		err := tc.f.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: expected ErrInvalidFrame, got %v", tc.name, err)
		}
	}
}

func TestString(t *testing.T) {
	if s := New(0x201, 0x0F, 0x00).String(); s != "201#0F00" {
		t.Fatalf("got %q", s)
	}
	if s := NewRemote(0x381).String(); s != "381#R" {
		t.Fatalf("got %q", s)
	}
}
