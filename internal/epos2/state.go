package epos2

import "fmt"

// State is the amplifier lifecycle state as tracked by the controller.
type State int32

const (
	Uninitialized State = iota
	NetworkReset
	RemoteModeActive
	VelocityModeSelected
	Shutdown
	OperationEnabled
	Idle
)

var stateNames = [...]string{
	Uninitialized:        "uninitialized",
	NetworkReset:         "network_reset",
	RemoteModeActive:     "remote_mode_active",
	VelocityModeSelected: "velocity_mode_selected",
	Shutdown:             "shutdown",
	OperationEnabled:     "operation_enabled",
	Idle:                 "idle",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
