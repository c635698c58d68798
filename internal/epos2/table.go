package epos2

import "github.com/kstaniek/go-epos2-driver/internal/can"

// Trigger names the controller routine that drives a transition.
type Trigger string

const (
	TriggerInitiate Trigger = "initiate"
	TriggerEnable   Trigger = "enable"
	TriggerStop     Trigger = "stop_and_reset"
)

// command is one frame of a transition followed by a settle wait of
// settle × the configured delay.
type command struct {
	event  string
	build  func(NodeID) can.Frame
	settle int
}

// transition moves the amplifier from one state to the next. Rows with
// chained set run directly after the previous row of the same trigger.
type transition struct {
	from     State
	trigger  Trigger
	commands []command
	to       State
	chained  bool
}

func nmt(cmd NMTCommand) func(NodeID) can.Frame {
	return func(NodeID) can.Frame { return NMTFrame(cmd) }
}

func controlword(cw uint16) func(NodeID) can.Frame {
	return func(n NodeID) can.Frame { return ControlwordFrame(n, cw) }
}

// lifecycle is the amplifier bring-up and tear-down sequence.
var lifecycle = []transition{
	{
		from: Uninitialized, trigger: TriggerInitiate, to: NetworkReset,
		commands: []command{{event: "nmt_reset_node", build: nmt(NMTResetNode), settle: 1}},
	},
	{
		from: NetworkReset, trigger: TriggerInitiate, to: RemoteModeActive, chained: true,
		commands: []command{{event: "nmt_start_remote_node", build: nmt(NMTStartRemoteNode), settle: 1}},
	},
	{
		from: RemoteModeActive, trigger: TriggerInitiate, to: VelocityModeSelected, chained: true,
		commands: []command{{event: "velocity_mode_select", build: func(n NodeID) can.Frame { return ModeSelectFrame(n, ModeProfileVelocity) }, settle: 1}},
	},
	{
		from: VelocityModeSelected, trigger: TriggerInitiate, to: Shutdown, chained: true,
		commands: []command{{event: "controlword_shutdown", build: controlword(ControlwordShutdown), settle: 1}},
	},
	{
		from: Shutdown, trigger: TriggerEnable, to: OperationEnabled,
		commands: []command{{event: "controlword_enable_operation", build: controlword(ControlwordEnableOperation), settle: 1}},
	},
	{
		from: OperationEnabled, trigger: TriggerStop, to: Idle,
		commands: []command{
			// the drive needs to ramp down before the node is reset
			{event: "velocity_zero", build: func(n NodeID) can.Frame { return VelocityFrame(n, 0) }, settle: 2},
			{event: "nmt_reset_node", build: nmt(NMTResetNode), settle: 1},
			{event: "nmt_stop_remote_node", build: nmt(NMTStopRemoteNode), settle: 1},
		},
	},
}

// lookup returns the row for (from, trig).
func lookup(from State, trig Trigger, chainedOnly bool) (transition, bool) {
	for _, t := range lifecycle {
		if t.from == from && t.trigger == trig && (!chainedOnly || t.chained) {
			return t, true
		}
	}
	return transition{}, false
}
