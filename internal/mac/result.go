package mac

import "fmt"

// Result is the outcome of one round. Every result ends the round; none is
// fatal to the node.
type Result int

const (
	FastForward     Result = 1
	NoReceive       Result = 2
	EmptyQueue      Result = 3
	WrongSelect     Result = 5
	RxBufferFailure Result = 6
	WrongType       Result = 7
	WrongChecksum   Result = 8
	WrongGradient   Result = 9
)

// Results lists every round outcome in code order.
var Results = []Result{
	FastForward, NoReceive, EmptyQueue, WrongSelect,
	RxBufferFailure, WrongType, WrongChecksum, WrongGradient,
}

func (r Result) String() string {
	switch r {
	case FastForward:
		return "fast_forward"
	case NoReceive:
		return "no_receive"
	case EmptyQueue:
		return "empty_queue"
	case WrongSelect:
		return "wrong_select"
	case RxBufferFailure:
		return "rx_buffer_failure"
	case WrongType:
		return "wrong_type"
	case WrongChecksum:
		return "wrong_checksum"
	case WrongGradient:
		return "wrong_gradient"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// State is the protocol state machine position.
type State int

const (
	Disabled State = iota
	Idle
	WaitToSend
	WaitBeaconAck
	SendingAck
	BeaconSent
	WaitSelect
	SelectReceived
)

var stateNames = [...]string{
	Disabled:       "disabled",
	Idle:           "idle",
	WaitToSend:     "wait_to_send",
	WaitBeaconAck:  "wait_beacon_ack",
	SendingAck:     "sending_ack",
	BeaconSent:     "beacon_sent",
	WaitSelect:     "wait_select",
	SelectReceived: "select_received",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
