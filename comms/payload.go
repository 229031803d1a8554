package comms

import (
	"github.com/CodedInternet/gosorter/onboard"
	"github.com/CodedInternet/gosorter/onboard/hardware"
)

const (
	PAYLOAD_STATE  = "state"
	PAYLOAD_RESULT = "result"
)

type Cmd struct {
	Cmd     string `json:"cmd"`
	Channel int    `json:"channel,omitempty"`
}

type SwitchPayload struct {
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// StatePayload is the periodic snapshot pushed to every client.
type StatePayload struct {
	Type      string        `json:"type"`
	State     string        `json:"state"`
	Direction string        `json:"direction"`
	Cause     hardware.Side `json:"cause"`
	Switches  SwitchPayload `json:"switches"`
}

// ResultPayload reports the outcome of a command.
type ResultPayload struct {
	Type   string              `json:"type"`
	Cmd    Cmd                 `json:"cmd"`
	Result *onboard.MoveResult `json:"result,omitempty"`
	Homed  hardware.Side       `json:"homed,omitempty"`
	Error  string              `json:"error,omitempty"`
}
