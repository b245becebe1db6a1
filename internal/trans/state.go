package trans

import (
	"fmt"
	"strings"
)

// State is the commercial phase of a charging session. The order matters:
// fault handling treats everything up to Authen as "not yet charging".
type State int

const (
	Idle State = iota
	Handshake
	Authen
	Charging
	Parking
	Billing
	Paid
)

var stateNames = [...]string{
	Idle:      "idle",
	Handshake: "handshake",
	Authen:    "authen",
	Charging:  "charging",
	Parking:   "parking",
	Billing:   "billing",
	Paid:      "paid",
}

func (s State) String() string {
	if s < Idle || s > Paid {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown transaction state %q", name)
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
