package pilot

import "fmt"

// State is a pilot state machine state.
type State int

const (
	Vdc12 State = iota
	Vdc9
	Vdc6
	Vac6
	Vac9
	Vac12
	Error
	Stopped
	Panic
	DigitalInterface
)

var stateNames = [...]string{
	Vdc12:            "S12Vdc",
	Vdc9:             "S9Vdc",
	Vdc6:             "S6Vdc",
	Vac6:             "S6Vac",
	Vac9:             "S9Vac",
	Vac12:            "S12Vac",
	Error:            "Error",
	Stopped:          "Stopped",
	Panic:            "Panic",
	DigitalInterface: "DigitalIf",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState maps a name back to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Vdc12, fmt.Errorf("unknown pilot state %q", name)
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
