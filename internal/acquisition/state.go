package acquisition

import "fmt"

// State is the orchestrator's position in the acquisition cycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateResetting
	StateStreaming // stream and sweep running concurrently
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateResetting:
		return "resetting"
	case StateStreaming:
		return "streaming"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateIdle; c <= StateProcessing; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
