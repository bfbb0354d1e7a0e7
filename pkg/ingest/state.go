package ingest

import (
	"encoding/json"
	"fmt"
)

// State of a controller.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, st := range []State{Idle, Starting, Running, Stopping} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown consumer state %q", name)
}

// StopCause tells why the last run ended.
type StopCause int32

const (
	NotStopped StopCause = iota
	StoppedByUser
	StoppedAtBound
	StoppedOnError
)

func (c StopCause) String() string {
	switch c {
	case NotStopped:
		return ""
	case StoppedByUser:
		return "StoppedByUser"
	case StoppedAtBound:
		return "StoppedAtBound"
	case StoppedOnError:
		return "StoppedOnError"
	default:
		return fmt.Sprintf("StopCause(%d)", int32(c))
	}
}

func (c StopCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *StopCause) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, cause := range []StopCause{NotStopped, StoppedByUser, StoppedAtBound, StoppedOnError} {
		if cause.String() == name {
			*c = cause
			return nil
		}
	}
	return fmt.Errorf("unknown stop cause %q", name)
}
