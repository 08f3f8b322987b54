package engine

import "errors"

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StatePrepared
	StateReady
	StatePlaying
)

var stateNames = [...]string{"uninitialized", "initialized", "prepared", "ready", "playing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrWrongState is returned by operations invoked from a state that
	// does not allow them. The engine state is left untouched.
	ErrWrongState  = errors.New("engine: wrong state")
	ErrIngressFull = errors.New("engine: realtime note queue full")
)

// wrongState logs a soft failure and returns ErrWrongState.
func (e *Engine) wrongState(op string, want ...State) error {
	fields := make([]string, len(want))
	for i, s := range want {
		fields[i] = s.String()
	}
	e.log.Sugar().Errorw("operation not allowed in current state",
		"op", op, "state", e.State().String(), "want", fields)
	return ErrWrongState
}
