// Package ptyfabric implements C10: headless pseudo-terminal sessions
// spawned on demand, multiplexed to many subscribers with a scrollback
// replay buffer, resize, and signal injection, one active session per
// profile.
package ptyfabric

import (
	"time"

	"github.com/google/uuid"
)

// State enumerates a terminal session's lifecycle, per spec section 3.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Size is a terminal's column/row dimensions.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Info is the read-only snapshot of a session's volatile record, per spec
// section 3.
type Info struct {
	ID           uuid.UUID `json:"id"`
	ProfileAlias string    `json:"profile_alias"`
	WorkingDir   string    `json:"working_dir"`
	State        State     `json:"state"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	PID          int       `json:"pid,omitempty"`
	Size         Size      `json:"size"`
	ClientCount  int       `json:"client_count"`
}

// OutputKind discriminates the Output tagged union a reader broadcasts.
type OutputKind string

const (
	OutputData       OutputKind = "data"
	OutputConnected  OutputKind = "connected"
	OutputTerminated OutputKind = "terminated"
)

// Output is one frame a session broadcasts to its subscribers.
type Output struct {
	Kind     OutputKind `json:"kind"`
	Data     []byte     `json:"data,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`
}

// InputKind discriminates the Input tagged union a client writes.
type InputKind string

const (
	InputData   InputKind = "data"
	InputResize InputKind = "resize"
	InputSignal InputKind = "signal"
)

// Signal names the control signals a client may inject, per spec 4.C10.
type Signal string

const (
	SignalInterrupt Signal = "SIGINT"
	SignalQuit      Signal = "SIGQUIT"
	SignalWinch     Signal = "SIGWINCH"
	SignalTerminate Signal = "SIGTERM"
)

// controlChars maps an injectable signal to the control byte written to
// the PTY master, per spec 4.C10's writer dispatch table. SIGWINCH is
// handled via Resize, never written as a byte.
var controlChars = map[Signal]byte{
	SignalInterrupt: 0x03,
	SignalQuit:      0x1C,
}

// Input is one frame a client sends to a session's writer.
type Input struct {
	Kind   InputKind
	Data   []byte
	Size   Size
	Signal Signal
}
