package calibration

import "fmt"

// State classifies how far a stage's calibration has progressed. States
// are strictly ordered; every state implies all lower ones.
type State int

const (
	// Uninitialized means the stage is absent or unreachable.
	Uninitialized State = iota
	// Connected means the stage responds to commands.
	Connected
	// CoordinateSystemFixed adds a valid axes rotation.
	CoordinateSystemFixed
	// SinglePointFixed adds a valid single-point offset.
	SinglePointFixed
	// FullyCalibrated adds a valid Kabsch rotation.
	FullyCalibrated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Connected:
		return "CONNECTED"
	case CoordinateSystemFixed:
		return "COORDINATE_SYSTEM_FIXED"
	case SinglePointFixed:
		return "SINGLE_POINT_FIXED"
	case FullyCalibrated:
		return "FULLY_CALIBRATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Frame selects which coordinate system a calibration's position and
// movement operations currently work in.
type Frame int

const (
	FrameUnknown Frame = iota
	FrameStage
	FrameChip
)

func (f Frame) String() string {
	switch f {
	case FrameStage:
		return "stage"
	case FrameChip:
		return "chip"
	}
	return "unknown"
}

// Error reports a calibration-level failure: an operation demanded in an
// insufficient state, or in the wrong coordinate system.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Errorf builds a calibration Error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}
