// Package stage defines the movement and status contract a motorized
// positioning stage exposes to the calibration core, together with the
// driver registry and the concrete drivers: a fully software-simulated
// stage and a serial-attached stage.
//
// All positions and distances are micrometers, speeds micrometers per
// second, accelerations micrometers per second squared.
package stage

import (
	"fmt"

	"github.com/optobench/mover/internal/transform"
)

// Stage is the narrow hardware contract consumed by the core. A stage is
// an independent Cartesian XYZ actuator; it is exclusively owned by one
// calibration at a time.
type Stage interface {
	// Identifier returns a stable identifier for the physical stage,
	// unique across all registered stages.
	Identifier() string

	Connect() error
	Disconnect() error
	Connected() bool

	// Position returns the current position in the stage frame.
	Position() (transform.StageCoordinate, error)

	// MoveRelative moves by the given stage-frame offset. With
	// waitForStopping the call blocks until motion completes.
	MoveRelative(offset transform.StageCoordinate, waitForStopping bool) error

	// MoveAbsolute moves to the given stage-frame position.
	MoveAbsolute(target transform.StageCoordinate, waitForStopping bool) error

	SpeedXY() (float64, error)
	SetSpeedXY(umps float64) error
	SpeedZ() (float64, error)
	SetSpeedZ(umps float64) error
	SetAccelerationXY(umps2 float64) error

	// IsStopped reports whether all axes are at rest.
	IsStopped() (bool, error)
}

// Error reports a hardware or driver failure of one stage.
type Error struct {
	Stage string // stage identifier
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: %s failed", e.Stage, e.Op)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a stage Error with a formatted cause.
func Errorf(stage, op, format string, args ...any) *Error {
	return &Error{Stage: stage, Op: op, Err: fmt.Errorf(format, args...)}
}
