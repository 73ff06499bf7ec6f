// Package planning turns chip-frame movement goals into per-stage
// waypoint sequences. A single active stage gets a simple three-point
// lift/traverse/descend trajectory; two or more stages are coordinated
// through per-stage potential fields over a shared planning grid so
// their envelopes never meet.
package planning

import (
	"errors"
	"fmt"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/transform"
)

// ErrDone signals an exhausted trajectory. Planners are lazy, finite
// and non-restartable: once Next returns ErrDone it always will.
var ErrDone = errors.New("planning: trajectory done")

/// Error reports a planning failure: an unreachable goal, a z-level
// mismatch or an excessive lift correction.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Errorf builds a planning Error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Waypoint is one intermediate chip-frame target a stage must reach.
type Waypoint struct {
	Coordinate      transform.ChipCoordinate
	WaitForStopping bool
}

// Step maps each involved calibration to its waypoint for one
// simultaneous planner step.
type Step map[*calibration.Calibration]Waypoint

// Planner produces a waypoint trajectory for registered goals. Targets
// are registered first; Next then yields one simultaneous step at a
// time until ErrDone.
type Planner interface {
	// SetStageTarget registers a chip-frame goal for a calibration.
	SetStageTarget(c *calibration.Calibration, target transform.ChipCoordinate) error
	// Calibrations returns the involved calibrations in registration
	// order; steps are issued to stages in this order.
	Calibrations() []*calibration.Calibration
	// Next returns the next simultaneous step, or ErrDone.
	Next() (Step, error)
}

// currentChipPosition reads a calibration's position in the chip frame
// under a scoped frame override.
func currentChipPosition(c *calibration.Calibration) (transform.ChipCoordinate, error) {
	var pos transform.ChipCoordinate
	err := c.InCoordinateSystem(calibration.FrameChip, func() error {
		var err error
		pos, err = c.ChipPosition()
		return err
	})
	return pos, err
}
