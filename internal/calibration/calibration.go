// Package calibration maintains the mapping between one stage's native
// coordinate frame and the chip frame. A calibration owns exactly one
// stage, layers three transforms of increasing fidelity over it (axes
// rotation, single-point offset, Kabsch rotation) and derives its state
// from stage reachability plus transform validity; the stored state is
// never trusted, only recomputed.
package calibration

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/polygon"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/transform"
)

// Calibration binds one stage to a chip placement and its transform
// stack. Not safe for concurrent use; the active coordinate system is
// shared mutable state and callers scope it with InCoordinateSystem.
type Calibration struct {
	stage       stage.Stage
	orientation chip.Orientation
	port        chip.DevicePort

	axesRotation *transform.AxesRotation
	singlePoint  *transform.SinglePointOffset
	kabsch       *transform.KabschRotation
	stagePolygon polygon.StagePolygon

	system   Frame
	state    State
	isLifted bool

	// WiggleSettle is the pause between the forward and backward
	// wiggle move.
	WiggleSettle time.Duration
}

// New builds a calibration for a stage at a chip placement. The default
// envelope is a single-mode fiber polygon for the orientation. The
// stage is adopted as-is; call Connect to reach it.
func New(st stage.Stage, orientation chip.Orientation, port chip.DevicePort) *Calibration {
	c := &Calibration{
		stage:        st,
		orientation:  orientation,
		port:         port,
		axesRotation: transform.NewAxesRotation(),
		singlePoint:  transform.NewSinglePointOffset(),
		kabsch:       transform.NewKabschRotation(),
		stagePolygon: polygon.NewSingleModeFiber(orientation, nil),
		WiggleSettle: 2 * time.Second,
	}
	c.DetermineState()
	return c
}

func (c *Calibration) String() string {
	return fmt.Sprintf("%s stage (%s, %s)", c.orientation, c.port, c.stage.Identifier())
}

// Stage returns the owned stage.
func (c *Calibration) Stage() stage.Stage { return c.stage }

// Orientation returns the chip side this stage approaches from.
func (c *Calibration) Orientation() chip.Orientation { return c.orientation }

// DevicePort returns which device port this stage serves.
func (c *Calibration) DevicePort() chip.DevicePort { return c.port }

// StagePolygon returns the collision envelope.
func (c *Calibration) StagePolygon() polygon.StagePolygon { return c.stagePolygon }

// SetStagePolygon replaces the collision envelope.
func (c *Calibration) SetStagePolygon(p polygon.StagePolygon) { c.stagePolygon = p }

// AxesRotation returns the coarse orientation transform.
func (c *Calibration) AxesRotation() *transform.AxesRotation { return c.axesRotation }

// SinglePointOffset returns the translation fixation.
func (c *Calibration) SinglePointOffset() *transform.SinglePointOffset { return c.singlePoint }

// KabschRotation returns the rigid-rotation fixation.
func (c *Calibration) KabschRotation() *transform.KabschRotation { return c.kabsch }

// IsLifted reports whether the stage is currently lifted.
func (c *Calibration) IsLifted() bool { return c.isLifted }

// State returns the state as of the last determination.
func (c *Calibration) State() State { return c.state }

// DetermineState recomputes the calibration state from scratch: stage
// reachability first, then each transform layer in fidelity order. The
// cached state is overwritten, never consulted.
func (c *Calibration) DetermineState() State {
	c.state = c.computeState()
	return c.state
}

func (c *Calibration) computeState() State {
	if c.stage == nil || !c.stage.Connected() {
		return Uninitialized
	}
	// Reachability probe: a connected stage that fails a status read is
	// treated as absent.
	if _, err := c.stage.IsStopped(); err != nil {
		return Uninitialized
	}
	if !c.axesRotation.IsValid() {
		return Connected
	}
	if !c.singlePoint.IsValid() {
		return CoordinateSystemFixed
	}
	if !c.kabsch.IsValid() {
		return SinglePointFixed
	}
	return FullyCalibrated
}

//
// Setup mutators. Each one re-derives the state in a deferred call so a
// failed mutation can never leave a stale classification behind.
//

// Connect opens the connection to the stage.
func (c *Calibration) Connect() error {
	defer c.DetermineState()
	return c.stage.Connect()
}

// Disconnect closes the connection to the stage.
func (c *Calibration) Disconnect() error {
	defer c.DetermineState()
	return c.stage.Disconnect()
}

// UpdateAxesRotation assigns one chip axis to a stage axis.
func (c *Calibration) UpdateAxesRotation(chipAxis transform.Axis, direction transform.Direction, stageAxis transform.Axis) error {
	defer c.DetermineState()
	return c.axesRotation.Update(chipAxis, direction, stageAxis)
}

// UpdateSinglePointOffset re-anchors the translation fixation.
func (c *Calibration) UpdateSinglePointOffset(pairing transform.CoordinatePairing) error {
	defer c.DetermineState()
	return c.singlePoint.Update(pairing)
}

// UpdateKabschRotation adds a pairing to the rigid-rotation fixation.
func (c *Calibration) UpdateKabschRotation(pairing transform.CoordinatePairing) error {
	defer c.DetermineState()
	return c.kabsch.Update(pairing)
}

// RemoveKabschPairing drops the pairing anchored at a device.
func (c *Calibration) RemoveKabschPairing(deviceID string) error {
	defer c.DetermineState()
	return c.kabsch.RemovePairing(deviceID)
}

// SetKabschDimension switches the Kabsch fit between 2D and 3D.
func (c *Calibration) SetKabschDimension(d transform.Dimension) error {
	defer c.DetermineState()
	return c.kabsch.SetDimension(d)
}

//
// Coordinate system scoping.
//

// CoordinateSystem returns the active frame.
func (c *Calibration) CoordinateSystem() Frame { return c.system }

// SetCoordinateSystem switches the active frame. FrameUnknown resets to
// no frame.
func (c *Calibration) SetCoordinateSystem(f Frame) error {
	switch f {
	case FrameUnknown, FrameStage, FrameChip:
		c.system = f
		return nil
	}
	return Errorf("invalid coordinate system %d", int(f))
}

// InCoordinateSystem runs fn with the active frame overridden, then
// restores the prior frame, also when fn fails or panics.
func (c *Calibration) InCoordinateSystem(f Frame, fn func() error) error {
	prior := c.system
	if err := c.SetCoordinateSystem(f); err != nil {
		return err
	}
	defer func() { c.system = prior }()
	return fn()
}

// requireSystem gates an operation on the active frame.
func (c *Calibration) requireSystem(f Frame, op string) error {
	if c.system != f {
		return Errorf("%s on %s requires the %s coordinate system, active is %s", op, c, f, c.system)
	}
	return nil
}

// requireState gates an operation on a freshly determined minimum state.
func (c *Calibration) requireState(min State, op string) error {
	if got := c.DetermineState(); got < min {
		return Errorf("%s on %s requires state %s, have %s", op, c, min, got)
	}
	return nil
}

//
// Conversion. Absolute conversion prefers the highest-fidelity transform
// available; relative offsets always map through the axes rotation.
//

// ChipToStage converts an absolute chip coordinate to the stage frame.
func (c *Calibration) ChipToStage(coord transform.ChipCoordinate) (transform.StageCoordinate, error) {
	if c.kabsch.IsValid() {
		return c.kabsch.ChipToStage(coord)
	}
	if c.singlePoint.IsValid() {
		return c.singlePoint.ChipToStage(coord)
	}
	return transform.StageCoordinate{}, Errorf("%s has no fixation to convert chip to stage coordinates", c)
}

// StageToChip converts an absolute stage coordinate to the chip frame.
func (c *Calibration) StageToChip(coord transform.StageCoordinate) (transform.ChipCoordinate, error) {
	if c.kabsch.IsValid() {
		return c.kabsch.StageToChip(coord)
	}
	if c.singlePoint.IsValid() {
		return c.singlePoint.StageToChip(coord)
	}
	return transform.ChipCoordinate{}, Errorf("%s has no fixation to convert stage to chip coordinates", c)
}

//
// Frame-gated position and movement operations.
//

// StagePosition reads the position in the stage frame.
func (c *Calibration) StagePosition() (transform.StageCoordinate, error) {
	if err := c.requireSystem(FrameStage, "position read"); err != nil {
		return transform.StageCoordinate{}, err
	}
	if err := c.requireState(Connected, "stage position read"); err != nil {
		return transform.StageCoordinate{}, err
	}
	return c.stage.Position()
}

// ChipPosition reads the position in the chip frame.
func (c *Calibration) ChipPosition() (transform.ChipCoordinate, error) {
	if err := c.requireSystem(FrameChip, "position read"); err != nil {
		return transform.ChipCoordinate{}, err
	}
	if err := c.requireState(SinglePointFixed, "chip position read"); err != nil {
		return transform.ChipCoordinate{}, err
	}
	pos, err := c.stage.Position()
	if err != nil {
		return transform.ChipCoordinate{}, err
	}
	return c.StageToChip(pos)
}

// MoveStageAbsolute moves to a stage-frame position.
func (c *Calibration) MoveStageAbsolute(target transform.StageCoordinate, waitForStopping bool) error {
	if err := c.requireSystem(FrameStage, "absolute move"); err != nil {
		return err
	}
	if err := c.requireState(Connected, "stage absolute move"); err != nil {
		return err
	}
	return c.stage.MoveAbsolute(target, waitForStopping)
}

// MoveStageRelative moves by a stage-frame offset.
func (c *Calibration) MoveStageRelative(offset transform.StageCoordinate, waitForStopping bool) error {
	if err := c.requireSystem(FrameStage, "relative move"); err != nil {
		return err
	}
	if err := c.requireState(Connected, "stage relative move"); err != nil {
		return err
	}
	return c.stage.MoveRelative(offset, waitForStopping)
}

// MoveChipAbsolute moves to an absolute chip-frame position.
func (c *Calibration) MoveChipAbsolute(target transform.ChipCoordinate, waitForStopping bool) error {
	if err := c.requireSystem(FrameChip, "absolute move"); err != nil {
		return err
	}
	if err := c.requireState(SinglePointFixed, "chip absolute move"); err != nil {
		return err
	}
	stageTarget, err := c.ChipToStage(target)
	if err != nil {
		return err
	}
	return c.stage.MoveAbsolute(stageTarget, waitForStopping)
}

// MoveChipRelative moves by a chip-frame offset mapped through the axes
// rotation.
func (c *Calibration) MoveChipRelative(offset transform.ChipCoordinate, waitForStopping bool) error {
	if err := c.requireSystem(FrameChip, "relative move"); err != nil {
		return err
	}
	if err := c.requireState(CoordinateSystemFixed, "chip relative move"); err != nil {
		return err
	}
	stageOffset, err := c.axesRotation.ChipToStage(offset)
	if err != nil {
		return err
	}
	return c.stage.MoveRelative(stageOffset, waitForStopping)
}

//
// Lift and lower. The lifted flag only changes after the hardware call
// succeeded; a failed lift or lower keeps the previous value.
//

// LiftStage lifts by a relative chip-frame z offset. Lifting an already
// lifted stage is a warned no-op.
func (c *Calibration) LiftStage(zLift float64, waitForStopping bool) error {
	if c.isLifted {
		log.Printf("calibration: %s is already lifted, skipping lift", c)
		return nil
	}
	err := c.InCoordinateSystem(FrameChip, func() error {
		return c.MoveChipRelative(transform.ChipCoordinate{Z: zLift}, waitForStopping)
	})
	if err != nil {
		return err
	}
	c.isLifted = true
	return nil
}

// LowerStage lowers by a relative chip-frame z offset. Lowering an
// already lowered stage is a warned no-op.
func (c *Calibration) LowerStage(zLift float64, waitForStopping bool) error {
	if !c.isLifted {
		log.Printf("calibration: %s is not lifted, skipping lower", c)
		return nil
	}
	err := c.InCoordinateSystem(FrameChip, func() error {
		return c.MoveChipRelative(transform.ChipCoordinate{Z: -zLift}, waitForStopping)
	})
	if err != nil {
		return err
	}
	c.isLifted = false
	return nil
}

// LiftStageAbsolute lifts to a fixed chip-frame z level, keeping x and
// y. It needs the full calibration because the absolute z level only
// means anything once the rigid rotation is known.
func (c *Calibration) LiftStageAbsolute(zLevel float64, waitForStopping bool) error {
	if err := c.requireState(FullyCalibrated, "absolute lift"); err != nil {
		return err
	}
	if c.isLifted {
		log.Printf("calibration: %s is already lifted, skipping lift", c)
		return nil
	}
	err := c.InCoordinateSystem(FrameChip, func() error {
		pos, err := c.ChipPosition()
		if err != nil {
			return err
		}
		return c.MoveChipAbsolute(transform.ChipCoordinate{X: pos.X, Y: pos.Y, Z: zLevel}, waitForStopping)
	})
	if err != nil {
		return err
	}
	c.isLifted = true
	return nil
}

// WiggleAxis moves back and forth along one chip axis at a reduced
// speed so an operator can verify the axis assignment, restoring the
// prior speeds afterwards.
func (c *Calibration) WiggleAxis(axis transform.Axis, distance, speed float64) error {
	if err := c.requireState(CoordinateSystemFixed, "axis wiggle"); err != nil {
		return err
	}
	var offset transform.ChipCoordinate
	switch axis {
	case transform.AxisX:
		offset.X = distance
	case transform.AxisY:
		offset.Y = distance
	case transform.AxisZ:
		offset.Z = distance
	default:
		return Errorf("invalid wiggle axis %d", int(axis))
	}

	priorXY, err := c.stage.SpeedXY()
	if err != nil {
		return err
	}
	priorZ, err := c.stage.SpeedZ()
	if err != nil {
		return err
	}
	if err := c.stage.SetSpeedXY(speed); err != nil {
		return err
	}
	if err := c.stage.SetSpeedZ(speed); err != nil {
		return err
	}
	defer func() {
		if err := c.stage.SetSpeedXY(priorXY); err != nil {
			log.Printf("calibration: restoring xy speed on %s: %v", c, err)
		}
		if err := c.stage.SetSpeedZ(priorZ); err != nil {
			log.Printf("calibration: restoring z speed on %s: %v", c, err)
		}
	}()

	return c.InCoordinateSystem(FrameChip, func() error {
		if err := c.MoveChipRelative(offset, true); err != nil {
			return err
		}
		time.Sleep(c.WiggleSettle)
		return c.MoveChipRelative(offset.Scale(-1), true)
	})
}

// SameZLevel reports whether two chip coordinates sit on the same z
// plane within tolerance. The motion planner plans in 2D and refuses
// targets off the start plane.
func SameZLevel(a, b transform.ChipCoordinate, tolerance float64) bool {
	return math.Abs(a.Z-b.Z) <= tolerance
}
