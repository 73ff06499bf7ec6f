// Package mover orchestrates the registered stage calibrations: it
// assigns chip placements, applies a shared motion profile, plans
// multi-stage trajectories and executes them in the chip frame.
package mover

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/journal"
	"github.com/optobench/mover/internal/planning"
	"github.com/optobench/mover/internal/polygon"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/timeutil"
	"github.com/optobench/mover/internal/transform"
)

// Speed and acceleration bounds in um/s and um/s^2. Values outside
// these ranges are rejected before any hardware call.
const (
	SpeedLowerBound = 0.0
	SpeedUpperBound = 1e5

	AccelerationLowerBound = 0.0
	AccelerationUpperBound = 1e6
)

// Error reports an orchestration failure: a duplicate or missing
// assignment, no connected stages, or an out-of-range motion profile.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Errorf builds an orchestration error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Config is the shared motion profile applied to every registered
// stage plus the polling cadence for asynchronous waits.
type Config struct {
	SpeedXY        float64 // um/s
	SpeedZ         float64 // um/s
	AccelerationXY float64 // um/s^2
	ZLift          float64 // um, relative lift during planned moves
	PollInterval   time.Duration
}

// DefaultConfig returns the default motion profile.
func DefaultConfig() Config {
	return Config{
		SpeedXY:        200,
		SpeedZ:         20,
		AccelerationXY: 0,
		ZLift:          20,
		PollInterval:   50 * time.Millisecond,
	}
}

type placement struct {
	orientation chip.Orientation
	port        chip.DevicePort
}

// Mover owns the calibration set. At most one calibration per physical
// stage, and at most one per (orientation, port) placement when the
// placement takes part in automatic device moves.
type Mover struct {
	cfg      Config
	clock    timeutil.Clock
	chip     *chip.Chip
	polygons *polygon.Registry
	journal  *journal.DB

	calibrations []*calibration.Calibration
	byStage      map[string]*calibration.Calibration
	byPlacement  map[placement]*calibration.Calibration
}

// New builds an empty mover with the given motion profile.
func New(cfg Config) *Mover {
	return &Mover{
		cfg:         cfg,
		clock:       timeutil.RealClock{},
		polygons:    polygon.DefaultRegistry(),
		byStage:     make(map[string]*calibration.Calibration),
		byPlacement: make(map[placement]*calibration.Calibration),
	}
}

// Chip returns the imported chip, or nil.
func (m *Mover) Chip() *chip.Chip { return m.chip }

// SetChip installs an imported chip description.
func (m *Mover) SetChip(c *chip.Chip) {
	if m.chip != nil && c != nil && m.chip.Name() != c.Name() {
		log.Printf("mover: replacing chip %q with %q, stored calibrations for the old chip no longer apply", m.chip.Name(), c.Name())
	}
	m.chip = c
}

// ImportChip loads a chip description file and installs it.
func (m *Mover) ImportChip(path string) error {
	c, err := chip.LoadFile(path)
	if err != nil {
		return err
	}
	m.SetChip(c)
	return nil
}

// SetJournal wires a movement journal. Journal failures are logged,
// never promoted to movement failures.
func (m *Mover) SetJournal(db *journal.DB) { m.journal = db }

// PolygonRegistry returns the registry used to restore stage polygons
// from stored calibrations.
func (m *Mover) PolygonRegistry() *polygon.Registry { return m.polygons }

//
// Registration.
//

// RegisterStageCalibration wires a stage into the mover: it builds a
// calibration for the placement, connects the stage and applies the
// shared motion profile. A stage can be registered once; a placement
// can take part in automatic device moves once.
func (m *Mover) RegisterStageCalibration(st stage.Stage, orientation chip.Orientation, port chip.DevicePort, autoMove bool) (*calibration.Calibration, error) {
	if _, ok := m.byStage[st.Identifier()]; ok {
		return nil, Errorf("stage %s is already registered", st.Identifier())
	}
	key := placement{orientation, port}
	if autoMove {
		if other, ok := m.byPlacement[key]; ok {
			return nil, Errorf("placement (%s, %s) is already assigned to %s", orientation, port, other.Stage().Identifier())
		}
	}

	c := calibration.New(st, orientation, port)
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", st.Identifier(), err)
	}
	if err := m.applyMotionProfile(c); err != nil {
		if derr := c.Disconnect(); derr != nil {
			log.Printf("mover: disconnecting %s after failed setup: %v", st.Identifier(), derr)
		}
		return nil, err
	}

	m.calibrations = append(m.calibrations, c)
	m.byStage[st.Identifier()] = c
	if autoMove {
		m.byPlacement[key] = c
	}
	return c, nil
}

// DeregisterStageCalibration disconnects and removes a calibration.
func (m *Mover) DeregisterStageCalibration(c *calibration.Calibration) error {
	id := c.Stage().Identifier()
	if m.byStage[id] != c {
		return Errorf("stage %s is not registered", id)
	}
	delete(m.byStage, id)
	for key, other := range m.byPlacement {
		if other == c {
			delete(m.byPlacement, key)
		}
	}
	for i, other := range m.calibrations {
		if other == c {
			m.calibrations = append(m.calibrations[:i], m.calibrations[i+1:]...)
			break
		}
	}
	return c.Disconnect()
}

// Calibrations returns the registered calibrations in registration
// order.
func (m *Mover) Calibrations() []*calibration.Calibration {
	out := make([]*calibration.Calibration, len(m.calibrations))
	copy(out, m.calibrations)
	return out
}

// CalibrationForStage returns the calibration owning the stage with
// the given identifier.
func (m *Mover) CalibrationForStage(identifier string) (*calibration.Calibration, bool) {
	c, ok := m.byStage[identifier]
	return c, ok
}

// HasConnectedStages reports whether any registered stage is reachable.
func (m *Mover) HasConnectedStages() bool {
	for _, c := range m.calibrations {
		if c.DetermineState() >= calibration.Connected {
			return true
		}
	}
	return false
}

func (m *Mover) applyMotionProfile(c *calibration.Calibration) error {
	st := c.Stage()
	if err := st.SetSpeedXY(m.cfg.SpeedXY); err != nil {
		return fmt.Errorf("failed to apply xy speed to %s: %w", st.Identifier(), err)
	}
	if err := st.SetSpeedZ(m.cfg.SpeedZ); err != nil {
		return fmt.Errorf("failed to apply z speed to %s: %w", st.Identifier(), err)
	}
	if err := st.SetAccelerationXY(m.cfg.AccelerationXY); err != nil {
		return fmt.Errorf("failed to apply xy acceleration to %s: %w", st.Identifier(), err)
	}
	return nil
}

//
// Shared motion profile.
//

// SpeedXY returns the shared xy speed in um/s.
func (m *Mover) SpeedXY() float64 { return m.cfg.SpeedXY }

// SetSpeedXY validates and applies the xy speed to every connected
// stage.
func (m *Mover) SetSpeedXY(v float64) error {
	if v < SpeedLowerBound || v > SpeedUpperBound {
		return Errorf("xy speed %v um/s is outside [%v, %v]", v, SpeedLowerBound, SpeedUpperBound)
	}
	for _, c := range m.calibrations {
		if !c.Stage().Connected() {
			continue
		}
		if err := c.Stage().SetSpeedXY(v); err != nil {
			return err
		}
	}
	m.cfg.SpeedXY = v
	return nil
}

// SpeedZ returns the shared z speed in um/s.
func (m *Mover) SpeedZ() float64 { return m.cfg.SpeedZ }

// SetSpeedZ validates and applies the z speed to every connected
// stage.
func (m *Mover) SetSpeedZ(v float64) error {
	if v < SpeedLowerBound || v > SpeedUpperBound {
		return Errorf("z speed %v um/s is outside [%v, %v]", v, SpeedLowerBound, SpeedUpperBound)
	}
	for _, c := range m.calibrations {
		if !c.Stage().Connected() {
			continue
		}
		if err := c.Stage().SetSpeedZ(v); err != nil {
			return err
		}
	}
	m.cfg.SpeedZ = v
	return nil
}

// AccelerationXY returns the shared xy acceleration in um/s^2.
func (m *Mover) AccelerationXY() float64 { return m.cfg.AccelerationXY }

// SetAccelerationXY validates and applies the xy acceleration to every
// connected stage.
func (m *Mover) SetAccelerationXY(v float64) error {
	if v < AccelerationLowerBound || v > AccelerationUpperBound {
		return Errorf("xy acceleration %v um/s^2 is outside [%v, %v]", v, AccelerationLowerBound, AccelerationUpperBound)
	}
	for _, c := range m.calibrations {
		if !c.Stage().Connected() {
			continue
		}
		if err := c.Stage().SetAccelerationXY(v); err != nil {
			return err
		}
	}
	m.cfg.AccelerationXY = v
	return nil
}

// ZLift returns the relative lift in um used during planned moves.
func (m *Mover) ZLift() float64 { return m.cfg.ZLift }

// SetZLift validates and stores the relative lift.
func (m *Mover) SetZLift(v float64) error {
	if v < 0 {
		return Errorf("z lift %v um must not be negative", v)
	}
	m.cfg.ZLift = v
	return nil
}

//
// Movement.
//

// MoveAbsolute drives the targeted stages to absolute chip coordinates
// through a planned trajectory. The involved calibrations run in the
// chip frame for the duration of the call, with the prior frame
// restored on exit. Not transactional: a mid-trajectory failure aborts
// the remainder, already issued moves stand.
func (m *Mover) MoveAbsolute(targets map[*calibration.Calibration]transform.ChipCoordinate, withLiftedStages, waitForStopping bool, waitTimeout time.Duration) error {
	if len(targets) == 0 {
		return Errorf("no movement commands given")
	}
	involved := make([]*calibration.Calibration, 0, len(targets))
	for _, c := range m.calibrations {
		if _, ok := targets[c]; ok {
			involved = append(involved, c)
		}
	}
	if len(involved) != len(targets) {
		return Errorf("movement commands target %d unregistered calibrations", len(targets)-len(involved))
	}

	// Scoped chip frame for the whole call.
	priors := make([]calibration.Frame, len(involved))
	for i, c := range involved {
		priors[i] = c.CoordinateSystem()
		if err := c.SetCoordinateSystem(calibration.FrameChip); err != nil {
			for j := 0; j < i; j++ {
				_ = involved[j].SetCoordinateSystem(priors[j])
			}
			return err
		}
	}
	defer func() {
		for i, c := range involved {
			if err := c.SetCoordinateSystem(priors[i]); err != nil {
				log.Printf("mover: restoring coordinate system on %s: %v", c, err)
			}
		}
	}()

	if withLiftedStages {
		for _, c := range involved {
			if err := c.LiftStage(m.cfg.ZLift, true); err != nil {
				return err
			}
		}
	}

	planner, err := m.newPlanner(len(involved))
	if err != nil {
		return err
	}
	for _, c := range involved {
		target := targets[c]
		if withLiftedStages {
			// Plan at the lifted level; the final lower brings the
			// stage down to the requested z.
			target.Z += m.cfg.ZLift
		}
		if err := planner.SetStageTarget(c, target); err != nil {
			return err
		}
	}

	runID := m.startRun(planner, len(involved))
	steps, err := m.runTrajectory(planner, involved, waitForStopping, waitTimeout, runID)
	if err != nil {
		m.finishRun(runID, steps, "aborted: "+err.Error())
		return err
	}

	if withLiftedStages {
		for _, c := range involved {
			if err := c.LowerStage(m.cfg.ZLift, true); err != nil {
				m.finishRun(runID, steps, "aborted: "+err.Error())
				return err
			}
		}
	}
	m.finishRun(runID, steps, "completed")
	return nil
}

func (m *Mover) newPlanner(stages int) (planning.Planner, error) {
	if stages == 1 {
		return planning.NewSingleStagePlanning(planning.DefaultSingleStageConfig()), nil
	}
	if m.chip == nil {
		return nil, Errorf("collision avoidance between %d stages needs an imported chip", stages)
	}
	return planning.NewCollisionAvoidancePlanning(m.chip, planning.DefaultCollisionAvoidanceConfig())
}

func (m *Mover) runTrajectory(planner planning.Planner, involved []*calibration.Calibration, waitForStopping bool, waitTimeout time.Duration, runID string) (int, error) {
	steps := 0
	for {
		step, err := planner.Next()
		if errors.Is(err, planning.ErrDone) {
			return steps, nil
		}
		if err != nil {
			return steps, err
		}

		allWaited := true
		for _, c := range planner.Calibrations() {
			wp, ok := step[c]
			if !ok {
				continue
			}
			if err := c.MoveChipAbsolute(wp.Coordinate, wp.WaitForStopping); err != nil {
				return steps, err
			}
			m.recordCommand(runID, c, "absolute", wp.Coordinate, wp.WaitForStopping)
			if !wp.WaitForStopping {
				allWaited = false
			}
		}
		steps++

		if waitForStopping && !allWaited {
			if err := m.waitAllStopped(involved, waitTimeout); err != nil {
				return steps, err
			}
		}
	}
}

// waitAllStopped busy-polls the involved stages until all report
// stopped or the timeout elapses.
func (m *Mover) waitAllStopped(involved []*calibration.Calibration, timeout time.Duration) error {
	deadline := m.clock.Now().Add(timeout)
	for {
		all := true
		for _, c := range involved {
			stopped, err := c.Stage().IsStopped()
			if err != nil {
				return err
			}
			if !stopped {
				all = false
				break
			}
		}
		if all {
			return nil
		}
		if m.clock.Now().After(deadline) {
			return Errorf("stages still moving after %s", timeout)
		}
		m.clock.Sleep(m.cfg.PollInterval)
	}
}

// RelativeCommand is one chip-frame offset for one calibration.
type RelativeCommand struct {
	Calibration *calibration.Calibration
	Offset      transform.ChipCoordinate
}

// MoveRelative applies chip-frame offsets in the given order, without
// planning or collision avoidance. Every targeted calibration needs at
// least a fixed coordinate system; all commands are validated before
// the first hardware call.
func (m *Mover) MoveRelative(commands []RelativeCommand, waitForStopping bool) error {
	if len(commands) == 0 {
		return Errorf("no movement commands given")
	}
	for _, cmd := range commands {
		id := cmd.Calibration.Stage().Identifier()
		if m.byStage[id] != cmd.Calibration {
			return Errorf("stage %s is not registered", id)
		}
		if got := cmd.Calibration.DetermineState(); got < calibration.CoordinateSystemFixed {
			return Errorf("relative move needs a fixed coordinate system on %s, state is %s", id, got)
		}
	}
	for _, cmd := range commands {
		err := cmd.Calibration.InCoordinateSystem(calibration.FrameChip, func() error {
			return cmd.Calibration.MoveChipRelative(cmd.Offset, waitForStopping)
		})
		if err != nil {
			return err
		}
		m.recordCommand("", cmd.Calibration, "relative", cmd.Offset, waitForStopping)
	}
	return nil
}

// MoveToDevice drives every placement-assigned calibration to its
// coupling point of the given device, lifted during the traverse.
func (m *Mover) MoveToDevice(deviceID string, waitForStopping bool, waitTimeout time.Duration) error {
	if m.chip == nil {
		return Errorf("no chip imported")
	}
	device, ok := m.chip.Device(deviceID)
	if !ok {
		return Errorf("chip %q has no device %q", m.chip.Name(), deviceID)
	}
	if len(m.byPlacement) == 0 {
		return Errorf("no calibrations assigned for automatic device moves")
	}
	targets := make(map[*calibration.Calibration]transform.ChipCoordinate, len(m.byPlacement))
	for _, c := range m.byPlacement {
		targets[c] = device.PortCoordinate(c.DevicePort())
	}
	return m.MoveAbsolute(targets, true, waitForStopping, waitTimeout)
}

//
// Journal wiring. Best effort: journal failures are logged, movement
// continues.
//

func (m *Mover) startRun(planner planning.Planner, stages int) string {
	if m.journal == nil {
		return ""
	}
	name := "single-stage"
	if _, ok := planner.(*planning.CollisionAvoidancePlanning); ok {
		name = "collision-avoidance"
	}
	runID, err := m.journal.StartRun(name, stages)
	if err != nil {
		log.Printf("mover: starting journal run: %v", err)
		return ""
	}
	return runID
}

func (m *Mover) finishRun(runID string, steps int, outcome string) {
	if m.journal == nil || runID == "" {
		return
	}
	if err := m.journal.FinishRun(runID, steps, outcome); err != nil {
		log.Printf("mover: finishing journal run %s: %v", runID, err)
	}
}

func (m *Mover) recordCommand(runID string, c *calibration.Calibration, kind string, coord transform.ChipCoordinate, wait bool) {
	if m.journal == nil {
		return
	}
	_, err := m.journal.RecordCommand(runID, c.Stage().Identifier(), "chip", kind, coord.X, coord.Y, coord.Z, wait)
	if err != nil {
		log.Printf("mover: recording command for %s: %v", c.Stage().Identifier(), err)
	}
}
