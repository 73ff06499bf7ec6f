package mover

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/journal"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/timeutil"
	"github.com/optobench/mover/internal/transform"
)

func newTestMover() *Mover {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	return New(cfg)
}

func testChip(t *testing.T) *chip.Chip {
	t.Helper()
	var devices []*chip.Device
	for i := 0; i < 4; i++ {
		x := float64(i) * 500
		devices = append(devices, &chip.Device{
			ID:               fmt.Sprintf("dev-%d", i),
			InputCoordinate:  transform.ChipCoordinate{X: x, Y: 0},
			OutputCoordinate: transform.ChipCoordinate{X: x, Y: 1000},
		})
	}
	c, err := chip.New("test-chip", devices)
	require.NoError(t, err)
	return c
}

// fullyCalibrate fixes the calibration so that the chip frame equals
// the stage frame shifted by (1000, 2000, 50), with the stage placed
// at the given chip coordinate.
func fullyCalibrate(t *testing.T, c *calibration.Calibration, st *stage.SimulatedStage, at transform.ChipCoordinate) {
	t.Helper()
	require.NoError(t, c.UpdateSinglePointOffset(transform.CoordinatePairing{
		StageCoordinate: transform.StageCoordinate{X: 1000, Y: 2000, Z: 50},
		ChipCoordinate:  transform.ChipCoordinate{},
		DeviceID:        "anchor",
	}))
	for i, p := range []transform.ChipCoordinate{{}, {X: 500}, {Y: 500}} {
		require.NoError(t, c.UpdateKabschRotation(transform.CoordinatePairing{
			ChipCoordinate:  p,
			StageCoordinate: transform.StageCoordinate{X: p.X + 1000, Y: p.Y + 2000, Z: p.Z + 50},
			DeviceID:        fmt.Sprintf("%s-dev-%d", st.Identifier(), i),
		}))
	}
	require.Equal(t, calibration.FullyCalibrated, c.State())
	st.SetPosition(transform.StageCoordinate{X: at.X + 1000, Y: at.Y + 2000, Z: at.Z + 50})
}

func registerCalibrated(t *testing.T, m *Mover, addr string, o chip.Orientation, port chip.DevicePort, at transform.ChipCoordinate) (*calibration.Calibration, *stage.SimulatedStage) {
	t.Helper()
	st := stage.NewSimulatedStage(addr)
	c, err := m.RegisterStageCalibration(st, o, port, true)
	require.NoError(t, err)
	fullyCalibrate(t, c, st, at)
	return c, st
}

// chipPositionOf reads a calibration's chip-frame position for
// assertions.
func chipPositionOf(t *testing.T, c *calibration.Calibration) transform.ChipCoordinate {
	t.Helper()
	var pos transform.ChipCoordinate
	require.NoError(t, c.InCoordinateSystem(calibration.FrameChip, func() error {
		var err error
		pos, err = c.ChipPosition()
		return err
	}))
	return pos
}

func TestMover_RegistrationRejectsDuplicateStage(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	st := stage.NewSimulatedStage("sim:0")
	_, err := m.RegisterStageCalibration(st, chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)

	_, err = m.RegisterStageCalibration(st, chip.OrientationRight, chip.PortOutput, true)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMover_RegistrationRejectsDuplicatePlacement(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	_, err := m.RegisterStageCalibration(stage.NewSimulatedStage("sim:0"), chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)

	_, err = m.RegisterStageCalibration(stage.NewSimulatedStage("sim:1"), chip.OrientationLeft, chip.PortInput, true)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, err.Error(), "already assigned")

	// Without automatic device moves the placement may repeat.
	_, err = m.RegisterStageCalibration(stage.NewSimulatedStage("sim:2"), chip.OrientationLeft, chip.PortInput, false)
	require.NoError(t, err)
}

func TestMover_RegistrationAppliesMotionProfile(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SpeedXY = 333
	cfg.SpeedZ = 44
	m := New(cfg)

	st := stage.NewSimulatedStage("sim:profile")
	c, err := m.RegisterStageCalibration(st, chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)
	require.Equal(t, calibration.CoordinateSystemFixed, c.State())

	xy, err := st.SpeedXY()
	require.NoError(t, err)
	assert.Equal(t, 333.0, xy)
	z, err := st.SpeedZ()
	require.NoError(t, err)
	assert.Equal(t, 44.0, z)
}

func TestMover_Deregister(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	st := stage.NewSimulatedStage("sim:0")
	c, err := m.RegisterStageCalibration(st, chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)

	require.NoError(t, m.DeregisterStageCalibration(c))
	assert.False(t, st.Connected())
	assert.Empty(t, m.Calibrations())

	// The stage and the placement are free again.
	_, err = m.RegisterStageCalibration(st, chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)
}

func TestMover_SpeedValidation(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	st := stage.NewSimulatedStage("sim:0")
	_, err := m.RegisterStageCalibration(st, chip.OrientationLeft, chip.PortInput, true)
	require.NoError(t, err)

	var merr *Error
	require.ErrorAs(t, m.SetSpeedXY(-1), &merr)
	require.ErrorAs(t, m.SetSpeedXY(SpeedUpperBound+1), &merr)
	require.ErrorAs(t, m.SetAccelerationXY(AccelerationUpperBound+1), &merr)
	require.ErrorAs(t, m.SetZLift(-5), &merr)

	require.NoError(t, m.SetSpeedXY(500))
	assert.Equal(t, 500.0, m.SpeedXY())
	got, err := st.SpeedXY()
	require.NoError(t, err)
	assert.Equal(t, 500.0, got)
}

func TestMover_MoveAbsoluteSingleStage(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	c, st := registerCalibrated(t, m, "sim:abs", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})
	require.NoError(t, c.SetCoordinateSystem(calibration.FrameStage))

	target := transform.ChipCoordinate{X: 100, Y: 100, Z: 5}
	err := m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{c: target}, false, true, time.Second)
	require.NoError(t, err)

	pos, err := st.Position()
	require.NoError(t, err)
	assert.InDelta(t, 1100, pos.X, 1e-9)
	assert.InDelta(t, 2100, pos.Y, 1e-9)
	assert.InDelta(t, 55, pos.Z, 1e-9)

	// The prior frame is restored after the call.
	assert.Equal(t, calibration.FrameStage, c.CoordinateSystem())
}

func TestMover_MoveAbsoluteLiftsAndLowers(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	c, _ := registerCalibrated(t, m, "sim:lift", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	target := transform.ChipCoordinate{X: 200, Y: 0, Z: 0}
	err := m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{c: target}, true, true, time.Second)
	require.NoError(t, err)

	assert.False(t, c.IsLifted())
	pos := chipPositionOf(t, c)
	assert.InDelta(t, target.X, pos.X, 1e-9)
	assert.InDelta(t, target.Z, pos.Z, 1e-9)
}

func TestMover_MoveAbsoluteTwoStages(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	m.SetChip(testChip(t))
	a, _ := registerCalibrated(t, m, "sim:two-a", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})
	b, _ := registerCalibrated(t, m, "sim:two-b", chip.OrientationRight, chip.PortOutput, transform.ChipCoordinate{X: 1500})

	err := m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{
		a: {X: 0, Y: 400},
		b: {X: 1500, Y: 400},
	}, false, true, time.Second)
	require.NoError(t, err)

	posA := chipPositionOf(t, a)
	assert.InDelta(t, 0, posA.X, 1e-9)
	assert.InDelta(t, 400, posA.Y, 1e-9)
	posB := chipPositionOf(t, b)
	assert.InDelta(t, 1500, posB.X, 1e-9)
	assert.InDelta(t, 400, posB.Y, 1e-9)
}

func TestMover_MoveAbsoluteTwoStagesNeedsChip(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	a, _ := registerCalibrated(t, m, "sim:nochip-a", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})
	b, _ := registerCalibrated(t, m, "sim:nochip-b", chip.OrientationRight, chip.PortOutput, transform.ChipCoordinate{X: 1500})

	err := m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{
		a: {X: 0, Y: 400},
		b: {X: 1500, Y: 400},
	}, false, true, time.Second)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, err.Error(), "chip")
}

func TestMover_MoveAbsoluteRejectsUnregistered(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	st := stage.NewSimulatedStage("sim:foreign")
	foreign := calibration.New(st, chip.OrientationLeft, chip.PortInput)
	require.NoError(t, foreign.Connect())

	err := m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{
		foreign: {X: 1},
	}, false, true, time.Second)
	var merr *Error
	require.ErrorAs(t, err, &merr)
}

func TestMover_MoveRelative(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	c, st := registerCalibrated(t, m, "sim:rel", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	err := m.MoveRelative([]RelativeCommand{
		{Calibration: c, Offset: transform.ChipCoordinate{X: 10, Y: -5}},
	}, true)
	require.NoError(t, err)

	pos, err := st.Position()
	require.NoError(t, err)
	assert.InDelta(t, 1010, pos.X, 1e-9)
	assert.InDelta(t, 1995, pos.Y, 1e-9)
}

func TestMover_MoveRelativeValidatesBeforeMoving(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	good, goodStage := registerCalibrated(t, m, "sim:rel-good", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	// A connected stage without a fixed coordinate system cannot take
	// relative chip moves.
	badStage := stage.NewSimulatedStage("sim:rel-bad")
	bad, err := m.RegisterStageCalibration(badStage, chip.OrientationRight, chip.PortOutput, true)
	require.NoError(t, err)
	require.NoError(t, bad.UpdateAxesRotation(transform.AxisX, transform.Positive, transform.AxisY))
	require.Less(t, bad.State(), calibration.CoordinateSystemFixed)

	movesBefore := goodStage.Moves()
	err = m.MoveRelative([]RelativeCommand{
		{Calibration: good, Offset: transform.ChipCoordinate{X: 10}},
		{Calibration: bad, Offset: transform.ChipCoordinate{X: 10}},
	}, true)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, movesBefore, goodStage.Moves(), "validation must run before any hardware move")
}

func TestMover_MoveToDevice(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	m.SetChip(testChip(t))
	in, _ := registerCalibrated(t, m, "sim:dev-in", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{X: 100, Y: 100})
	out, _ := registerCalibrated(t, m, "sim:dev-out", chip.OrientationRight, chip.PortOutput, transform.ChipCoordinate{X: 100, Y: 900})

	require.NoError(t, m.MoveToDevice("dev-2", true, time.Second))

	posIn := chipPositionOf(t, in)
	assert.InDelta(t, 1000, posIn.X, 1e-9)
	assert.InDelta(t, 0, posIn.Y, 1e-9)
	posOut := chipPositionOf(t, out)
	assert.InDelta(t, 1000, posOut.X, 1e-9)
	assert.InDelta(t, 1000, posOut.Y, 1e-9)

	assert.False(t, in.IsLifted())
	assert.False(t, out.IsLifted())
}

func TestMover_MoveToDeviceUnknownDevice(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	m.SetChip(testChip(t))
	registerCalibrated(t, m, "sim:dev-x", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	err := m.MoveToDevice("no-such-device", true, time.Second)
	var merr *Error
	require.ErrorAs(t, err, &merr)
}

func TestMover_WaitAllStopped(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m.clock = clock
	c, st := registerCalibrated(t, m, "sim:wait", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	st.MovingPolls = 3
	require.NoError(t, st.MoveRelative(transform.StageCoordinate{X: 1}, false))
	require.NoError(t, m.waitAllStopped([]*calibration.Calibration{c}, time.Second))
	assert.Len(t, clock.Sleeps(), 3)
}

func TestMover_WaitAllStoppedTimesOut(t *testing.T) {
	t.Parallel()

	m := newTestMover()
	m.clock = timeutil.NewMockClock(time.Unix(0, 0))
	c, st := registerCalibrated(t, m, "sim:wait-timeout", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	st.MovingPolls = 1 << 30
	require.NoError(t, st.MoveRelative(transform.StageCoordinate{X: 1}, false))
	err := m.waitAllStopped([]*calibration.Calibration{c}, 100*time.Millisecond)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, err.Error(), "still moving")
}

func TestMover_JournalRecordsEveryCommand(t *testing.T) {
	t.Parallel()

	db, err := journal.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer db.Close()

	m := newTestMover()
	m.SetJournal(db)
	c, _ := registerCalibrated(t, m, "sim:journal", chip.OrientationLeft, chip.PortInput, transform.ChipCoordinate{})

	err = m.MoveAbsolute(map[*calibration.Calibration]transform.ChipCoordinate{
		c: {X: 50, Y: 50, Z: 0},
	}, false, true, time.Second)
	require.NoError(t, err)

	runs, err := db.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "single-stage", runs[0].Planner)
	assert.Equal(t, "completed", runs[0].Outcome)
	assert.Equal(t, 3, runs[0].Steps)

	// One journal row per issued stage command.
	n, err := db.CommandCountForRun(runs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
