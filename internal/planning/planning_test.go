package planning

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/transform"
)

// newPlanCalibration builds a fully calibrated stage whose chip frame is
// the stage frame shifted by (1000, 2000, 50), positioned at the given
// chip coordinate.
func newPlanCalibration(t *testing.T, addr string, o chip.Orientation, start transform.ChipCoordinate) (*calibration.Calibration, *stage.SimulatedStage) {
	t.Helper()
	st := stage.NewSimulatedStage(addr)
	c := calibration.New(st, o, chip.PortInput)
	require.NoError(t, c.Connect())
	require.NoError(t, c.UpdateSinglePointOffset(transform.CoordinatePairing{
		StageCoordinate: transform.StageCoordinate{X: 1000, Y: 2000, Z: 50},
		ChipCoordinate:  transform.ChipCoordinate{},
		DeviceID:        "anchor",
	}))
	for i, p := range []transform.ChipCoordinate{{}, {X: 500}, {Y: 500}} {
		require.NoError(t, c.UpdateKabschRotation(transform.CoordinatePairing{
			ChipCoordinate:  p,
			StageCoordinate: transform.StageCoordinate{X: p.X + 1000, Y: p.Y + 2000, Z: p.Z + 50},
			DeviceID:        fmt.Sprintf("%s-dev-%d", addr, i),
		}))
	}
	require.Equal(t, calibration.FullyCalibrated, c.State())
	st.SetPosition(transform.StageCoordinate{X: start.X + 1000, Y: start.Y + 2000, Z: start.Z + 50})
	return c, st
}

func planTestChip(t *testing.T) *chip.Chip {
	t.Helper()
	var devices []*chip.Device
	for i := 0; i < 5; i++ {
		x := float64(i) * 500
		devices = append(devices, &chip.Device{
			ID:               fmt.Sprintf("dev-%d", i),
			InputCoordinate:  transform.ChipCoordinate{X: x, Y: 0},
			OutputCoordinate: transform.ChipCoordinate{X: x, Y: 1000},
		})
	}
	c, err := chip.New("plan-chip", devices)
	require.NoError(t, err)
	return c
}

func TestSingleStagePlanning_ThreeWaypoints(t *testing.T) {
	t.Parallel()

	cal, _ := newPlanCalibration(t, "sim:plan-0", chip.OrientationLeft, transform.ChipCoordinate{})
	p := NewSingleStagePlanning(DefaultSingleStageConfig())
	target := transform.ChipCoordinate{X: 100, Y: 100, Z: 5}
	require.NoError(t, p.SetStageTarget(cal, target))
	require.Equal(t, []*calibration.Calibration{cal}, p.Calibrations())

	var waypoints []Waypoint
	for {
		step, err := p.Next()
		if errors.Is(err, ErrDone) {
			break
		}
		require.NoError(t, err)
		require.Len(t, step, 1)
		wp := step[cal]
		assert.True(t, wp.WaitForStopping)
		waypoints = append(waypoints, wp)
	}

	// Lift above the start by |dz| rounded up plus the tolerance,
	// traverse at the lifted level, descend onto the exact target.
	want := []Waypoint{
		{Coordinate: transform.ChipCoordinate{X: 0, Y: 0, Z: 15}, WaitForStopping: true},
		{Coordinate: transform.ChipCoordinate{X: 100, Y: 100, Z: 15}, WaitForStopping: true},
		{Coordinate: target, WaitForStopping: true},
	}
	if diff := cmp.Diff(want, waypoints); diff != "" {
		t.Errorf("waypoint sequence mismatch (-want +got):\n%s", diff)
	}

	// Exhausted planners keep returning ErrDone.
	_, err := p.Next()
	assert.ErrorIs(t, err, ErrDone)
}

func TestSingleStagePlanning_RejectsSecondTarget(t *testing.T) {
	t.Parallel()

	a, _ := newPlanCalibration(t, "sim:plan-a", chip.OrientationLeft, transform.ChipCoordinate{})
	b, _ := newPlanCalibration(t, "sim:plan-b", chip.OrientationRight, transform.ChipCoordinate{X: 500})

	p := NewSingleStagePlanning(DefaultSingleStageConfig())
	require.NoError(t, p.SetStageTarget(a, transform.ChipCoordinate{X: 100}))
	err := p.SetStageTarget(b, transform.ChipCoordinate{X: 200})
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestSingleStagePlanning_LiftCorrectionCap(t *testing.T) {
	t.Parallel()

	cal, _ := newPlanCalibration(t, "sim:plan-cap", chip.OrientationLeft, transform.ChipCoordinate{})
	p := NewSingleStagePlanning(SingleStageConfig{LiftTolerance: 10, MaxLiftCorrection: 100})
	err := p.SetStageTarget(cal, transform.ChipCoordinate{X: 100, Y: 100, Z: 200})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "lift correction")
}

func TestCollisionAvoidance_RequiresDevices(t *testing.T) {
	t.Parallel()

	c, err := chip.New("empty", nil)
	require.NoError(t, err)
	_, err = NewCollisionAvoidancePlanning(c, DefaultCollisionAvoidanceConfig())
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestCollisionAvoidance_ZLevelMismatch(t *testing.T) {
	t.Parallel()

	p, err := NewCollisionAvoidancePlanning(planTestChip(t), DefaultCollisionAvoidanceConfig())
	require.NoError(t, err)

	a, _ := newPlanCalibration(t, "sim:z-a", chip.OrientationLeft, transform.ChipCoordinate{})
	b, _ := newPlanCalibration(t, "sim:z-b", chip.OrientationRight, transform.ChipCoordinate{X: 2000, Z: 5})

	require.NoError(t, p.SetStageTarget(a, transform.ChipCoordinate{X: 2000}))
	err = p.SetStageTarget(b, transform.ChipCoordinate{})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "z level")
}

func TestCollisionAvoidance_RejectsDuplicateStage(t *testing.T) {
	t.Parallel()

	p, err := NewCollisionAvoidancePlanning(planTestChip(t), DefaultCollisionAvoidanceConfig())
	require.NoError(t, err)

	a, _ := newPlanCalibration(t, "sim:dup", chip.OrientationLeft, transform.ChipCoordinate{})
	require.NoError(t, p.SetStageTarget(a, transform.ChipCoordinate{X: 500}))
	err = p.SetStageTarget(a, transform.ChipCoordinate{X: 1000})
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestCollisionAvoidance_SingleStageReachesTarget(t *testing.T) {
	t.Parallel()

	p, err := NewCollisionAvoidancePlanning(planTestChip(t), DefaultCollisionAvoidanceConfig())
	require.NoError(t, err)

	cal, _ := newPlanCalibration(t, "sim:solo", chip.OrientationLeft, transform.ChipCoordinate{})
	target := transform.ChipCoordinate{X: 730, Y: 480}
	require.NoError(t, p.SetStageTarget(cal, target))

	var last Waypoint
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "planner did not terminate")
		step, err := p.Next()
		if errors.Is(err, ErrDone) {
			break
		}
		require.NoError(t, err)
		last = step[cal]
		assert.False(t, last.WaitForStopping)
	}
	// The final waypoint snaps to the exact target, not a grid cell.
	assert.Equal(t, target.X, last.Coordinate.X)
	assert.Equal(t, target.Y, last.Coordinate.Y)
}

func TestCollisionAvoidance_TwoStageSwap(t *testing.T) {
	t.Parallel()

	p, err := NewCollisionAvoidancePlanning(planTestChip(t), DefaultCollisionAvoidanceConfig())
	require.NoError(t, err)

	left, _ := newPlanCalibration(t, "sim:swap-l", chip.OrientationLeft, transform.ChipCoordinate{})
	right, _ := newPlanCalibration(t, "sim:swap-r", chip.OrientationRight, transform.ChipCoordinate{X: 2000})

	require.NoError(t, p.SetStageTarget(left, transform.ChipCoordinate{X: 2000}))
	require.NoError(t, p.SetStageTarget(right, transform.ChipCoordinate{}))
	require.Equal(t, []*calibration.Calibration{left, right}, p.Calibrations())

	last := map[*calibration.Calibration]Waypoint{}
	var finalErr error
	for i := 0; ; i++ {
		require.Less(t, i, 5000, "planner neither finished nor aborted")
		step, err := p.Next()
		if err != nil {
			finalErr = err
			break
		}
		require.Len(t, step, 2)
		for cal, wp := range step {
			assert.False(t, wp.WaitForStopping)
			last[cal] = wp
		}
	}

	if errors.Is(finalErr, ErrDone) {
		// Both stages routed around each other to the exact targets.
		assert.Equal(t, 2000.0, last[left].Coordinate.X)
		assert.Equal(t, 0.0, last[right].Coordinate.X)
		return
	}
	// Head-on swaps may trap both stages in a local minimum; the plan
	// must abort with a planning error instead of spinning.
	var perr *Error
	require.ErrorAs(t, finalErr, &perr)
	assert.Contains(t, finalErr.Error(), "local minimum")
}

func TestCollisionAvoidance_NextWithoutTargets(t *testing.T) {
	t.Parallel()

	p, err := NewCollisionAvoidancePlanning(planTestChip(t), DefaultCollisionAvoidanceConfig())
	require.NoError(t, err)
	_, err = p.Next()
	var perr *Error
	require.ErrorAs(t, err, &perr)
}
