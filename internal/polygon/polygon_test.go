package polygon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/transform"
)

func TestSingleModeFiber_Contains(t *testing.T) {
	t.Parallel()

	tip := transform.ChipCoordinate{X: 1000, Y: 500}
	fiber := NewSingleModeFiber(chip.OrientationLeft, Parameters{
		"fiber_length":    2000,
		"fiber_radius":    75,
		"safety_distance": 25,
	})

	// The tip itself and the body extending to the left are covered.
	assert.True(t, fiber.Contains(tip, 1000, 500))
	assert.True(t, fiber.Contains(tip, 0, 500))
	assert.True(t, fiber.Contains(tip, 500, 580))

	// Beyond the pad on the chip side, outside the width, or past the
	// length are not.
	assert.False(t, fiber.Contains(tip, 1200, 500))
	assert.False(t, fiber.Contains(tip, 500, 650))
	assert.False(t, fiber.Contains(tip, -1200, 500))
}

func TestSingleModeFiber_Orientations(t *testing.T) {
	t.Parallel()

	tip := transform.ChipCoordinate{}
	cases := []struct {
		orientation chip.Orientation
		inside      [2]float64
		outside     [2]float64
	}{
		{chip.OrientationLeft, [2]float64{-500, 0}, [2]float64{500, 0}},
		{chip.OrientationRight, [2]float64{500, 0}, [2]float64{-500, 0}},
		{chip.OrientationTop, [2]float64{0, 500}, [2]float64{0, -500}},
		{chip.OrientationBottom, [2]float64{0, -500}, [2]float64{0, 500}},
	}
	for _, tc := range cases {
		t.Run(string(tc.orientation), func(t *testing.T) {
			t.Parallel()
			fiber := NewSingleModeFiber(tc.orientation, nil)
			assert.True(t, fiber.Contains(tip, tc.inside[0], tc.inside[1]))
			assert.False(t, fiber.Contains(tip, tc.outside[0], tc.outside[1]))
		})
	}
}

func TestStageArm_WiderThanFiber(t *testing.T) {
	t.Parallel()

	tip := transform.ChipCoordinate{}
	arm := NewStageArm(chip.OrientationRight, nil)
	fiber := NewSingleModeFiber(chip.OrientationRight, nil)

	// A point well off-axis is inside the arm but outside the fiber.
	assert.True(t, arm.Contains(tip, 1000, 2000))
	assert.False(t, fiber.Contains(tip, 1000, 2000))
}

func TestRegistry_RestoreRoundTrip(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()
	assert.Equal(t, []string{SingleModeFiberName, StageArmName}, registry.Names())

	original := NewSingleModeFiber(chip.OrientationBottom, Parameters{"fiber_radius": 50})
	snap := Dump(original)
	assert.Equal(t, SingleModeFiberName, snap.PolygonCls)
	assert.Equal(t, "BOTTOM", snap.Orientation)

	restored, err := registry.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, chip.OrientationBottom, restored.Orientation())
	assert.Equal(t, original.Parameters(), restored.Parameters())

	_, err = registry.Restore(Snapshot{PolygonCls: "Unknown", Orientation: "LEFT"})
	assert.Error(t, err)
}
