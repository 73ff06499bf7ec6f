package polygon

import (
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/transform"
)

// Registry names of the built-in polygons.
const (
	SingleModeFiberName = "SingleModeFiber"
	StageArmName        = "StageArm"
)

// Default shape parameters in micrometers.
const (
	defaultFiberLength    = 8e4
	defaultFiberRadius    = 75.0
	defaultSafetyDistance = 75.0

	defaultArmWidth  = 5e3
	defaultArmLength = 8e4
)

func paramOr(p Parameters, key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// SingleModeFiber models the envelope of a bare single-mode fiber held
// by a stage: a thin rectangle from the fiber tip away from the chip,
// padded by a safety distance on all sides.
type SingleModeFiber struct {
	orientation    chip.Orientation
	fiberLength    float64
	fiberRadius    float64
	safetyDistance float64
}

// NewSingleModeFiber builds a fiber envelope; missing parameters take
// defaults.
func NewSingleModeFiber(o chip.Orientation, params Parameters) *SingleModeFiber {
	return &SingleModeFiber{
		orientation:    o,
		fiberLength:    paramOr(params, "fiber_length", defaultFiberLength),
		fiberRadius:    paramOr(params, "fiber_radius", defaultFiberRadius),
		safetyDistance: paramOr(params, "safety_distance", defaultSafetyDistance),
	}
}

func (f *SingleModeFiber) Name() string                  { return SingleModeFiberName }
func (f *SingleModeFiber) Orientation() chip.Orientation { return f.orientation }

func (f *SingleModeFiber) Parameters() Parameters {
	return Parameters{
		"fiber_length":    f.fiberLength,
		"fiber_radius":    f.fiberRadius,
		"safety_distance": f.safetyDistance,
	}
}

func (f *SingleModeFiber) Contains(tip transform.ChipCoordinate, x, y float64) bool {
	pad := f.fiberRadius + f.safetyDistance
	return rectContains(f.orientation, tip, x, y, pad, f.fiberLength, pad)
}

// StageArm models the positioner arm carrying the fiber: a much wider
// rectangle with the same directional footprint. Use it for stages
// whose arm reaches over the chip.
type StageArm struct {
	orientation chip.Orientation
	armWidth    float64
	armLength   float64
}

// NewStageArm builds an arm envelope; missing parameters take defaults.
func NewStageArm(o chip.Orientation, params Parameters) *StageArm {
	return &StageArm{
		orientation: o,
		armWidth:    paramOr(params, "arm_width", defaultArmWidth),
		armLength:   paramOr(params, "arm_length", defaultArmLength),
	}
}

func (a *StageArm) Name() string                  { return StageArmName }
func (a *StageArm) Orientation() chip.Orientation { return a.orientation }

func (a *StageArm) Parameters() Parameters {
	return Parameters{
		"arm_width":  a.armWidth,
		"arm_length": a.armLength,
	}
}

func (a *StageArm) Contains(tip transform.ChipCoordinate, x, y float64) bool {
	return rectContains(a.orientation, tip, x, y, a.armWidth/2, a.armLength, 0)
}
