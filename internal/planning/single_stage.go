package planning

import (
	"math"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/transform"
)

// SingleStageConfig tunes the single-stage trajectory.
type SingleStageConfig struct {
	// LiftTolerance is added on top of the z difference between start
	// and target to clear the chip surface during the traverse.
	LiftTolerance float64
	// MaxLiftCorrection caps the computed correction. A correction
	// beyond the cap points at a miscalibrated z axis; moving with it
	// would be unsafe.
	MaxLiftCorrection float64
}

// DefaultSingleStageConfig returns the default trajectory tuning.
func DefaultSingleStageConfig() SingleStageConfig {
	return SingleStageConfig{
		LiftTolerance:     10,
		MaxLiftCorrection: 500,
	}
}

// SingleStagePlanning plans for exactly one active stage: lift above
// the start, traverse at the lifted level to the target x/y, descend to
// the target. With no other stage in motion there is nothing to collide
// with.
type SingleStagePlanning struct {
	cfg SingleStageConfig

	cal        *calibration.Calibration
	start      transform.ChipCoordinate
	target     transform.ChipCoordinate
	correction float64
	step       int
	registered bool
}

// NewSingleStagePlanning builds a planner with the given tuning.
func NewSingleStagePlanning(cfg SingleStageConfig) *SingleStagePlanning {
	return &SingleStagePlanning{cfg: cfg}
}

// SetStageTarget registers the one goal this planner accepts. The
// start position is read from the stage in the chip frame.
func (p *SingleStagePlanning) SetStageTarget(c *calibration.Calibration, target transform.ChipCoordinate) error {
	if p.registered {
		return Errorf("single stage planning already has a target for %s", p.cal)
	}
	start, err := currentChipPosition(c)
	if err != nil {
		return err
	}
	correction := math.Ceil(math.Abs(target.Z-start.Z)) + p.cfg.LiftTolerance
	if correction > p.cfg.MaxLiftCorrection {
		return Errorf("lift correction %.0f exceeds maximum %.0f; z calibration looks unsafe",
			correction, p.cfg.MaxLiftCorrection)
	}
	p.cal = c
	p.start = start
	p.target = target
	p.correction = correction
	p.registered = true
	return nil
}

func (p *SingleStagePlanning) Calibrations() []*calibration.Calibration {
	if !p.registered {
		return nil
	}
	return []*calibration.Calibration{p.cal}
}

// Next yields the three waypoints in order, then ErrDone.
func (p *SingleStagePlanning) Next() (Step, error) {
	if !p.registered {
		return nil, Errorf("single stage planning has no target")
	}
	liftedZ := p.start.Z + p.correction
	var coordinate transform.ChipCoordinate
	switch p.step {
	case 0:
		coordinate = transform.ChipCoordinate{X: p.start.X, Y: p.start.Y, Z: liftedZ}
	case 1:
		coordinate = transform.ChipCoordinate{X: p.target.X, Y: p.target.Y, Z: liftedZ}
	case 2:
		coordinate = p.target
	default:
		return nil, ErrDone
	}
	p.step++
	return Step{p.cal: {Coordinate: coordinate, WaitForStopping: true}}, nil
}
