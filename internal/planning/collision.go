package planning

import (
	"fmt"
	"log"
	"math"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/transform"
)

// CollisionAvoidanceConfig tunes the multi-stage planner.
type CollisionAvoidanceConfig struct {
	// ZLevelTolerance is the maximum z spread, in um, across all
	// starts and targets for planar planning to be sound.
	ZLevelTolerance float64
	// AbortLocalMinimum aborts the plan once the same step has been
	// produced this many times, which indicates the fields trapped
	// at least one stage in a local minimum or a cycle.
	AbortLocalMinimum int
	// Field tunes the per-stage potential fields.
	Field FieldConfig
}

// DefaultCollisionAvoidanceConfig returns the default planner tuning.
func DefaultCollisionAvoidanceConfig() CollisionAvoidanceConfig {
	return CollisionAvoidanceConfig{
		ZLevelTolerance:   0.5,
		AbortLocalMinimum: 20,
		Field:             DefaultFieldConfig(),
	}
}

// CollisionAvoidancePlanning routes several stages across the chip
// plane at once. Each stage descends its own potential field one grid
// cell per step while the other stages' envelopes, at the positions
// assumed so far, act as repulsive obstacles.
type CollisionAvoidancePlanning struct {
	cfg  CollisionAvoidanceConfig
	g    grid
	cals []*calibration.Calibration
	flds map[*calibration.Calibration]*PotentialField

	seen      map[string]int
	exhausted bool
}

// NewCollisionAvoidancePlanning sizes the shared grid from the chip's
// device layout and returns an empty plan. Stages are added with
// SetStageTarget.
func NewCollisionAvoidancePlanning(c *chip.Chip, cfg CollisionAvoidanceConfig) (*CollisionAvoidancePlanning, error) {
	minX, minY, maxX, maxY, ok := c.Bounds()
	if !ok {
		return nil, Errorf("chip %q has no devices to size the planning grid from", c.Name())
	}
	cell := cfg.Field.CellSizeCap
	if d := c.MinDeviceDistance(); d > 0 && d < cell {
		cell = d
	}
	if cell <= 0 {
		return nil, Errorf("planning grid cell size must be positive, got %v", cell)
	}
	g := grid{
		x0:   minX - cfg.Field.Padding,
		y0:   minY - cfg.Field.Padding,
		cell: cell,
	}
	g.nx = int(math.Ceil((maxX+cfg.Field.Padding-g.x0)/cell)) + 1
	g.ny = int(math.Ceil((maxY+cfg.Field.Padding-g.y0)/cell)) + 1
	return &CollisionAvoidancePlanning{
		cfg:  cfg,
		g:    g,
		flds: make(map[*calibration.Calibration]*PotentialField),
		seen: make(map[string]int),
	}, nil
}

// SetStageTarget registers a stage and its chip-frame target. Starts
// and targets of all registered stages must share a z level within
// the configured tolerance.
func (p *CollisionAvoidancePlanning) SetStageTarget(cal *calibration.Calibration, target transform.ChipCoordinate) error {
	if _, ok := p.flds[cal]; ok {
		return Errorf("stage %s already has a target", cal.Stage().Identifier())
	}
	start, err := currentChipPosition(cal)
	if err != nil {
		return err
	}

	levels := []float64{start.Z, target.Z}
	for _, f := range p.flds {
		levels = append(levels, f.current.Z, f.target.Z)
	}
	lo, hi := levels[0], levels[0]
	for _, z := range levels[1:] {
		lo = math.Min(lo, z)
		hi = math.Max(hi, z)
	}
	if hi-lo > p.cfg.ZLevelTolerance {
		return Errorf("z levels spread %v um exceeds tolerance %v um, planar planning needs all stages on one level", hi-lo, p.cfg.ZLevelTolerance)
	}

	p.cals = append(p.cals, cal)
	p.flds[cal] = newPotentialField(p.cfg.Field, p.g, start, target)
	return nil
}

// Calibrations returns the registered stages in registration order.
func (p *CollisionAvoidancePlanning) Calibrations() []*calibration.Calibration {
	out := make([]*calibration.Calibration, len(p.cals))
	copy(out, p.cals)
	return out
}

// Next advances every stage one grid cell and returns the resulting
// waypoints. Waypoints do not wait for stopping so all stages move
// concurrently. Returns ErrDone when every stage reached its exact
// target and a planning error when the fields stop making progress.
func (p *CollisionAvoidancePlanning) Next() (Step, error) {
	if len(p.cals) == 0 {
		return nil, Errorf("no stage targets set")
	}
	if p.exhausted {
		return nil, ErrDone
	}

	done := true
	for _, f := range p.flds {
		if !f.AtTarget() {
			done = false
			break
		}
	}
	if done {
		p.exhausted = true
		return nil, ErrDone
	}

	for _, cal := range p.cals {
		if stopped, err := cal.Stage().IsStopped(); err == nil && !stopped {
			log.Printf("planning: stage %s still moving, next step assumes it reached the previous waypoint", cal.Stage().Identifier())
		}
	}

	// Recompute each field against the other stages' assumed
	// positions, then step all stages.
	for _, cal := range p.cals {
		f := p.flds[cal]
		var obstacles []obstacle
		for _, other := range p.cals {
			if other == cal {
				continue
			}
			obstacles = append(obstacles, obstacle{
				poly: other.StagePolygon(),
				tip:  p.flds[other].Current(),
			})
		}
		f.recompute(obstacles)
	}

	step := make(Step, len(p.cals))
	fingerprint := ""
	for _, cal := range p.cals {
		pos := p.flds[cal].step()
		step[cal] = Waypoint{Coordinate: pos, WaitForStopping: false}
		fingerprint += fmt.Sprintf("%v;%v;%v|", pos.X, pos.Y, pos.Z)
	}

	p.seen[fingerprint]++
	if p.seen[fingerprint] >= p.cfg.AbortLocalMinimum {
		return nil, Errorf("no progress after %d repeated steps, stages are trapped in a local minimum", p.seen[fingerprint])
	}
	return step, nil
}
