package planning

import (
	"math"

	"github.com/optobench/mover/internal/polygon"
	"github.com/optobench/mover/internal/transform"
)

// FieldConfig tunes the potential-field grid shared by all stages of a
// collision-avoidance plan.
type FieldConfig struct {
	// CellSizeCap bounds the grid cell size from above; the actual
	// cell size is the smaller of this and the closest device spacing.
	CellSizeCap float64
	// Padding extends the grid beyond the chip's device bounding box
	// so stages can route around the outermost devices.
	Padding float64
	// AttractiveGain scales the distance-to-target potential.
	AttractiveGain float64
	// RepulsiveGain scales the inverse-square obstacle potential.
	RepulsiveGain float64
	// FiberRadius and SafetyMultiplier size the obstacle influence
	// zone: cells within SafetyMultiplier*FiberRadius of an obstacle
	// cell are penalized.
	FiberRadius      float64
	SafetyMultiplier float64
}

// DefaultFieldConfig returns the default grid tuning.
func DefaultFieldConfig() FieldConfig {
	return FieldConfig{
		CellSizeCap:      50,
		Padding:          500,
		AttractiveGain:   1,
		RepulsiveGain:    1e6,
		FiberRadius:      75,
		SafetyMultiplier: 2,
	}
}

// grid is the shared axis-aligned planning lattice in the chip plane.
type grid struct {
	x0, y0 float64
	cell   float64
	nx, ny int
}

func (g *grid) index(x, y float64) (int, int) {
	ix := int(math.Round((x - g.x0) / g.cell))
	iy := int(math.Round((y - g.y0) / g.cell))
	return clamp(ix, 0, g.nx-1), clamp(iy, 0, g.ny-1)
}

func (g *grid) center(ix, iy int) (float64, float64) {
	return g.x0 + float64(ix)*g.cell, g.y0 + float64(iy)*g.cell
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// obstacle is another stage's envelope at its current tip position.
type obstacle struct {
	poly polygon.StagePolygon
	tip  transform.ChipCoordinate
}

// PotentialField steers one stage towards its target over the grid:
// attraction grows with distance to the target, repulsion accumulates
// around the rasterized envelopes of the other stages. Fields are
// recomputed once per planner step from the other stages' current
// positions, not continuously.
type PotentialField struct {
	cfg FieldConfig
	g   grid

	current transform.ChipCoordinate
	target  transform.ChipCoordinate

	attractive []float64 // fixed per target
	potential  []float64 // attractive + repulsive of the last recompute
}

func newPotentialField(cfg FieldConfig, g grid, start, target transform.ChipCoordinate) *PotentialField {
	f := &PotentialField{
		cfg:        cfg,
		g:          g,
		current:    start,
		target:     target,
		attractive: make([]float64, g.nx*g.ny),
		potential:  make([]float64, g.nx*g.ny),
	}
	for iy := 0; iy < g.ny; iy++ {
		for ix := 0; ix < g.nx; ix++ {
			cx, cy := g.center(ix, iy)
			f.attractive[iy*g.nx+ix] = math.Hypot(cx-target.X, cy-target.Y) * cfg.AttractiveGain
		}
	}
	return f
}

// Current returns the stage's tracked chip position.
func (f *PotentialField) Current() transform.ChipCoordinate { return f.current }

// AtTarget reports whether the tracked position reached the exact
// target.
func (f *PotentialField) AtTarget() bool {
	return f.current.X == f.target.X && f.current.Y == f.target.Y
}

// recompute rebuilds the combined potential from the fixed attraction
// and the given obstacles.
func (f *PotentialField) recompute(obstacles []obstacle) {
	g := f.g
	copy(f.potential, f.attractive)

	// Rasterize the obstacle envelopes onto the grid.
	mask := make([]bool, g.nx*g.ny)
	any := false
	for _, o := range obstacles {
		for iy := 0; iy < g.ny; iy++ {
			for ix := 0; ix < g.nx; ix++ {
				if mask[iy*g.nx+ix] {
					continue
				}
				cx, cy := g.center(ix, iy)
				if o.poly.Contains(o.tip, cx, cy) {
					mask[iy*g.nx+ix] = true
					any = true
				}
			}
		}
	}
	if !any {
		return
	}

	// Penalize every cell within the influence radius of an obstacle
	// cell with an inverse-square falloff; obstacle cells themselves
	// get the penalty at half-cell distance.
	influence := f.cfg.SafetyMultiplier * f.cfg.FiberRadius
	reach := int(math.Ceil(influence/g.cell)) + 1
	minDist := g.cell / 2
	for iy := 0; iy < g.ny; iy++ {
		for ix := 0; ix < g.nx; ix++ {
			if !mask[iy*g.nx+ix] {
				continue
			}
			ox, oy := g.center(ix, iy)
			for dy := -reach; dy <= reach; dy++ {
				for dx := -reach; dx <= reach; dx++ {
					jx, jy := ix+dx, iy+dy
					if jx < 0 || jx >= g.nx || jy < 0 || jy >= g.ny {
						continue
					}
					cx, cy := g.center(jx, jy)
					d := math.Hypot(cx-ox, cy-oy)
					if d > influence {
						continue
					}
					if d < minDist {
						d = minDist
					}
					f.potential[jy*g.nx+jx] += f.cfg.RepulsiveGain / (d * d)
				}
			}
		}
	}
}

// step advances the tracked position to the strictly-lowest-potential
// cell of the 8-connected neighborhood, favoring no move on ties. When
// the target lies within one cell it snaps to the exact target to
// avoid the grid-quantization residual.
func (f *PotentialField) step() transform.ChipCoordinate {
	if f.AtTarget() {
		return f.current
	}
	if math.Hypot(f.current.X-f.target.X, f.current.Y-f.target.Y) <= f.g.cell {
		f.current = transform.ChipCoordinate{X: f.target.X, Y: f.target.Y, Z: f.current.Z}
		return f.current
	}

	g := f.g
	ix, iy := g.index(f.current.X, f.current.Y)
	best := f.potential[iy*g.nx+ix]
	bestX, bestY := ix, iy
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			jx, jy := ix+dx, iy+dy
			if jx < 0 || jx >= g.nx || jy < 0 || jy >= g.ny {
				continue
			}
			if p := f.potential[jy*g.nx+jx]; p < best {
				best = p
				bestX, bestY = jx, jy
			}
		}
	}
	if bestX == ix && bestY == iy {
		// Local minimum or plateau; hold position and let the caller's
		// no-progress guard decide.
		return f.current
	}
	cx, cy := g.center(bestX, bestY)
	f.current = transform.ChipCoordinate{X: cx, Y: cy, Z: f.current.Z}
	return f.current
}
