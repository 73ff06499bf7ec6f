// Package polygon approximates the physical envelope of a stage and its
// mounted fiber in the chip plane. The motion planner rasterizes these
// envelopes onto its grid to keep stages from colliding.
package polygon

import (
	"fmt"
	"sort"
	"sync"

	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/transform"
)

// Parameters holds the numeric shape parameters of a polygon, keyed by
// name. They round-trip through the calibration file unchanged.
type Parameters map[string]float64

// StagePolygon is a coarse 2D footprint of a stage in the chip plane,
// positioned by the fiber tip.
type StagePolygon interface {
	// Name is the registry name the polygon serializes under.
	Name() string
	// Orientation is the chip side the stage approaches from; the
	// envelope extends away from the chip on that side.
	Orientation() chip.Orientation
	// Parameters returns the shape parameters for serialization.
	Parameters() Parameters
	// Contains reports whether the chip-plane point (x, y) lies inside
	// the envelope when the fiber tip sits at tip.
	Contains(tip transform.ChipCoordinate, x, y float64) bool
}

// Snapshot is the persisted form of a polygon per the calibration file
// schema.
type Snapshot struct {
	PolygonCls  string     `json:"polygon_cls"`
	Orientation string     `json:"orientation"`
	Parameters  Parameters `json:"parameters"`
}

// Dump captures a polygon into its persisted form.
func Dump(p StagePolygon) Snapshot {
	return Snapshot{
		PolygonCls:  p.Name(),
		Orientation: string(p.Orientation()),
		Parameters:  p.Parameters(),
	}
}

// Factory builds a polygon from an orientation and stored parameters.
// Missing parameters take the polygon's defaults.
type Factory func(orientation chip.Orientation, params Parameters) (StagePolygon, error)

// Registry is the explicit name-to-constructor table used to restore
// polygons from calibration files.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in polygons.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SingleModeFiberName, func(o chip.Orientation, p Parameters) (StagePolygon, error) {
		return NewSingleModeFiber(o, p), nil
	})
	r.MustRegister(StageArmName, func(o chip.Orientation, p Parameters) (StagePolygon, error) {
		return NewStageArm(o, p), nil
	})
	return r
}

// Register adds a polygon constructor under a name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("polygon registration needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("polygon %q is already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Restore rebuilds a polygon from its persisted form.
func (r *Registry) Restore(snap Snapshot) (StagePolygon, error) {
	r.mu.Lock()
	f, ok := r.factories[snap.PolygonCls]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown polygon %q", snap.PolygonCls)
	}
	orientation, err := chip.ParseOrientation(snap.Orientation)
	if err != nil {
		return nil, err
	}
	return f(orientation, snap.Parameters)
}

// Names returns the registered polygon names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rectContains implements the shared footprint shape: a rectangle of
// the given half-width centered on the tip across the approach axis,
// extending length away from the chip plus reach beyond the tip towards
// the chip.
func rectContains(o chip.Orientation, tip transform.ChipCoordinate, x, y, halfWidth, length, reach float64) bool {
	dx, dy := x-tip.X, y-tip.Y
	var along, across float64
	switch o {
	case chip.OrientationLeft:
		along, across = -dx, dy
	case chip.OrientationRight:
		along, across = dx, dy
	case chip.OrientationBottom:
		along, across = -dy, dx
	case chip.OrientationTop:
		along, across = dy, dx
	default:
		return false
	}
	return along >= -reach && along <= length && across >= -halfWidth && across <= halfWidth
}
