package calibration

import (
	"fmt"

	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/polygon"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/transform"
)

// Snapshot is the JSON-able persisted form of a calibration. Transform
// layers are stored as the pairings and assignments that produced them
// and replayed on restore, so stored files survive changes to the
// fitting internals.
type Snapshot struct {
	StageIdentifier   string                        `json:"stage_identifier"`
	Orientation       string                        `json:"orientation"`
	DevicePort        string                        `json:"device_port"`
	AxesRotation      *transform.AxesRotation       `json:"axes_rotation,omitempty"`
	SinglePointOffset *transform.CoordinatePairing  `json:"single_point_offset,omitempty"`
	KabschRotation    []transform.CoordinatePairing `json:"kabsch_rotation,omitempty"`
	StagePolygon      *polygon.Snapshot             `json:"stage_polygon,omitempty"`
}

// Dump captures the calibration for persistence. Invalid or unset
// layers are omitted.
func (c *Calibration) Dump() Snapshot {
	snap := Snapshot{
		StageIdentifier: c.stage.Identifier(),
		Orientation:     string(c.orientation),
		DevicePort:      string(c.port),
	}
	if c.axesRotation.IsValid() {
		snap.AxesRotation = c.axesRotation
	}
	if c.singlePoint.IsValid() {
		snap.SinglePointOffset = c.singlePoint.Pairing()
	}
	if pairings := c.kabsch.Pairings(); len(pairings) > 0 {
		snap.KabschRotation = pairings
	}
	if c.stagePolygon != nil {
		polySnap := polygon.Dump(c.stagePolygon)
		snap.StagePolygon = &polySnap
	}
	return snap
}

// Restore rebuilds a calibration from a snapshot onto the given stage,
// replaying the stored assignments and pairings. The stage must match
// the stored identifier.
func Restore(snap Snapshot, st stage.Stage, polygons *polygon.Registry) (*Calibration, error) {
	if st.Identifier() != snap.StageIdentifier {
		return nil, Errorf("snapshot is for stage %s, not %s", snap.StageIdentifier, st.Identifier())
	}
	orientation, err := chip.ParseOrientation(snap.Orientation)
	if err != nil {
		return nil, err
	}
	port, err := chip.ParseDevicePort(snap.DevicePort)
	if err != nil {
		return nil, err
	}

	c := New(st, orientation, port)
	defer c.DetermineState()

	if snap.AxesRotation != nil {
		c.axesRotation = snap.AxesRotation
	}
	if snap.SinglePointOffset != nil {
		if err := c.singlePoint.Update(*snap.SinglePointOffset); err != nil {
			return nil, fmt.Errorf("restore single point offset: %w", err)
		}
	}
	for _, pairing := range snap.KabschRotation {
		if err := c.kabsch.Update(pairing); err != nil {
			return nil, fmt.Errorf("restore kabsch pairing for device %s: %w", pairing.DeviceID, err)
		}
	}
	if snap.StagePolygon != nil {
		poly, err := polygons.Restore(*snap.StagePolygon)
		if err != nil {
			return nil, fmt.Errorf("restore stage polygon: %w", err)
		}
		c.stagePolygon = poly
	}
	return c, nil
}
