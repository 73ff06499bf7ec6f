package transform

import (
	"fmt"
)

// SinglePointOffset is a translation-only fixation anchored at one paired
// point: offset = stage - chip. It is the lowest-fidelity transform that
// still allows absolute chip-frame positioning.
type SinglePointOffset struct {
	pairing *CoordinatePairing
	offset  StageCoordinate
}

// NewSinglePointOffset returns an unset (invalid) offset.
func NewSinglePointOffset() *SinglePointOffset {
	return &SinglePointOffset{}
}

// IsValid reports whether a pairing has been set.
func (o *SinglePointOffset) IsValid() bool {
	return o.pairing != nil
}

// Pairing returns the anchoring pairing, or nil if unset.
func (o *SinglePointOffset) Pairing() *CoordinatePairing {
	return o.pairing
}

// Update replaces the offset with one computed from the given pairing.
// A missing z component has already defaulted to 0 during decoding.
func (o *SinglePointOffset) Update(pairing CoordinatePairing) error {
	if !pairing.Complete() {
		return fmt.Errorf("pairing has no device anchor")
	}
	o.pairing = &pairing
	o.offset = StageCoordinate{
		X: pairing.StageCoordinate.X - pairing.ChipCoordinate.X,
		Y: pairing.StageCoordinate.Y - pairing.ChipCoordinate.Y,
		Z: pairing.StageCoordinate.Z - pairing.ChipCoordinate.Z,
	}
	return nil
}

// ChipToStage translates a chip coordinate into the stage frame.
func (o *SinglePointOffset) ChipToStage(c ChipCoordinate) (StageCoordinate, error) {
	if !o.IsValid() {
		return StageCoordinate{}, fmt.Errorf("no single point fixed")
	}
	return StageCoordinate{c.X + o.offset.X, c.Y + o.offset.Y, c.Z + o.offset.Z}, nil
}

// StageToChip translates a stage coordinate into the chip frame.
func (o *SinglePointOffset) StageToChip(s StageCoordinate) (ChipCoordinate, error) {
	if !o.IsValid() {
		return ChipCoordinate{}, fmt.Errorf("no single point fixed")
	}
	return ChipCoordinate{s.X - o.offset.X, s.Y - o.offset.Y, s.Z - o.offset.Z}, nil
}

func (o *SinglePointOffset) String() string {
	if !o.IsValid() {
		return "no single point fixed"
	}
	return fmt.Sprintf("single point %s", *o.pairing)
}
