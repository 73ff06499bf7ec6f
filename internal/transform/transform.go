package transform

// Transformation converts coordinates between the chip frame and one
// stage's native frame. Implementations report validity; conversion with
// an invalid transformation fails.
type Transformation interface {
	IsValid() bool
	ChipToStage(ChipCoordinate) (StageCoordinate, error)
	StageToChip(StageCoordinate) (ChipCoordinate, error)
}

var (
	_ Transformation = (*AxesRotation)(nil)
	_ Transformation = (*SinglePointOffset)(nil)
	_ Transformation = (*KabschRotation)(nil)
)
