package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Axis identifies one axis of a Cartesian coordinate system.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// Axes lists all axes in canonical order.
var Axes = []Axis{AxisX, AxisY, AxisZ}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// ParseAxis converts an axis name ("X", "Y", "Z") to an Axis.
func ParseAxis(name string) (Axis, error) {
	switch name {
	case "X":
		return AxisX, nil
	case "Y":
		return AxisY, nil
	case "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("unknown axis %q", name)
}

// Direction is the sign of an axis mapping.
type Direction int

const (
	Positive Direction = 1
	Negative Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Positive:
		return "POSITIVE"
	case Negative:
		return "NEGATIVE"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection converts a direction name to a Direction.
func ParseDirection(name string) (Direction, error) {
	switch name {
	case "POSITIVE":
		return Positive, nil
	case "NEGATIVE":
		return Negative, nil
	}
	return 0, fmt.Errorf("unknown direction %q", name)
}

// AxesRotation maps chip axes onto stage axes with signs, fixing the
// coarse orientation of a stage relative to the chip. The mapping is a
// 3x3 signed-permutation matrix M with chip-to-stage v' = M v and
// stage-to-chip v' = Mᵀ v (M is orthogonal).
//
// A fresh rotation is the identity mapping, which is valid. Assignments
// replace one matrix column at a time; the rotation stays invalid while
// any intermediate assignment breaks the signed-permutation property.
type AxesRotation struct {
	m *mat.Dense
}

// NewAxesRotation returns the identity axes rotation (chip X -> stage X
// positive, and so on).
func NewAxesRotation() *AxesRotation {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		m.Set(i, i, 1)
	}
	return &AxesRotation{m: m}
}

// Update assigns one chip axis to a stage axis with a direction,
// replacing the matrix column of the chip axis.
func (r *AxesRotation) Update(chipAxis Axis, direction Direction, stageAxis Axis) error {
	if chipAxis < AxisX || chipAxis > AxisZ {
		return fmt.Errorf("invalid chip axis %d", int(chipAxis))
	}
	if stageAxis < AxisX || stageAxis > AxisZ {
		return fmt.Errorf("invalid stage axis %d", int(stageAxis))
	}
	if direction != Positive && direction != Negative {
		return fmt.Errorf("invalid direction %d", int(direction))
	}
	for i := 0; i < 3; i++ {
		r.m.Set(i, int(chipAxis), 0)
	}
	r.m.Set(int(stageAxis), int(chipAxis), float64(direction))
	return nil
}

// IsValid reports whether the matrix is an orthogonal signed permutation:
// every row and every column holds exactly one entry of magnitude 1 and
// the determinant is +-1.
func (r *AxesRotation) IsValid() bool {
	for i := 0; i < 3; i++ {
		rowCount, colCount := 0, 0
		for j := 0; j < 3; j++ {
			if v := r.m.At(i, j); v != 0 {
				if math.Abs(v) != 1 {
					return false
				}
				rowCount++
			}
			if v := r.m.At(j, i); v != 0 {
				colCount++
			}
		}
		if rowCount != 1 || colCount != 1 {
			return false
		}
	}
	det := mat.Det(r.m)
	return math.Abs(math.Abs(det)-1) < 1e-9
}

// ChipToStage rotates a chip-frame vector into the stage frame.
func (r *AxesRotation) ChipToStage(c ChipCoordinate) (StageCoordinate, error) {
	if !r.IsValid() {
		return StageCoordinate{}, fmt.Errorf("axes rotation is not a valid signed permutation")
	}
	v := mat.NewVecDense(3, []float64{c.X, c.Y, c.Z})
	var out mat.VecDense
	out.MulVec(r.m, v)
	return StageCoordinate{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}

// StageToChip rotates a stage-frame vector into the chip frame.
func (r *AxesRotation) StageToChip(s StageCoordinate) (ChipCoordinate, error) {
	if !r.IsValid() {
		return ChipCoordinate{}, fmt.Errorf("axes rotation is not a valid signed permutation")
	}
	v := mat.NewVecDense(3, []float64{s.X, s.Y, s.Z})
	var out mat.VecDense
	out.MulVec(r.m.T(), v)
	return ChipCoordinate{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}

// Mapping returns the chip-axis to (direction, stage-axis) assignment for
// every chip axis currently mapped to exactly one stage axis.
func (r *AxesRotation) Mapping() map[Axis][2]string {
	out := make(map[Axis][2]string, 3)
	for _, chipAxis := range Axes {
		var stageAxis Axis
		var dir Direction
		count := 0
		for i := 0; i < 3; i++ {
			switch v := r.m.At(i, int(chipAxis)); v {
			case 1:
				stageAxis, dir = Axis(i), Positive
				count++
			case -1:
				stageAxis, dir = Axis(i), Negative
				count++
			case 0:
			default:
				count += 2 // non-unit entry, not representable
			}
		}
		if count == 1 {
			out[chipAxis] = [2]string{dir.String(), stageAxis.String()}
		}
	}
	return out
}

// MarshalJSON encodes the rotation as {chip axis: [direction, stage axis]}.
func (r *AxesRotation) MarshalJSON() ([]byte, error) {
	mapping := make(map[string][2]string, 3)
	for axis, assignment := range r.Mapping() {
		mapping[axis.String()] = assignment
	}
	return json.Marshal(mapping)
}

// UnmarshalJSON decodes {chip axis: [direction, stage axis]} and replays
// the assignments onto a fresh rotation.
func (r *AxesRotation) UnmarshalJSON(data []byte) error {
	var mapping map[string][2]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return err
	}
	fresh := NewAxesRotation()
	for chipName, assignment := range mapping {
		chipAxis, err := ParseAxis(chipName)
		if err != nil {
			return err
		}
		dir, err := ParseDirection(assignment[0])
		if err != nil {
			return err
		}
		stageAxis, err := ParseAxis(assignment[1])
		if err != nil {
			return err
		}
		if err := fresh.Update(chipAxis, dir, stageAxis); err != nil {
			return err
		}
	}
	r.m = fresh.m
	return nil
}
