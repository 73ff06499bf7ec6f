package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dimension selects whether the Kabsch fit runs on planar or full 3D
// point sets.
type Dimension int

const (
	TwoD   Dimension = 2
	ThreeD Dimension = 3
)

// MinPairings returns the minimum number of pairings required for a
// valid fit in this dimensionality.
func (d Dimension) MinPairings() int {
	if d == TwoD {
		return 2
	}
	return 3
}

// KabschRotation estimates the least-squares rigid rotation and
// translation between paired chip and stage points. The rotation R maps
// centroid-subtracted stage coordinates onto centroid-subtracted chip
// coordinates; it is recomputed from all stored pairings on every update.
type KabschRotation struct {
	pairings []CoordinatePairing
	dim      Dimension

	rotation      *mat.Dense // dim x dim, chip <- stage
	chipCentroid  ChipCoordinate
	stageCentroid StageCoordinate
	rmsd          float64
	fitted        bool
}

// NewKabschRotation returns an empty 3D rotation.
func NewKabschRotation() *KabschRotation {
	return &KabschRotation{dim: ThreeD}
}

// IsValid reports whether enough pairings are stored for the chosen
// dimensionality and the fit succeeded.
func (k *KabschRotation) IsValid() bool {
	return k.fitted && len(k.pairings) >= k.dim.MinPairings()
}

// Dimension returns the current fit dimensionality.
func (k *KabschRotation) Dimension() Dimension {
	return k.dim
}

// Pairings returns a copy of the stored pairings in insertion order.
func (k *KabschRotation) Pairings() []CoordinatePairing {
	out := make([]CoordinatePairing, len(k.pairings))
	copy(out, k.pairings)
	return out
}

// RMSD returns the root-mean-square residual of the last fit in
// micrometers. Zero for exact fits and before the first fit.
func (k *KabschRotation) RMSD() float64 {
	return k.rmsd
}

// SetDimension switches between planar and full 3D fitting and refits
// from the stored pairings.
func (k *KabschRotation) SetDimension(d Dimension) error {
	if d != TwoD && d != ThreeD {
		return fmt.Errorf("invalid dimension %d", int(d))
	}
	k.dim = d
	return k.fit()
}

// Update appends a pairing and refits. Each chip device may anchor at
// most one pairing.
func (k *KabschRotation) Update(pairing CoordinatePairing) error {
	if !pairing.Complete() {
		return fmt.Errorf("pairing has no device anchor")
	}
	for _, p := range k.pairings {
		if p.DeviceID == pairing.DeviceID {
			return fmt.Errorf("device %s is already paired", pairing.DeviceID)
		}
	}
	k.pairings = append(k.pairings, pairing)
	return k.fit()
}

// RemovePairing drops the pairing anchored at the given device and
// refits from the remainder.
func (k *KabschRotation) RemovePairing(deviceID string) error {
	for i, p := range k.pairings {
		if p.DeviceID == deviceID {
			k.pairings = append(k.pairings[:i], k.pairings[i+1:]...)
			return k.fit()
		}
	}
	return fmt.Errorf("device %s is not paired", deviceID)
}

// fit recomputes rotation, centroids and RMSD from the stored pairings.
// With fewer pairings than the dimensionality requires, the rotation is
// marked unfitted but pairings are kept.
func (k *KabschRotation) fit() error {
	k.fitted = false
	n := len(k.pairings)
	if n < k.dim.MinPairings() {
		return nil
	}
	d := int(k.dim)

	chip := make([][3]float64, n)
	stage := make([][3]float64, n)
	for i, p := range k.pairings {
		chip[i] = [3]float64{p.ChipCoordinate.X, p.ChipCoordinate.Y, p.ChipCoordinate.Z}
		stage[i] = [3]float64{p.StageCoordinate.X, p.StageCoordinate.Y, p.StageCoordinate.Z}
		if k.dim == TwoD {
			chip[i][2] = 0
			stage[i][2] = 0
		}
	}

	var chipCentroid, stageCentroid [3]float64
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			chipCentroid[j] += chip[i][j] / float64(n)
			stageCentroid[j] += stage[i][j] / float64(n)
		}
	}

	// Cross-covariance of centroid-subtracted point sets, chip against
	// stage, restricted to the fit dimensionality.
	h := mat.NewDense(d, d, nil)
	for i := 0; i < n; i++ {
		for r := 0; r < d; r++ {
			for c := 0; c < d; c++ {
				h.Set(r, c, h.At(r, c)+
					(chip[i][r]-chipCentroid[r])*(stage[i][c]-stageCentroid[c]))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return fmt.Errorf("SVD of cross-covariance matrix failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Reflection correction: flip the smallest singular direction when
	// the raw solution is an improper rotation.
	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1.0
	}
	diag := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		diag.Set(i, i, 1)
	}
	diag.Set(d-1, d-1, sign)

	rot := mat.NewDense(d, d, nil)
	rot.Product(&u, diag, v.T())

	k.rotation = rot
	k.chipCentroid = ChipCoordinate{chipCentroid[0], chipCentroid[1], chipCentroid[2]}
	k.stageCentroid = StageCoordinate{stageCentroid[0], stageCentroid[1], stageCentroid[2]}
	k.fitted = true

	sum := 0.0
	for _, p := range k.pairings {
		mapped, err := k.StageToChip(p.StageCoordinate)
		if err != nil {
			return err
		}
		ref := p.ChipCoordinate
		if k.dim == TwoD {
			ref.Z = 0
		}
		res := mapped.Sub(ref)
		sum += res.X*res.X + res.Y*res.Y + res.Z*res.Z
	}
	k.rmsd = math.Sqrt(sum / float64(n))
	return nil
}

// apply multiplies the fitted rotation (or its transpose) with a
// centered 3-vector, passing z through untouched in 2D mode.
func (k *KabschRotation) apply(v [3]float64, transpose bool) [3]float64 {
	d := int(k.dim)
	in := mat.NewVecDense(d, v[:d])
	var out mat.VecDense
	if transpose {
		out.MulVec(k.rotation.T(), in)
	} else {
		out.MulVec(k.rotation, in)
	}
	res := v
	for i := 0; i < d; i++ {
		res[i] = out.AtVec(i)
	}
	return res
}

// ChipToStage maps a chip coordinate into the stage frame using the
// inverse (transposed) rotation.
func (k *KabschRotation) ChipToStage(c ChipCoordinate) (StageCoordinate, error) {
	if !k.IsValid() {
		return StageCoordinate{}, fmt.Errorf("kabsch rotation is not fitted: %d of %d pairings",
			len(k.pairings), k.dim.MinPairings())
	}
	centered := [3]float64{c.X - k.chipCentroid.X, c.Y - k.chipCentroid.Y, c.Z - k.chipCentroid.Z}
	r := k.apply(centered, true)
	return StageCoordinate{
		X: r[0] + k.stageCentroid.X,
		Y: r[1] + k.stageCentroid.Y,
		Z: r[2] + k.stageCentroid.Z,
	}, nil
}

// StageToChip maps a stage coordinate into the chip frame.
func (k *KabschRotation) StageToChip(s StageCoordinate) (ChipCoordinate, error) {
	if !k.IsValid() {
		return ChipCoordinate{}, fmt.Errorf("kabsch rotation is not fitted: %d of %d pairings",
			len(k.pairings), k.dim.MinPairings())
	}
	centered := [3]float64{s.X - k.stageCentroid.X, s.Y - k.stageCentroid.Y, s.Z - k.stageCentroid.Z}
	r := k.apply(centered, false)
	return ChipCoordinate{
		X: r[0] + k.chipCentroid.X,
		Y: r[1] + k.chipCentroid.Y,
		Z: r[2] + k.chipCentroid.Z,
	}, nil
}

func (k *KabschRotation) String() string {
	if !k.IsValid() {
		return fmt.Sprintf("kabsch rotation unfitted (%d pairings)", len(k.pairings))
	}
	return fmt.Sprintf("kabsch rotation over %d pairings, RMSD %.3f um", len(k.pairings), k.rmsd)
}
