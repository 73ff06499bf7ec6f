// Package transform implements the coordinate types and the layered
// chip-to-stage transformations used to calibrate motorized positioning
// stages against a photonic chip: a coarse axes rotation, a single-point
// translation and a full least-squares (Kabsch) rigid rotation.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
)

// ChipCoordinate is a coordinate in the chip frame, the coordinate system
// fixed to the photonic chip under test. Units are micrometers.
type ChipCoordinate struct {
	X float64
	Y float64
	Z float64
}

// StageCoordinate is a coordinate in the native frame of one motorized
// positioner. Units are micrometers.
type StageCoordinate struct {
	X float64
	Y float64
	Z float64
}

// Add returns the component-wise sum of two chip coordinates.
func (c ChipCoordinate) Add(o ChipCoordinate) ChipCoordinate {
	return ChipCoordinate{c.X + o.X, c.Y + o.Y, c.Z + o.Z}
}

// Sub returns the component-wise difference of two chip coordinates.
func (c ChipCoordinate) Sub(o ChipCoordinate) ChipCoordinate {
	return ChipCoordinate{c.X - o.X, c.Y - o.Y, c.Z - o.Z}
}

// Scale returns the coordinate multiplied by a scalar.
func (c ChipCoordinate) Scale(s float64) ChipCoordinate {
	return ChipCoordinate{c.X * s, c.Y * s, c.Z * s}
}

// Norm returns the Euclidean length of the coordinate vector.
func (c ChipCoordinate) Norm() float64 {
	return math.Sqrt(c.X*c.X + c.Y*c.Y + c.Z*c.Z)
}

func (c ChipCoordinate) String() string {
	return fmt.Sprintf("chip[%.2f, %.2f, %.2f]", c.X, c.Y, c.Z)
}

// Add returns the component-wise sum of two stage coordinates.
func (s StageCoordinate) Add(o StageCoordinate) StageCoordinate {
	return StageCoordinate{s.X + o.X, s.Y + o.Y, s.Z + o.Z}
}

// Sub returns the component-wise difference of two stage coordinates.
func (s StageCoordinate) Sub(o StageCoordinate) StageCoordinate {
	return StageCoordinate{s.X - o.X, s.Y - o.Y, s.Z - o.Z}
}

// Scale returns the coordinate multiplied by a scalar.
func (s StageCoordinate) Scale(f float64) StageCoordinate {
	return StageCoordinate{s.X * f, s.Y * f, s.Z * f}
}

// Norm returns the Euclidean length of the coordinate vector.
func (s StageCoordinate) Norm() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

func (s StageCoordinate) String() string {
	return fmt.Sprintf("stage[%.2f, %.2f, %.2f]", s.X, s.Y, s.Z)
}

// Coordinates serialize as plain [x, y, z] arrays. A stored two-element
// array reads back with z = 0, matching older calibration files that only
// recorded planar positions.

// MarshalJSON encodes the coordinate as [x, y, z].
func (c ChipCoordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{c.X, c.Y, c.Z})
}

// UnmarshalJSON decodes a [x, y] or [x, y, z] array.
func (c *ChipCoordinate) UnmarshalJSON(data []byte) error {
	x, y, z, err := unmarshalVector(data)
	if err != nil {
		return err
	}
	c.X, c.Y, c.Z = x, y, z
	return nil
}

// MarshalJSON encodes the coordinate as [x, y, z].
func (s StageCoordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{s.X, s.Y, s.Z})
}

// UnmarshalJSON decodes a [x, y] or [x, y, z] array.
func (s *StageCoordinate) UnmarshalJSON(data []byte) error {
	x, y, z, err := unmarshalVector(data)
	if err != nil {
		return err
	}
	s.X, s.Y, s.Z = x, y, z
	return nil
}

func unmarshalVector(data []byte) (x, y, z float64, err error) {
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return 0, 0, 0, err
	}
	if len(values) < 2 || len(values) > 3 {
		return 0, 0, 0, fmt.Errorf("coordinate must have 2 or 3 components, got %d", len(values))
	}
	x, y = values[0], values[1]
	if len(values) == 3 {
		z = values[2]
	}
	return x, y, z, nil
}

// CoordinatePairing relates one chip-frame coordinate to the stage-frame
// coordinate measured at the same physical location, anchored at a named
// chip device.
type CoordinatePairing struct {
	StageCoordinate StageCoordinate `json:"stage_coordinate"`
	ChipCoordinate  ChipCoordinate  `json:"chip_coordinate"`
	DeviceID        string          `json:"device_id"`
}

// Complete reports whether the pairing carries a device anchor. Pairings
// without a device cannot be stored or deduplicated.
func (p CoordinatePairing) Complete() bool {
	return p.DeviceID != ""
}

func (p CoordinatePairing) String() string {
	return fmt.Sprintf("%s <-> %s (device %s)", p.StageCoordinate, p.ChipCoordinate, p.DeviceID)
}
