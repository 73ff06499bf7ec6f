// Package chip models the photonic chip under test: its named devices
// with input and output coupling coordinates in the chip frame, and the
// placement vocabulary (orientation, device port) used to assign stages
// to it.
package chip

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/optobench/mover/internal/transform"
)

// Orientation is the side of the chip a stage approaches from.
type Orientation string

const (
	OrientationLeft   Orientation = "LEFT"
	OrientationRight  Orientation = "RIGHT"
	OrientationTop    Orientation = "TOP"
	OrientationBottom Orientation = "BOTTOM"
)

// ParseOrientation converts a stored orientation name.
func ParseOrientation(name string) (Orientation, error) {
	switch Orientation(name) {
	case OrientationLeft, OrientationRight, OrientationTop, OrientationBottom:
		return Orientation(name), nil
	}
	return "", fmt.Errorf("unknown orientation %q", name)
}

// DevicePort selects which coupling point of a device a stage serves.
type DevicePort string

const (
	PortInput  DevicePort = "INPUT"
	PortOutput DevicePort = "OUTPUT"
)

// ParseDevicePort converts a stored port name.
func ParseDevicePort(name string) (DevicePort, error) {
	switch DevicePort(name) {
	case PortInput, PortOutput:
		return DevicePort(name), nil
	}
	return "", fmt.Errorf("unknown device port %q", name)
}

// Device is one optical device on the chip with its grating-coupler
// positions in the chip frame.
type Device struct {
	ID               string                   `json:"id"`
	Type             string                   `json:"type,omitempty"`
	InputCoordinate  transform.ChipCoordinate `json:"input_coordinate"`
	OutputCoordinate transform.ChipCoordinate `json:"output_coordinate"`
}

// PortCoordinate returns the coupling coordinate for the given port.
func (d *Device) PortCoordinate(port DevicePort) transform.ChipCoordinate {
	if port == PortOutput {
		return d.OutputCoordinate
	}
	return d.InputCoordinate
}

// Chip is an imported chip description.
type Chip struct {
	name    string
	devices map[string]*Device
}

// New builds a chip from a device list. Duplicate device IDs are
// rejected.
func New(name string, devices []*Device) (*Chip, error) {
	if name == "" {
		return nil, fmt.Errorf("chip name must not be empty")
	}
	byID := make(map[string]*Device, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device without id")
		}
		if _, ok := byID[d.ID]; ok {
			return nil, fmt.Errorf("duplicate device id %s", d.ID)
		}
		byID[d.ID] = d
	}
	return &Chip{name: name, devices: byID}, nil
}

// Name returns the chip name calibrations are keyed by.
func (c *Chip) Name() string { return c.name }

// Device looks up a device by ID.
func (c *Chip) Device(id string) (*Device, bool) {
	d, ok := c.devices[id]
	return d, ok
}

// Devices returns all devices sorted by ID.
func (c *Chip) Devices() []*Device {
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bounds returns the axis-aligned bounding box of all device coupling
// coordinates in the chip plane. It returns false for a chip without
// devices.
func (c *Chip) Bounds() (minX, minY, maxX, maxY float64, ok bool) {
	if len(c.devices) == 0 {
		return 0, 0, 0, 0, false
	}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, d := range c.devices {
		for _, p := range []transform.ChipCoordinate{d.InputCoordinate, d.OutputCoordinate} {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
		}
	}
	return minX, minY, maxX, maxY, true
}

// MinDeviceDistance returns the smallest pairwise distance between
// device coupling points in the chip plane, or 0 for fewer than two
// devices. The motion planner derives its grid cell size from this.
func (c *Chip) MinDeviceDistance() float64 {
	devices := c.Devices()
	min := math.Inf(1)
	for i := 0; i < len(devices); i++ {
		for j := i + 1; j < len(devices); j++ {
			a, b := devices[i].InputCoordinate, devices[j].InputCoordinate
			dx, dy := a.X-b.X, a.Y-b.Y
			if d := math.Sqrt(dx*dx + dy*dy); d < min {
				min = d
			}
		}
	}
	if math.IsInf(min, 1) {
		return 0
	}
	return min
}

type chipFile struct {
	Name    string    `json:"name"`
	Devices []*Device `json:"devices"`
}

// LoadFile imports a chip description from a JSON file.
func LoadFile(path string) (*Chip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chip file: %w", err)
	}
	var f chipFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chip file %s: %w", path, err)
	}
	return New(f.Name, f.Devices)
}
