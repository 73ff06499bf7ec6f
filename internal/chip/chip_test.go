package chip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optobench/mover/internal/transform"
)

func testDevices() []*Device {
	return []*Device{
		{ID: "mzi-1", InputCoordinate: transform.ChipCoordinate{X: 0, Y: 0}, OutputCoordinate: transform.ChipCoordinate{X: 200, Y: 0}},
		{ID: "mzi-2", InputCoordinate: transform.ChipCoordinate{X: 0, Y: 150}, OutputCoordinate: transform.ChipCoordinate{X: 200, Y: 150}},
		{ID: "ring-5", InputCoordinate: transform.ChipCoordinate{X: 50, Y: 400}, OutputCoordinate: transform.ChipCoordinate{X: 250, Y: 400}},
	}
}

func TestChip_New(t *testing.T) {
	t.Parallel()

	c, err := New("wafer-3-die-7", testDevices())
	require.NoError(t, err)
	assert.Equal(t, "wafer-3-die-7", c.Name())

	d, ok := c.Device("mzi-2")
	require.True(t, ok)
	assert.Equal(t, transform.ChipCoordinate{X: 0, Y: 150}, d.PortCoordinate(PortInput))
	assert.Equal(t, transform.ChipCoordinate{X: 200, Y: 150}, d.PortCoordinate(PortOutput))

	_, ok = c.Device("missing")
	assert.False(t, ok)

	_, err = New("dup", []*Device{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestChip_Bounds(t *testing.T) {
	t.Parallel()

	c, err := New("chip", testDevices())
	require.NoError(t, err)

	minX, minY, maxX, maxY, ok := c.Bounds()
	require.True(t, ok)
	assert.Equal(t, 0.0, minX)
	assert.Equal(t, 0.0, minY)
	assert.Equal(t, 250.0, maxX)
	assert.Equal(t, 400.0, maxY)

	empty, err := New("empty", nil)
	require.NoError(t, err)
	_, _, _, _, ok = empty.Bounds()
	assert.False(t, ok)
}

func TestChip_MinDeviceDistance(t *testing.T) {
	t.Parallel()

	c, err := New("chip", testDevices())
	require.NoError(t, err)
	assert.InDelta(t, 150.0, c.MinDeviceDistance(), 1e-9)
}

func TestChip_LoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chip.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "demo-chip",
		"devices": [
			{"id": "dev-1", "input_coordinate": [0, 0], "output_coordinate": [100, 0, 0]},
			{"id": "dev-2", "input_coordinate": [0, 50, 5], "output_coordinate": [100, 50]}
		]
	}`), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo-chip", c.Name())
	assert.Len(t, c.Devices(), 2)

	d, ok := c.Device("dev-2")
	require.True(t, ok)
	assert.Equal(t, transform.ChipCoordinate{X: 0, Y: 50, Z: 5}, d.InputCoordinate)
}
