package mover

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/transform"
)

// Settings is the persisted motion profile. Pointer fields distinguish
// absent values from explicit zeros; absent fields keep their current
// value on load.
type Settings struct {
	SpeedXY        *float64 `json:"speed_xy,omitempty"`
	SpeedZ         *float64 `json:"speed_z,omitempty"`
	AccelerationXY *float64 `json:"acceleration_xy,omitempty"`
	ZLift          *float64 `json:"z_lift,omitempty"`
}

// SaveSettings writes the current motion profile.
func (m *Mover) SaveSettings(path string) error {
	s := Settings{
		SpeedXY:        &m.cfg.SpeedXY,
		SpeedZ:         &m.cfg.SpeedZ,
		AccelerationXY: &m.cfg.AccelerationXY,
		ZLift:          &m.cfg.ZLift,
	}
	return writeJSONFile(path, s)
}

// LoadSettings reads a stored motion profile and applies it through
// the validated setters, so connected stages pick the values up. A
// missing file keeps the current profile.
func (m *Mover) LoadSettings(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("mover: no settings file at %s, keeping current profile", path)
		return nil
	}
	if err != nil {
		return err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if s.SpeedXY != nil {
		if err := m.SetSpeedXY(*s.SpeedXY); err != nil {
			return err
		}
	}
	if s.SpeedZ != nil {
		if err := m.SetSpeedZ(*s.SpeedZ); err != nil {
			return err
		}
	}
	if s.AccelerationXY != nil {
		if err := m.SetAccelerationXY(*s.AccelerationXY); err != nil {
			return err
		}
	}
	if s.ZLift != nil {
		if err := m.SetZLift(*s.ZLift); err != nil {
			return err
		}
	}
	return nil
}

type axesRotationEntry struct {
	AxesRotation *transform.AxesRotation `json:"axes_rotation"`
}

// SaveAxesRotations writes the valid axes rotations keyed by stage
// identifier. Axes rotations are chip-independent and survive chip
// swaps, unlike the full calibration store.
func (m *Mover) SaveAxesRotations(path string) error {
	entries := make(map[string]axesRotationEntry)
	for _, c := range m.calibrations {
		if c.AxesRotation().IsValid() {
			entries[c.Stage().Identifier()] = axesRotationEntry{AxesRotation: c.AxesRotation()}
		}
	}
	return writeJSONFile(path, entries)
}

// LoadAxesRotations replays stored axes rotations onto the registered
// calibrations with matching stage identifiers.
func (m *Mover) LoadAxesRotations(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries map[string]axesRotationEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse axes rotations file %s: %w", path, err)
	}
	for id, entry := range entries {
		c, ok := m.byStage[id]
		if !ok {
			log.Printf("mover: stored axes rotation for unregistered stage %s, skipping", id)
			continue
		}
		if entry.AxesRotation == nil {
			continue
		}
		for chipAxis, assignment := range entry.AxesRotation.Mapping() {
			dir, err := transform.ParseDirection(assignment[0])
			if err != nil {
				return err
			}
			stageAxis, err := transform.ParseAxis(assignment[1])
			if err != nil {
				return err
			}
			if err := c.UpdateAxesRotation(chipAxis, dir, stageAxis); err != nil {
				return err
			}
		}
	}
	return nil
}

// calibrationStore is the persisted calibration set. Transforms are
// chip-specific, so the store is tagged with the chip it was taken
// against.
type calibrationStore struct {
	ChipName      string                 `json:"chip_name"`
	LastUpdatedAt time.Time              `json:"last_updated_at"`
	Calibrations  []calibration.Snapshot `json:"calibrations"`
}

// SaveCalibrations writes the full calibration set for the imported
// chip.
func (m *Mover) SaveCalibrations(path string) error {
	if m.chip == nil {
		return Errorf("no chip imported, calibrations are chip-specific")
	}
	store := calibrationStore{
		ChipName:      m.chip.Name(),
		LastUpdatedAt: time.Now().UTC(),
	}
	for _, c := range m.calibrations {
		store.Calibrations = append(store.Calibrations, c.Dump())
	}
	return writeJSONFile(path, store)
}

// LoadCalibrations restores stored calibrations onto the given stages.
// The store is ignored, with a log line, when it was taken against a
// different chip. Restored calibrations are connected, given the
// shared motion profile and registered for automatic device moves.
func (m *Mover) LoadCalibrations(path string, available []stage.Stage) error {
	if m.chip == nil {
		return Errorf("no chip imported, calibrations are chip-specific")
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var store calibrationStore
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("failed to parse calibrations file %s: %w", path, err)
	}
	if store.ChipName != m.chip.Name() {
		log.Printf("mover: stored calibrations are for chip %q, imported chip is %q, ignoring store", store.ChipName, m.chip.Name())
		return nil
	}

	byIdentifier := make(map[string]stage.Stage, len(available))
	for _, st := range available {
		byIdentifier[st.Identifier()] = st
	}
	for _, snap := range store.Calibrations {
		st, ok := byIdentifier[snap.StageIdentifier]
		if !ok {
			log.Printf("mover: stored calibration for unavailable stage %s, skipping", snap.StageIdentifier)
			continue
		}
		c, err := calibration.Restore(snap, st, m.polygons)
		if err != nil {
			return fmt.Errorf("failed to restore calibration for %s: %w", snap.StageIdentifier, err)
		}
		if err := m.adoptCalibration(c); err != nil {
			return err
		}
	}
	return nil
}

// adoptCalibration registers an externally built calibration, with the
// same duplicate checks and setup as RegisterStageCalibration.
func (m *Mover) adoptCalibration(c *calibration.Calibration) error {
	id := c.Stage().Identifier()
	if _, ok := m.byStage[id]; ok {
		return Errorf("stage %s is already registered", id)
	}
	key := placement{c.Orientation(), c.DevicePort()}
	if other, ok := m.byPlacement[key]; ok {
		return Errorf("placement (%s, %s) is already assigned to %s", c.Orientation(), c.DevicePort(), other.Stage().Identifier())
	}
	if err := c.Connect(); err != nil {
		return fmt.Errorf("failed to connect %s: %w", id, err)
	}
	if err := m.applyMotionProfile(c); err != nil {
		if derr := c.Disconnect(); derr != nil {
			log.Printf("mover: disconnecting %s after failed setup: %v", id, derr)
		}
		return err
	}
	m.calibrations = append(m.calibrations, c)
	m.byStage[id] = c
	m.byPlacement[key] = c
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
