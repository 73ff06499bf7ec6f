// moverctl drives the stage mover from the command line: import a chip
// description, register stages, run calibrated moves and inspect the
// movement journal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/optobench/mover/internal/calibration"
	"github.com/optobench/mover/internal/chip"
	"github.com/optobench/mover/internal/journal"
	"github.com/optobench/mover/internal/mover"
	"github.com/optobench/mover/internal/stage"
	"github.com/optobench/mover/internal/transform"
	"github.com/optobench/mover/internal/version"
)

var (
	chipFile     = flag.String("chip", "", "Chip description JSON file")
	settingsFile = flag.String("settings", "", "Motion profile JSON file")
	calibFile    = flag.String("calibrations", "", "Stored calibrations JSON file")
	journalFile  = flag.String("journal", "mover_journal.db", "Movement journal database")
	stagesFlag   = flag.String("stages", "simulated:0:LEFT:INPUT,simulated:1:RIGHT:OUTPUT", "Comma separated stage list, driver:address:orientation:port")
	deviceID     = flag.String("device", "", "Device id for the move command")
	waitTimeout  = flag.Duration("wait-timeout", 30*time.Second, "Timeout waiting for stages to stop")
	limit        = flag.Int("limit", 20, "Row limit for journal inspection")
	showVersion  = flag.Bool("version", false, "Print the build version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: moverctl [flags] <command>

Commands:
  drivers           List stage drivers and discoverable addresses
  devices           List the devices of the imported chip
  move              Move placement-assigned stages to -device
  journal-commands  Show recent journal commands
  journal-runs      Show recent trajectory runs

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("moverctl", version.String())
		return
	}

	switch flag.Arg(0) {
	case "drivers":
		runDrivers()
	case "devices":
		runDevices()
	case "move":
		runMove()
	case "journal-commands":
		runJournalCommands()
	case "journal-runs":
		runJournalRuns()
	default:
		usage()
		os.Exit(2)
	}
}

func runDrivers() {
	registry := stage.DefaultRegistry()
	for _, driver := range registry.Drivers() {
		fmt.Println(driver)
		switch driver {
		case stage.SimulatedDriverName:
			for _, addr := range stage.FindSimulatedAddresses() {
				fmt.Printf("  %s\n", addr)
			}
		case stage.SerialDriverName:
			addrs, err := stage.FindSerialAddresses()
			if err != nil {
				log.Printf("enumerating serial ports: %v", err)
				continue
			}
			for _, addr := range addrs {
				fmt.Printf("  %s\n", addr)
			}
		}
	}
}

func runDevices() {
	if *chipFile == "" {
		log.Fatal("devices needs -chip")
	}
	c, err := chip.LoadFile(*chipFile)
	if err != nil {
		log.Fatalf("failed to load chip: %v", err)
	}
	fmt.Printf("chip %s, %d devices\n", c.Name(), len(c.Devices()))
	for _, d := range c.Devices() {
		fmt.Printf("  %-20s in=%s out=%s\n", d.ID, d.InputCoordinate, d.OutputCoordinate)
	}
}

func runMove() {
	if *chipFile == "" {
		log.Fatal("move needs -chip")
	}
	if *deviceID == "" {
		log.Fatal("move needs -device")
	}

	m := mover.New(mover.DefaultConfig())
	if err := m.ImportChip(*chipFile); err != nil {
		log.Fatalf("failed to import chip: %v", err)
	}
	if *settingsFile != "" {
		if err := m.LoadSettings(*settingsFile); err != nil {
			log.Fatalf("failed to load settings: %v", err)
		}
	}

	db, err := journal.NewDB(*journalFile)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer db.Close()
	m.SetJournal(db)

	stages, err := buildStages(*stagesFlag)
	if err != nil {
		log.Fatal(err)
	}

	if *calibFile != "" {
		available := make([]stage.Stage, len(stages))
		for i, s := range stages {
			available[i] = s.stage
		}
		if err := m.LoadCalibrations(*calibFile, available); err != nil {
			log.Fatalf("failed to load calibrations: %v", err)
		}
	}
	for i, s := range stages {
		if _, ok := m.CalibrationForStage(s.stage.Identifier()); ok {
			continue
		}
		c, err := m.RegisterStageCalibration(s.stage, s.orientation, s.port, true)
		if err != nil {
			log.Fatalf("failed to register %s: %v", s.stage.Identifier(), err)
		}
		// Demo calibration for simulated stages: chip frame equals the
		// stage frame, stages spread out along x. Real setups load a
		// calibration store instead.
		if sim, ok := s.stage.(*stage.SimulatedStage); ok {
			sim.SetPosition(transform.StageCoordinate{X: float64(i) * 2000})
			if err := demoCalibrate(c, sim); err != nil {
				log.Fatalf("failed to calibrate %s: %v", s.stage.Identifier(), err)
			}
		}
	}

	log.Printf("moving %d stages to device %s", len(m.Calibrations()), *deviceID)
	if err := m.MoveToDevice(*deviceID, true, *waitTimeout); err != nil {
		log.Fatalf("move failed: %v", err)
	}
	for _, c := range m.Calibrations() {
		err := c.InCoordinateSystem(calibration.FrameChip, func() error {
			pos, err := c.ChipPosition()
			if err != nil {
				return err
			}
			log.Printf("%s now at chip %s", c.Stage().Identifier(), pos)
			return nil
		})
		if err != nil {
			log.Printf("%s position unavailable: %v", c.Stage().Identifier(), err)
		}
	}
}

type stageSpec struct {
	stage       stage.Stage
	orientation chip.Orientation
	port        chip.DevicePort
}

// buildStages parses driver:address:orientation:port entries.
func buildStages(spec string) ([]stageSpec, error) {
	registry := stage.DefaultRegistry()
	var out []stageSpec
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid stage entry %q, want driver:address:orientation:port", entry)
		}
		st, err := registry.New(parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		orientation, err := chip.ParseOrientation(parts[2])
		if err != nil {
			return nil, err
		}
		port, err := chip.ParseDevicePort(parts[3])
		if err != nil {
			return nil, err
		}
		out = append(out, stageSpec{stage: st, orientation: orientation, port: port})
	}
	return out, nil
}

// demoCalibrate fixes an identity chip/stage mapping on a simulated
// stage so planned moves work out of the box.
func demoCalibrate(c *calibration.Calibration, sim *stage.SimulatedStage) error {
	if err := c.UpdateSinglePointOffset(transform.CoordinatePairing{
		DeviceID: "origin",
	}); err != nil {
		return err
	}
	for i, p := range []transform.ChipCoordinate{{}, {X: 500}, {Y: 500}} {
		err := c.UpdateKabschRotation(transform.CoordinatePairing{
			ChipCoordinate:  p,
			StageCoordinate: transform.StageCoordinate{X: p.X, Y: p.Y, Z: p.Z},
			DeviceID:        fmt.Sprintf("%s-anchor-%d", sim.Identifier(), i),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func runJournalCommands() {
	db, err := journal.NewDB(*journalFile)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer db.Close()

	commands, err := db.RecentCommands(*limit)
	if err != nil {
		log.Fatalf("failed to read journal: %v", err)
	}
	for _, c := range commands {
		fmt.Printf("%s  %-20s %-5s %-8s (%.1f, %.1f, %.1f) wait=%v\n",
			c.IssuedAt.Format(time.RFC3339), c.StageIdentifier, c.Frame, c.Kind, c.X, c.Y, c.Z, c.WaitForStopping)
	}
}

func runJournalRuns() {
	db, err := journal.NewDB(*journalFile)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer db.Close()

	runs, err := db.Runs(*limit)
	if err != nil {
		log.Fatalf("failed to read journal: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s  %-20s stages=%d steps=%d %s\n",
			r.StartedAt.Format(time.RFC3339), r.Planner, r.StageCount, r.Steps, r.Outcome)
	}
}
