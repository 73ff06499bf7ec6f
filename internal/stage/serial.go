package stage

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/optobench/mover/internal/transform"
)

// SerialDriverName is the registry name of the serial driver.
const SerialDriverName = "serial"

// SerialStage drives a positioner controller over a serial port using a
// line-oriented request/response protocol. Each request is one line and
// is answered with "OK [payload]" or "ERR <message>".
//
// Commands: ID?, POS?, STAT?, MOVA x y z, MOVR x y z, VELXY v, VELXY?,
// VELZ v, VELZ?, ACCXY v.
type SerialStage struct {
	mu sync.Mutex

	address    string
	identifier string
	port       serial.Port
	reader     *bufio.Reader

	// PollInterval is the delay between STAT? probes while blocking on
	// a waited move.
	PollInterval time.Duration
	// OpenPort overrides serial port opening, for tests.
	OpenPort func(address string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialStage builds a serial stage for a port path such as
// /dev/ttyUSB0.
func NewSerialStage(address string) *SerialStage {
	return &SerialStage{
		address:      address,
		PollInterval: 50 * time.Millisecond,
		OpenPort: func(address string, mode *serial.Mode) (serial.Port, error) {
			return serial.Open(address, mode)
		},
	}
}

// FindSerialAddresses enumerates serial ports visible to the host.
func FindSerialAddresses() ([]string, error) {
	return serial.GetPortsList()
}

func (s *SerialStage) Identifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifierLocked()
}

func (s *SerialStage) identifierLocked() string {
	if s.identifier != "" {
		return s.identifier
	}
	return fmt.Sprintf("%s:%s", SerialDriverName, s.address)
}

func (s *SerialStage) String() string {
	return fmt.Sprintf("serial stage at %s", s.address)
}

func (s *SerialStage) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.OpenPort(s.address, mode)
	if err != nil {
		return &Error{Stage: s.identifierLocked(), Op: "connect", Err: err}
	}
	if err := port.SetReadTimeout(2 * time.Second); err != nil {
		port.Close()
		return &Error{Stage: s.identifierLocked(), Op: "connect", Err: err}
	}
	s.port = port
	s.reader = bufio.NewReader(port)

	id, err := s.requestLocked("ID?")
	if err != nil {
		s.port = nil
		s.reader = nil
		port.Close()
		return err
	}
	s.identifier = fmt.Sprintf("%s:%s", SerialDriverName, id)
	return nil
}

func (s *SerialStage) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.reader = nil
	if err != nil {
		return &Error{Stage: s.identifierLocked(), Op: "disconnect", Err: err}
	}
	return nil
}

func (s *SerialStage) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SerialStage) Position() (transform.StageCoordinate, error) {
	payload, err := s.request("POS?")
	if err != nil {
		return transform.StageCoordinate{}, err
	}
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return transform.StageCoordinate{}, Errorf(s.Identifier(), "position",
			"malformed position response %q", payload)
	}
	var pos [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return transform.StageCoordinate{}, Errorf(s.Identifier(), "position",
				"malformed position response %q", payload)
		}
		pos[i] = v
	}
	return transform.StageCoordinate{X: pos[0], Y: pos[1], Z: pos[2]}, nil
}

func (s *SerialStage) MoveRelative(offset transform.StageCoordinate, waitForStopping bool) error {
	return s.move(fmt.Sprintf("MOVR %g %g %g", offset.X, offset.Y, offset.Z), waitForStopping)
}

func (s *SerialStage) MoveAbsolute(target transform.StageCoordinate, waitForStopping bool) error {
	return s.move(fmt.Sprintf("MOVA %g %g %g", target.X, target.Y, target.Z), waitForStopping)
}

func (s *SerialStage) move(command string, waitForStopping bool) error {
	if _, err := s.request(command); err != nil {
		return err
	}
	if !waitForStopping {
		return nil
	}
	for {
		stopped, err := s.IsStopped()
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
		time.Sleep(s.PollInterval)
	}
}

func (s *SerialStage) SpeedXY() (float64, error) {
	return s.requestFloat("VELXY?", "speed xy")
}

func (s *SerialStage) SetSpeedXY(umps float64) error {
	_, err := s.request(fmt.Sprintf("VELXY %g", umps))
	return err
}

func (s *SerialStage) SpeedZ() (float64, error) {
	return s.requestFloat("VELZ?", "speed z")
}

func (s *SerialStage) SetSpeedZ(umps float64) error {
	_, err := s.request(fmt.Sprintf("VELZ %g", umps))
	return err
}

func (s *SerialStage) SetAccelerationXY(umps2 float64) error {
	_, err := s.request(fmt.Sprintf("ACCXY %g", umps2))
	return err
}

func (s *SerialStage) IsStopped() (bool, error) {
	payload, err := s.request("STAT?")
	if err != nil {
		return false, err
	}
	switch payload {
	case "STOPPED":
		return true, nil
	case "MOVING":
		return false, nil
	}
	return false, Errorf(s.Identifier(), "status", "malformed status response %q", payload)
}

func (s *SerialStage) requestFloat(command, op string) (float64, error) {
	payload, err := s.request(command)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, Errorf(s.Identifier(), op, "malformed response %q", payload)
	}
	return v, nil
}

// request sends one command line and reads one response line.
func (s *SerialStage) request(command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestLocked(command)
}

func (s *SerialStage) requestLocked(command string) (string, error) {
	if s.port == nil {
		return "", Errorf(s.identifierLocked(), command, "stage is not connected")
	}
	if _, err := s.port.Write([]byte(command + "\n")); err != nil {
		return "", &Error{Stage: s.identifierLocked(), Op: command, Err: err}
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", &Error{Stage: s.identifierLocked(), Op: command, Err: err}
	}
	line = strings.TrimSpace(line)
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return strings.TrimPrefix(line, "OK "), nil
	case strings.HasPrefix(line, "ERR "):
		return "", Errorf(s.identifierLocked(), command, "controller error: %s", strings.TrimPrefix(line, "ERR "))
	}
	return "", Errorf(s.identifierLocked(), command, "malformed response %q", line)
}
