package stage

import (
	"fmt"
	"sync"

	"github.com/optobench/mover/internal/transform"
)

// SimulatedDriverName is the registry name of the simulated driver.
const SimulatedDriverName = "simulated"

// SimulatedStage is a complete in-memory stage model. It is used by the
// demo binary and throughout the tests; the exported fault-injection
// fields let tests fail individual operations on demand.
type SimulatedStage struct {
	mu sync.Mutex

	address   string
	connected bool
	position  transform.StageCoordinate

	speedXY        float64
	speedZ         float64
	accelerationXY float64
	zAxisDirection int // +1 or -1, applied to z moves

	// Fault injection for tests. A non-nil error fails the matching
	// operation; MovingPolls makes IsStopped report motion for that
	// many calls after each non-waiting move.
	ConnectErr  error
	MoveErr     error
	PositionErr error
	StatusErr   error
	MovingPolls int

	movingLeft int
	moves      int
}

// NewSimulatedStage builds a simulated stage at an address. Addresses
// have no meaning beyond identification.
func NewSimulatedStage(address string) *SimulatedStage {
	return &SimulatedStage{
		address:        address,
		zAxisDirection: 1,
	}
}

// FindSimulatedAddresses enumerates addresses the simulated driver
// pretends to discover.
func FindSimulatedAddresses() []string {
	return []string{"sim:0", "sim:1", "sim:2", "sim:3"}
}

func (s *SimulatedStage) Identifier() string {
	return fmt.Sprintf("%s:%s", SimulatedDriverName, s.address)
}

func (s *SimulatedStage) String() string {
	return fmt.Sprintf("simulated stage at %s", s.address)
}

func (s *SimulatedStage) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		return &Error{Stage: s.Identifier(), Op: "connect", Err: s.ConnectErr}
	}
	s.connected = true
	return nil
}

func (s *SimulatedStage) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimulatedStage) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimulatedStage) Position() (transform.StageCoordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("position", s.PositionErr); err != nil {
		return transform.StageCoordinate{}, err
	}
	return s.position, nil
}

// SetPosition places the simulated stage without a move, for test setup.
func (s *SimulatedStage) SetPosition(p transform.StageCoordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = p
}

// Moves returns how many move commands the stage has accepted.
func (s *SimulatedStage) Moves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves
}

func (s *SimulatedStage) MoveRelative(offset transform.StageCoordinate, waitForStopping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("move relative", s.MoveErr); err != nil {
		return err
	}
	offset.Z *= float64(s.zAxisDirection)
	s.position = s.position.Add(offset)
	s.recordMove(waitForStopping)
	return nil
}

func (s *SimulatedStage) MoveAbsolute(target transform.StageCoordinate, waitForStopping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("move absolute", s.MoveErr); err != nil {
		return err
	}
	target.Z *= float64(s.zAxisDirection)
	s.position = target
	s.recordMove(waitForStopping)
	return nil
}

func (s *SimulatedStage) SpeedXY() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("speed xy", nil); err != nil {
		return 0, err
	}
	return s.speedXY, nil
}

func (s *SimulatedStage) SetSpeedXY(umps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set speed xy", nil); err != nil {
		return err
	}
	s.speedXY = umps
	return nil
}

func (s *SimulatedStage) SpeedZ() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("speed z", nil); err != nil {
		return 0, err
	}
	return s.speedZ, nil
}

func (s *SimulatedStage) SetSpeedZ(umps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set speed z", nil); err != nil {
		return err
	}
	s.speedZ = umps
	return nil
}

func (s *SimulatedStage) SetAccelerationXY(umps2 float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set acceleration xy", nil); err != nil {
		return err
	}
	s.accelerationXY = umps2
	return nil
}

// AccelerationXY returns the last applied xy acceleration.
func (s *SimulatedStage) AccelerationXY() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accelerationXY
}

func (s *SimulatedStage) IsStopped() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("status", s.StatusErr); err != nil {
		return false, err
	}
	if s.movingLeft > 0 {
		s.movingLeft--
		return false, nil
	}
	return true, nil
}

// ZAxisDirection returns +1 or -1.
func (s *SimulatedStage) ZAxisDirection() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zAxisDirection
}

// ToggleZAxisDirection inverts the sign applied to z moves.
func (s *SimulatedStage) ToggleZAxisDirection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zAxisDirection *= -1
}

// check validates connection state and applies fault injection. Callers
// hold the mutex.
func (s *SimulatedStage) check(op string, fault error) error {
	if !s.connected {
		return Errorf(s.Identifier(), op, "stage is not connected")
	}
	if fault != nil {
		return &Error{Stage: s.Identifier(), Op: op, Err: fault}
	}
	return nil
}

func (s *SimulatedStage) recordMove(waitForStopping bool) {
	s.moves++
	if !waitForStopping {
		s.movingLeft = s.MovingPolls
	}
}
