package hardware

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Side int32

const (
	NoSide Side = iota
	Left
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "none"
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	if s == NoSide {
		return []byte("null"), nil
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var name *string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	switch {
	case name == nil || *name == "none":
		*s = NoSide
	case *name == "left":
		*s = Left
	case *name == "right":
		*s = Right
	default:
		return errors.Errorf("unknown side %q", *name)
	}
	return nil
}

// Direction of travel. Forward moves toward higher channels, away from home.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Leading is the switch the carriage runs into when travelling in d.
func (d Direction) Leading() Side {
	if d == Backward {
		return Left
	}
	return Right
}

// StopCause records which switch ended a motion call. Only the first Record
// after a reset sticks.
type StopCause struct {
	side int32
}

func (c *StopCause) Record(side Side) bool {
	return atomic.CompareAndSwapInt32(&c.side, int32(NoSide), int32(side))
}

func (c *StopCause) Load() Side {
	return Side(atomic.LoadInt32(&c.side))
}

func (c *StopCause) reset() {
	atomic.StoreInt32(&c.side, int32(NoSide))
}

type State int

const (
	Idle State = iota
	Moving
	Stopped
)

func (s State) String() string {
	switch s {
	case Moving:
		return "moving"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status is a snapshot of the interlock's state machine.
type Status struct {
	State     State
	Direction Direction
	Cause     Side
}

// Interlock binds the direction of travel to the switch that has to stop it.
// Callers must serialize Move and Home.
type Interlock struct {
	engine  *Engine
	monitor *LimitMonitor
	cause   StopCause

	lock   sync.Mutex
	status Status
}

func NewInterlock(engine *Engine, monitor *LimitMonitor) *Interlock {
	return &Interlock{
		engine:  engine,
		monitor: monitor,
	}
}

func (i *Interlock) Status() Status {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.status
}

func (i *Interlock) transition(state State, dir Direction, cause Side) {
	i.lock.Lock()
	i.status = Status{State: state, Direction: dir, Cause: cause}
	i.lock.Unlock()
}

// Move runs steps pulses, forward when positive and backward when negative.
// It returns the switch that stopped the carriage, or NoSide if every pulse
// was emitted.
func (i *Interlock) Move(ctx context.Context, steps int, half time.Duration) (Side, error) {
	i.cause.reset()
	if steps == 0 {
		i.transition(Idle, Forward, NoSide)
		return NoSide, nil
	}

	dir := Forward
	if steps < 0 {
		dir = Backward
		steps = -steps
	}

	leading := dir.Leading()
	active, err := i.monitor.Active(leading)
	if err != nil {
		return NoSide, errors.Wrapf(err, "unable to read %s switch", leading)
	}
	if active {
		i.cause.Record(leading)
		i.transition(Stopped, dir, leading)
		log.WithFields(log.Fields{"direction": dir, "cause": leading}).Warn("limit switch already active, not moving")
		return leading, nil
	}

	return i.run(ctx, dir, []Side{leading}, half, steps)
}

// run arms sides, transmits count periods (0 for continuous) and reports
// which switch, if any, ended the transmission.
func (i *Interlock) run(ctx context.Context, dir Direction, sides []Side, half time.Duration, count int) (Side, error) {
	if err := i.engine.SetDirection(dir); err != nil {
		return NoSide, errors.Wrap(err, "unable to set direction")
	}

	wave, err := i.engine.BuildPeriod(half)
	if err != nil {
		return NoSide, err
	}
	defer func() {
		if err := i.engine.Destroy(wave); err != nil {
			log.WithError(err).Warn("unable to delete step wave")
		}
	}()

	i.transition(Moving, dir, NoSide)

	for _, side := range sides {
		if err := i.monitor.OnTrip(side, i.trip); err != nil {
			i.transition(Idle, dir, NoSide)
			return NoSide, err
		}
		defer i.monitor.Unregister(side)
	}

	log.WithFields(log.Fields{
		"direction": dir,
		"steps":     count,
		"hz":        wave.Frequency(),
	}).Debug("transmitting step wave")

	if count == 0 {
		err = i.engine.TransmitContinuous(ctx, wave)
	} else {
		err = i.engine.Transmit(ctx, wave, count)
	}

	if cause := i.cause.Load(); cause != NoSide {
		i.transition(Stopped, dir, cause)
		return cause, nil
	}

	i.transition(Idle, dir, NoSide)
	return NoSide, err
}

func (i *Interlock) trip(side Side) {
	if i.cause.Record(side) {
		log.WithField("cause", side).Warn("limit switch tripped, stopping")
	}
	i.engine.Cancel()
}
