package hardware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrHomingIncomplete = errors.New("homing ended without reaching a limit switch")

// Homer drives the carriage toward home until either switch closes.
type Homer struct {
	interlock *Interlock
	direction Direction
}

func NewHomer(interlock *Interlock, direction Direction) *Homer {
	return &Homer{interlock: interlock, direction: direction}
}

// Home returns the switch the carriage stopped against. If a switch is
// already closed it is returned without moving.
func (h *Homer) Home(ctx context.Context, half time.Duration) (Side, error) {
	i := h.interlock
	i.cause.reset()

	for _, side := range []Side{Left, Right} {
		active, err := i.monitor.Active(side)
		if err != nil {
			return NoSide, errors.Wrapf(err, "unable to read %s switch", side)
		}
		if active {
			log.WithField("cause", side).Info("limit switch already active, treating as homed")
			i.transition(Idle, h.direction, NoSide)
			return side, nil
		}
	}

	side, err := i.run(ctx, h.direction, []Side{Left, Right}, half, 0)
	if side != NoSide {
		return side, nil
	}
	if err == nil || errors.Cause(err) == ErrTransmitCancelled {
		err = ErrHomingIncomplete
	}
	return NoSide, err
}
