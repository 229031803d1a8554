package onboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	derrors "github.com/CodedInternet/gosorter/onboard/errors"
	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// HOME_DIRECTION is toward channel 1 and the left switch.
const HOME_DIRECTION = hardware.Backward

// Sorter is what the orchestration loop drives.
type Sorter interface {
	Init() error
	Home(ctx context.Context) (hardware.Side, error)
	MoveToChannel(ctx context.Context, channel int) (MoveResult, error)
	MoveBack(ctx context.Context, channel int) (MoveResult, error)
	Cleanup()
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// MoveResult is the outcome of a move. A limit switch stop is a result, not an
// error.
type MoveResult struct {
	Status  Status        `json:"status"`
	Cause   hardware.Side `json:"cause"`
	Channel int           `json:"channel"`
	Steps   int           `json:"steps"`
}

// Opener connects to the GPIO backend. It is called once by Init.
type Opener func() (hardware.GPIO, error)

type axis struct {
	// cancelled by Cleanup to abort the motion call in progress
	ctx    context.Context
	cancel context.CancelFunc

	gpio      hardware.GPIO
	engine    *hardware.Engine
	monitor   *hardware.LimitMonitor
	interlock *hardware.Interlock
	homer     *hardware.Homer
}

// Carriage is the single axis that carries items to their channel.
type Carriage struct {
	config     SorterConfig
	translator *Translator
	open       Opener

	// serializes Init, motion and Cleanup
	lock sync.Mutex
	axis atomic.Value // *axis
}

func NewCarriage(config SorterConfig, open Opener) (*Carriage, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	translator, err := NewTranslator(config.Mechanics)
	if err != nil {
		return nil, err
	}

	return &Carriage{
		config:     config,
		translator: translator,
		open:       open,
	}, nil
}

func (c *Carriage) current() *axis {
	ax, _ := c.axis.Load().(*axis)
	return ax
}

// Init connects to the backend and claims the pins. Calling it again once it
// has succeeded does nothing.
func (c *Carriage) Init() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.current() != nil {
		return nil
	}

	gpio, err := c.open()
	if err != nil {
		return derrors.BackendUnavailableError{
			Backend: c.config.Backend.Kind,
			Addr:    c.backendAddr(),
			Err:     err,
		}
	}

	ax, err := c.setup(gpio)
	if err != nil {
		c.release(ax)
		return err
	}

	c.axis.Store(ax)
	log.WithFields(log.Fields{
		"backend": c.config.Backend.Kind,
		"step":    c.config.Pins.Step,
		"dir":     c.config.Pins.Dir,
	}).Info("carriage initialised")
	return nil
}

func (c *Carriage) backendAddr() string {
	switch c.config.Backend.Kind {
	case BACKEND_PIGPIO:
		return c.config.Backend.Addr
	case BACKEND_CHARDEV:
		return c.config.Backend.Chip
	}
	return ""
}

func (c *Carriage) setup(gpio hardware.GPIO) (ax *axis, err error) {
	ax = &axis{gpio: gpio}
	ax.ctx, ax.cancel = context.WithCancel(context.Background())
	pins := c.config.Pins

	if pins.Enable != nil {
		if err = gpio.SetOutput(*pins.Enable); err != nil {
			return ax, errors.Wrap(err, "unable to claim enable pin")
		}
		if err = gpio.Write(*pins.Enable, hardware.Low); err != nil {
			return ax, errors.Wrap(err, "unable to enable driver")
		}
	}

	forward := hardware.Low
	if c.config.ForwardHigh {
		forward = hardware.High
	}

	ax.engine, err = hardware.NewEngine(gpio, hardware.EngineConfig{
		StepPin:      pins.Step,
		DirPin:       pins.Dir,
		ForwardLevel: forward,
		MinPulse:     c.config.Timing.MinPulseWidth.D(),
		PollInterval: c.config.Timing.PollInterval.D(),
	})
	if err != nil {
		return ax, err
	}

	ax.monitor = hardware.NewLimitMonitor(gpio)
	debounce := c.config.Timing.Debounce.D()
	if err = ax.monitor.Configure(hardware.Left, *pins.LeftSwitch, debounce); err != nil {
		return ax, derrors.ConfigurationError{Field: "pins.left_switch", Reason: err.Error()}
	}
	if err = ax.monitor.Configure(hardware.Right, *pins.RightSwitch, debounce); err != nil {
		return ax, derrors.ConfigurationError{Field: "pins.right_switch", Reason: err.Error()}
	}

	ax.interlock = hardware.NewInterlock(ax.engine, ax.monitor)
	ax.homer = hardware.NewHomer(ax.interlock, HOME_DIRECTION)
	return ax, nil
}

func (c *Carriage) Home(ctx context.Context) (hardware.Side, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	ax := c.current()
	if ax == nil {
		return hardware.NoSide, derrors.ErrNotInitialised
	}
	ctx, stop := ax.bind(ctx)
	defer stop()

	half := ax.engine.Clamp(c.config.Timing.HomeHalfPeriod.D())
	logger := log.WithFields(log.Fields{
		"direction": HOME_DIRECTION,
		"hz":        frequency(half),
	})
	logger.Info("homing")

	side, err := ax.homer.Home(ctx, half)
	if err != nil {
		logger.WithError(err).Error("homing failed")
		return side, err
	}

	logger.WithField("cause", side).Info("homed")
	return side, nil
}

func (c *Carriage) MoveToChannel(ctx context.Context, channel int) (MoveResult, error) {
	steps, err := c.translator.ChannelToSteps(channel)
	if err != nil {
		return MoveResult{}, err
	}
	return c.move(ctx, channel, steps)
}

// MoveBack returns from channel toward home, stopping short by the return
// clearance. Follow it with Home to finish the trip.
func (c *Carriage) MoveBack(ctx context.Context, channel int) (MoveResult, error) {
	steps, err := c.translator.ChannelToReturnSteps(channel)
	if err != nil {
		return MoveResult{}, err
	}
	return c.move(ctx, channel, -steps)
}

func (c *Carriage) move(ctx context.Context, channel, steps int) (MoveResult, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	ax := c.current()
	if ax == nil {
		return MoveResult{}, derrors.ErrNotInitialised
	}
	ctx, stop := ax.bind(ctx)
	defer stop()

	half := ax.engine.Clamp(c.config.Timing.StepHalfPeriod.D())
	logger := log.WithFields(log.Fields{
		"channel": channel,
		"steps":   steps,
		"hz":      frequency(half),
	})
	logger.Info("moving")

	cause, err := ax.interlock.Move(ctx, steps, half)
	if err != nil {
		logger.WithError(err).Error("move failed")
		return MoveResult{}, err
	}

	result := MoveResult{Status: StatusCompleted, Channel: channel, Steps: steps}
	if cause != hardware.NoSide {
		result.Status = StatusStopped
		result.Cause = cause
		logger.WithField("cause", cause).Warn("move stopped by limit switch")
	}
	return result, nil
}

// bind derives a context for one motion call that also ends when the axis is
// released.
func (ax *axis) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ax.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Switches reports whether the left and right limit switches are pressed.
func (c *Carriage) Switches() (left, right bool, err error) {
	ax := c.current()
	if ax == nil {
		return false, false, derrors.ErrNotInitialised
	}

	if left, err = ax.monitor.Active(hardware.Left); err != nil {
		return
	}
	right, err = ax.monitor.Active(hardware.Right)
	return
}

// State reports the interlock state of the last or current motion call.
func (c *Carriage) State() (hardware.Status, error) {
	ax := c.current()
	if ax == nil {
		return hardware.Status{}, derrors.ErrNotInitialised
	}
	return ax.interlock.Status(), nil
}

// Cleanup stops any motion, disables the driver and releases the backend. It
// is safe to call more than once and after a failed Init.
func (c *Carriage) Cleanup() {
	if ax := c.current(); ax != nil {
		ax.cancel()
		ax.engine.Cancel()
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	ax := c.current()
	if ax == nil {
		log.Debug("cleanup: carriage not initialised")
		return
	}
	c.axis.Store((*axis)(nil))
	c.release(ax)
	log.Info("carriage released")
}

func (c *Carriage) release(ax *axis) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("cleanup panicked")
		}
	}()

	var err error
	ax.cancel()
	if ax.engine != nil {
		ax.engine.Cancel()
	}
	if pin := c.config.Pins.Enable; pin != nil {
		err = multierr.Append(err, errors.Wrap(ax.gpio.Write(*pin, hardware.High), "unable to disable driver"))
	}
	if ax.monitor != nil {
		err = multierr.Append(err, errors.Wrap(ax.monitor.Close(), "unable to release limit switches"))
	}
	err = multierr.Append(err, errors.Wrap(ax.gpio.Close(), "unable to close backend"))

	if err != nil {
		log.WithError(err).Warn("cleanup finished with errors")
	}
}

func frequency(half time.Duration) float64 {
	return 1 / (2 * half.Seconds())
}
