package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrTransmitCancelled is returned by Transmit when the pulse train was cut
// short by Cancel rather than running to completion.
var ErrTransmitCancelled = errors.New("transmission cancelled")

type EngineConfig struct {
	StepPin int
	DirPin  int

	// ForwardLevel is the DIR level that moves the carriage toward higher
	// channels.
	ForwardLevel Level

	MinPulse     time.Duration
	PollInterval time.Duration
}

// Waveform is a single step period built for one motion call.
type Waveform struct {
	id        WaveID
	Half      time.Duration
	destroyed bool
}

// Frequency of the step train in Hz.
func (w *Waveform) Frequency() float64 {
	return float64(time.Second) / float64(2*w.Half)
}

// Engine owns the step and direction lines and drives pulse trains on them
// through the backend's Waveformer.
type Engine struct {
	gpio   GPIO
	waves  Waveformer
	config EngineConfig

	lock         sync.Mutex
	cancelled    bool
	transmitting bool
}

func NewEngine(gpio GPIO, config EngineConfig) (*Engine, error) {
	if config.MinPulse <= 0 {
		config.MinPulse = time.Microsecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Millisecond
	}

	for _, pin := range []int{config.StepPin, config.DirPin} {
		if err := gpio.SetOutput(pin); err != nil {
			return nil, errors.Wrapf(err, "unable to set pin %d as output", pin)
		}
	}
	if err := gpio.Write(config.StepPin, Low); err != nil {
		return nil, err
	}

	return &Engine{
		gpio:   gpio,
		waves:  gpio.Waves(),
		config: config,
	}, nil
}

// Clamp raises half to the minimum pulse width.
func (e *Engine) Clamp(half time.Duration) time.Duration {
	if half < e.config.MinPulse {
		return e.config.MinPulse
	}
	return half
}

func (e *Engine) SetDirection(dir Direction) error {
	level := e.config.ForwardLevel
	if dir == Backward {
		level = level.Invert()
	}
	return e.gpio.Write(e.config.DirPin, level)
}

// BuildPeriod creates the step wave for a new motion call and clears any
// cancellation left over from the previous one.
func (e *Engine) BuildPeriod(half time.Duration) (*Waveform, error) {
	half = e.Clamp(half)

	id, err := e.waves.Create(e.config.StepPin, half)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build step wave")
	}

	e.lock.Lock()
	e.cancelled = false
	e.lock.Unlock()

	return &Waveform{id: id, Half: half}, nil
}

// Transmit sends count periods and blocks until they have all been emitted,
// Cancel is called or ctx is done.
func (e *Engine) Transmit(ctx context.Context, w *Waveform, count int) error {
	if count <= 0 {
		return errors.Errorf("invalid repeat count %d", count)
	}
	return e.transmit(ctx, w, count)
}

// TransmitContinuous repeats the period until Cancel is called or ctx is done.
func (e *Engine) TransmitContinuous(ctx context.Context, w *Waveform) error {
	return e.transmit(ctx, w, 0)
}

func (e *Engine) transmit(ctx context.Context, w *Waveform, count int) error {
	if w == nil || w.destroyed {
		return ErrUnknownWave
	}

	e.lock.Lock()
	if e.cancelled {
		e.lock.Unlock()
		return ErrTransmitCancelled
	}
	if err := ctx.Err(); err != nil {
		e.lock.Unlock()
		return err
	}
	if err := e.waves.Send(w.id, count); err != nil {
		e.lock.Unlock()
		return errors.Wrap(err, "unable to start step wave")
	}
	e.transmitting = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		if busy, _ := e.waves.Busy(); busy {
			if err := e.waves.Halt(); err != nil {
				log.WithError(err).Error("unable to halt step wave")
			}
		}
		e.transmitting = false
		e.lock.Unlock()
	}()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		busy, err := e.waves.Busy()
		if err != nil {
			return errors.Wrap(err, "step wave failed")
		}
		if !busy {
			break
		}

		select {
		case <-ctx.Done():
			e.Cancel()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.cancelled {
		return ErrTransmitCancelled
	}
	return nil
}

// Cancel stops the transmission in progress, if any. It also stops a
// transmission for the current wave from starting at all, which closes the
// window between arming a switch and sending.
func (e *Engine) Cancel() {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.cancelled {
		return
	}
	e.cancelled = true

	if !e.transmitting {
		return
	}
	if err := e.waves.Halt(); err != nil {
		log.WithError(err).Error("unable to halt step wave")
	}
}

// Destroy releases the wave. Calling it again is a no-op.
func (e *Engine) Destroy(w *Waveform) error {
	if w == nil || w.destroyed {
		return nil
	}
	w.destroyed = true
	return e.waves.Delete(w.id)
}
