package hardware

import (
	"time"
)

type Level int

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) Invert() Level {
	if l == Low {
		return High
	}
	return Low
}

type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// WaveID identifies a waveform held by a Waveformer.
type WaveID int

// GPIO is the capability set a carriage backend has to provide. Implementations
// exist for the pigpio daemon, the Linux GPIO character device and the simulator.
type GPIO interface {
	SetOutput(pin int) error
	SetInput(pin int, pull Pull) error
	Read(pin int) (Level, error)
	Write(pin int, level Level) error

	// SetGlitchFilter suppresses level changes on pin until the new level has
	// been stable for window. A zero window removes the filter.
	SetGlitchFilter(pin int, window time.Duration) error

	// Watch calls fn with the new (filtered) level each time pin changes.
	// Calls for a single pin are never concurrent. The returned func removes
	// the watch and may be called more than once.
	Watch(pin int, fn func(Level)) (cancel func(), err error)

	Waves() Waveformer

	Close() error
}

// Waveformer schedules step pulse trains independently of the calling goroutine.
type Waveformer interface {
	// Create builds a single period on pin: high for half, then low for half.
	Create(pin int, half time.Duration) (WaveID, error)

	// Send starts transmitting the wave count times and returns immediately.
	// A count of zero repeats until Halt.
	Send(id WaveID, count int) error

	Busy() (bool, error)

	// Halt stops the current transmission. Once it returns no further edges
	// are emitted.
	Halt() error

	Delete(id WaveID) error
}
