// Package simulator is an in-memory single axis carriage that implements the
// hardware.GPIO capability set. Step pulses move the carriage, the limit
// switches close at either end of travel, and switch inputs pass through a
// glitch filter that behaves like the pigpio one.
package simulator

import (
	"sync"
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("simulator closed")

type Config struct {
	StepPin   int
	DirPin    int
	EnablePin *int
	LeftPin   int
	RightPin  int

	// ForwardLevel is the DIR level that moves toward the right switch.
	ForwardLevel hardware.Level

	// Travel is the number of steps between the two switches.
	Travel int
	// Start is the initial position in steps from the left switch.
	Start int
}

type notification struct {
	pin   int
	level hardware.Level
}

type Carriage struct {
	config Config
	waves  *hardware.SoftWaves

	lock     sync.Mutex
	outputs  map[int]hardware.Level
	inputs   map[int]bool
	pulls    map[int]hardware.Pull
	pressed  map[int]bool
	raw      map[int]hardware.Level
	reported map[int]hardware.Level
	filters  map[int]time.Duration
	timers   map[int]*time.Timer
	watchers map[int]map[int]func(hardware.Level)
	nextID   int
	position int
	pulses   int
	closed   bool

	// watcher calls are queued and made from a single goroutine so that a
	// handler never runs on the goroutine emitting step pulses
	queue   []notification
	pending chan struct{}
	done    chan struct{}
}

func New(config Config) *Carriage {
	c := &Carriage{
		config:   config,
		outputs:  make(map[int]hardware.Level),
		inputs:   make(map[int]bool),
		pulls:    make(map[int]hardware.Pull),
		pressed:  make(map[int]bool),
		raw:      make(map[int]hardware.Level),
		reported: make(map[int]hardware.Level),
		filters:  make(map[int]time.Duration),
		timers:   make(map[int]*time.Timer),
		watchers: make(map[int]map[int]func(hardware.Level)),
		position: config.Start,
		pending:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.waves = hardware.NewSoftWaves(c.Write)

	for _, pin := range []int{config.LeftPin, config.RightPin} {
		c.raw[pin] = c.physical(pin)
		c.reported[pin] = c.raw[pin]
	}

	go c.dispatch()
	return c
}

func (c *Carriage) SetOutput(pin int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}
	delete(c.inputs, pin)
	if _, ok := c.outputs[pin]; !ok {
		c.outputs[pin] = hardware.Low
	}
	return nil
}

func (c *Carriage) SetInput(pin int, pull hardware.Pull) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}
	delete(c.outputs, pin)
	c.inputs[pin] = true
	c.pulls[pin] = pull
	return nil
}

// Read returns the filtered level of an input or the driven level of an output.
func (c *Carriage) Read(pin int) (hardware.Level, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return hardware.Low, ErrClosed
	}
	if level, ok := c.outputs[pin]; ok {
		return level, nil
	}
	if level, ok := c.reported[pin]; ok {
		return level, nil
	}
	if c.pulls[pin] == hardware.PullUp {
		return hardware.High, nil
	}
	return hardware.Low, nil
}

func (c *Carriage) Write(pin int, level hardware.Level) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}
	previous, ok := c.outputs[pin]
	if !ok {
		return errors.Errorf("pin %d is not an output", pin)
	}
	c.outputs[pin] = level

	if pin == c.config.StepPin && previous == hardware.Low && level == hardware.High {
		c.step()
	}
	return nil
}

// step is called with the lock held on every rising edge of the step line.
func (c *Carriage) step() {
	c.pulses++
	if !c.enabledLocked() {
		return
	}

	if c.outputs[c.config.DirPin] == c.config.ForwardLevel {
		c.position++
	} else {
		c.position--
	}

	// the carriage stalls against the end stops
	if c.position < 0 {
		c.position = 0
	}
	if c.position > c.config.Travel {
		c.position = c.config.Travel
	}

	c.update(c.config.LeftPin)
	c.update(c.config.RightPin)
}

func (c *Carriage) physical(pin int) hardware.Level {
	if c.pressed[pin] {
		return hardware.Low
	}
	switch pin {
	case c.config.LeftPin:
		if c.position <= 0 {
			return hardware.Low
		}
	case c.config.RightPin:
		if c.position >= c.config.Travel {
			return hardware.Low
		}
	}
	return hardware.High
}

// update is called with the lock held whenever the raw level of an input may
// have changed.
func (c *Carriage) update(pin int) {
	c.setRaw(pin, c.physical(pin))
}

func (c *Carriage) setRaw(pin int, level hardware.Level) {
	if c.raw[pin] == level {
		return
	}
	c.raw[pin] = level

	window := c.filters[pin]
	if window <= 0 {
		c.report(pin)
		return
	}

	if t, ok := c.timers[pin]; ok {
		t.Stop()
	}
	c.timers[pin] = time.AfterFunc(window, func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if !c.closed {
			c.report(pin)
		}
	})
}

// report publishes the raw level once it has settled.
func (c *Carriage) report(pin int) {
	level := c.raw[pin]
	if c.reported[pin] == level {
		return
	}
	c.reported[pin] = level

	if len(c.watchers[pin]) == 0 {
		return
	}
	c.queue = append(c.queue, notification{pin: pin, level: level})
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *Carriage) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case <-c.pending:
		}

		c.lock.Lock()
		queue := c.queue
		c.queue = nil
		c.lock.Unlock()

		for _, n := range queue {
			c.lock.Lock()
			fns := make([]func(hardware.Level), 0, len(c.watchers[n.pin]))
			for _, fn := range c.watchers[n.pin] {
				fns = append(fns, fn)
			}
			c.lock.Unlock()

			for _, fn := range fns {
				fn(n.level)
			}
		}
	}
}

func (c *Carriage) SetGlitchFilter(pin int, window time.Duration) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.inputs[pin] {
		return errors.Errorf("pin %d is not an input", pin)
	}

	c.filters[pin] = window
	if window <= 0 {
		if t, ok := c.timers[pin]; ok {
			t.Stop()
			delete(c.timers, pin)
		}
		c.report(pin)
	}
	return nil
}

func (c *Carriage) Watch(pin int, fn func(hardware.Level)) (func(), error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.watchers[pin] == nil {
		c.watchers[pin] = make(map[int]func(hardware.Level))
	}
	id := c.nextID
	c.nextID++
	c.watchers[pin][id] = fn

	return func() {
		c.lock.Lock()
		delete(c.watchers[pin], id)
		c.lock.Unlock()
	}, nil
}

func (c *Carriage) Waves() hardware.Waveformer {
	return c.waves
}

func (c *Carriage) Close() error {
	c.waves.Halt()

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	close(c.done)
	return nil
}

// Press holds a switch closed regardless of the carriage position.
func (c *Carriage) Press(side hardware.Side) {
	c.force(side, true)
}

// Release lets the switch follow the carriage position again.
func (c *Carriage) Release(side hardware.Side) {
	c.force(side, false)
}

func (c *Carriage) force(side hardware.Side, pressed bool) {
	pin := c.pin(side)

	c.lock.Lock()
	defer c.lock.Unlock()
	if pressed {
		c.pressed[pin] = true
	} else {
		delete(c.pressed, pin)
	}
	c.update(pin)
}

// Bounce chatters a switch n times, interval apart, and leaves it pressed.
func (c *Carriage) Bounce(side hardware.Side, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		c.Press(side)
		time.Sleep(interval)
		c.Release(side)
		time.Sleep(interval)
	}
	c.Press(side)
}

func (c *Carriage) pin(side hardware.Side) int {
	if side == hardware.Right {
		return c.config.RightPin
	}
	return c.config.LeftPin
}

func (c *Carriage) Position() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.position
}

// Pulses is the number of rising edges seen on the step line.
func (c *Carriage) Pulses() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pulses
}

// Enabled reports whether the driver enable line is asserted. The line is
// active low; without an enable pin the driver is always on.
func (c *Carriage) Enabled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.enabledLocked()
}

func (c *Carriage) enabledLocked() bool {
	if c.config.EnablePin == nil {
		return true
	}
	level, ok := c.outputs[*c.config.EnablePin]
	return ok && level == hardware.Low
}

// Output returns the driven level of an output pin.
func (c *Carriage) Output(pin int) (hardware.Level, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	level, ok := c.outputs[pin]
	return level, ok
}
