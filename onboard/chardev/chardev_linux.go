// Package chardev drives the carriage through the Linux GPIO character device.
// The kernel debounces the switch inputs. Step pulses are software timed.
package chardev

import (
	"sync"
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

const CONSUMER = "gosorter"

type line struct {
	pin      int
	output   bool
	pull     hardware.Pull
	debounce time.Duration
	req      *gpiocdev.Line

	// edge handlers for one line never overlap
	dispatch  sync.Mutex
	watchLock sync.Mutex
	watchers  map[int]func(hardware.Level)
	nextID    int
}

type Chip struct {
	name  string
	waves *hardware.SoftWaves

	lock   sync.Mutex
	lines  map[int]*line
	closed bool
}

func Open(name string) (*Chip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", name)
	}
	log.WithFields(log.Fields{"chip": chip.Name, "label": chip.Label, "lines": chip.Lines()}).Info("opened gpio chip")
	chip.Close()

	c := &Chip{
		name:  name,
		lines: make(map[int]*line),
	}
	c.waves = hardware.NewSoftWaves(c.Write)
	return c, nil
}

func (c *Chip) get(pin int) (*line, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, errors.New("gpio chip closed")
	}
	l, ok := c.lines[pin]
	if !ok {
		return nil, errors.Errorf("pin %d has not been requested", pin)
	}
	return l, nil
}

// request (re)claims the line with its current settings.
func (c *Chip) request(l *line) error {
	if l.req != nil {
		l.req.Close()
		l.req = nil
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(CONSUMER)}
	if l.output {
		opts = append(opts, gpiocdev.AsOutput(0))
	} else {
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(l.event))
		switch l.pull {
		case hardware.PullUp:
			opts = append(opts, gpiocdev.WithPullUp)
		case hardware.PullDown:
			opts = append(opts, gpiocdev.WithPullDown)
		default:
			opts = append(opts, gpiocdev.WithBiasDisabled)
		}
		if l.debounce > 0 {
			opts = append(opts, gpiocdev.WithDebounce(l.debounce))
		}
	}

	req, err := gpiocdev.RequestLine(c.name, l.pin, opts...)
	if err != nil {
		return errors.Wrapf(err, "unable to request line %d on %s", l.pin, c.name)
	}
	l.req = req
	return nil
}

func (c *Chip) claim(pin int, setup func(l *line)) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return errors.New("gpio chip closed")
	}
	l, ok := c.lines[pin]
	if !ok {
		l = &line{pin: pin, watchers: make(map[int]func(hardware.Level))}
		c.lines[pin] = l
	}
	setup(l)
	return c.request(l)
}

func (c *Chip) SetOutput(pin int) error {
	return c.claim(pin, func(l *line) { l.output = true })
}

func (c *Chip) SetInput(pin int, pull hardware.Pull) error {
	return c.claim(pin, func(l *line) {
		l.output = false
		l.pull = pull
	})
}

func (c *Chip) Read(pin int) (hardware.Level, error) {
	l, err := c.get(pin)
	if err != nil {
		return hardware.Low, err
	}
	v, err := l.req.Value()
	if err != nil {
		return hardware.Low, err
	}
	if v == 0 {
		return hardware.Low, nil
	}
	return hardware.High, nil
}

func (c *Chip) Write(pin int, level hardware.Level) error {
	l, err := c.get(pin)
	if err != nil {
		return err
	}
	if !l.output {
		return errors.Errorf("pin %d is not an output", pin)
	}
	return l.req.SetValue(int(level))
}

// SetGlitchFilter uses the kernel debouncer. The line is requested again so
// the new period takes effect.
func (c *Chip) SetGlitchFilter(pin int, window time.Duration) error {
	c.lock.Lock()
	l, ok := c.lines[pin]
	c.lock.Unlock()
	if !ok || l.output {
		return errors.Errorf("pin %d is not an input", pin)
	}
	return c.claim(pin, func(l *line) { l.debounce = window })
}

func (c *Chip) Watch(pin int, fn func(hardware.Level)) (func(), error) {
	l, err := c.get(pin)
	if err != nil {
		return nil, err
	}
	if l.output {
		return nil, errors.Errorf("pin %d is not an input", pin)
	}

	l.watchLock.Lock()
	id := l.nextID
	l.nextID++
	l.watchers[id] = fn
	l.watchLock.Unlock()

	return func() {
		l.watchLock.Lock()
		delete(l.watchers, id)
		l.watchLock.Unlock()
	}, nil
}

func (l *line) event(evt gpiocdev.LineEvent) {
	level := hardware.Low
	if evt.Type == gpiocdev.LineEventRisingEdge {
		level = hardware.High
	}

	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	l.watchLock.Lock()
	fns := make([]func(hardware.Level), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.watchLock.Unlock()

	for _, fn := range fns {
		fn(level)
	}
}

func (c *Chip) Waves() hardware.Waveformer {
	return c.waves
}

func (c *Chip) Close() (err error) {
	err = c.waves.Halt()

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return err
	}
	c.closed = true
	for _, l := range c.lines {
		if l.req != nil {
			err = multierr.Append(err, l.req.Close())
		}
	}
	return err
}
