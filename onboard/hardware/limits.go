package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type UnconfiguredSwitchError struct {
	Side Side
}

func (e UnconfiguredSwitchError) Error() string {
	return fmt.Sprintf("%s limit switch has not been configured", e.Side)
}

// LimitMonitor watches the two end-of-travel switches. Switches are wired
// active low against the internal pull up, so an activation is a falling edge
// that survives the glitch filter.
type LimitMonitor struct {
	gpio GPIO

	lock     sync.Mutex
	switches map[Side]*limitSwitch
}

type limitSwitch struct {
	side   Side
	pin    int
	cancel func()

	// held while the trip handler runs so Unregister can wait it out
	fire    sync.Mutex
	level   Level
	handler func(Side)
}

func NewLimitMonitor(gpio GPIO) *LimitMonitor {
	return &LimitMonitor{
		gpio:     gpio,
		switches: make(map[Side]*limitSwitch),
	}
}

func (m *LimitMonitor) Configure(side Side, pin int, debounce time.Duration) error {
	if err := m.gpio.SetInput(pin, PullUp); err != nil {
		return errors.Wrapf(err, "unable to set %s switch pin %d as input", side, pin)
	}
	if err := m.gpio.SetGlitchFilter(pin, debounce); err != nil {
		return errors.Wrapf(err, "unable to install glitch filter on %s switch pin %d", side, pin)
	}

	level, err := m.gpio.Read(pin)
	if err != nil {
		return errors.Wrapf(err, "unable to read %s switch pin %d", side, pin)
	}

	sw := &limitSwitch{side: side, pin: pin, level: level}
	sw.cancel, err = m.gpio.Watch(pin, sw.observe)
	if err != nil {
		return errors.Wrapf(err, "unable to watch %s switch pin %d", side, pin)
	}

	m.lock.Lock()
	old := m.switches[side]
	m.switches[side] = sw
	m.lock.Unlock()

	if old != nil {
		old.cancel()
	}
	return nil
}

func (m *LimitMonitor) get(side Side) (*limitSwitch, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	sw, ok := m.switches[side]
	if !ok {
		return nil, UnconfiguredSwitchError{Side: side}
	}
	return sw, nil
}

// Active reports whether the switch is currently pressed.
func (m *LimitMonitor) Active(side Side) (bool, error) {
	sw, err := m.get(side)
	if err != nil {
		return false, err
	}

	level, err := m.gpio.Read(sw.pin)
	if err != nil {
		return false, err
	}
	return level == Low, nil
}

// OnTrip arms the switch: fn is called once for every activation from now
// until Unregister. A switch that is already closed when armed trips at once,
// since its falling edge may have been seen while nothing was armed.
func (m *LimitMonitor) OnTrip(side Side, fn func(Side)) error {
	sw, err := m.get(side)
	if err != nil {
		return err
	}

	sw.fire.Lock()
	defer sw.fire.Unlock()

	level, err := m.gpio.Read(sw.pin)
	if err != nil {
		return err
	}
	sw.level = level
	sw.handler = fn

	if level == Low {
		fn(side)
	}
	return nil
}

// Unregister disarms the switch. Once it returns the handler is neither
// running nor going to run. Unknown or already disarmed switches are ignored.
func (m *LimitMonitor) Unregister(side Side) {
	sw, err := m.get(side)
	if err != nil {
		return
	}

	sw.fire.Lock()
	sw.handler = nil
	sw.fire.Unlock()
}

// Close disarms and stops watching both switches and removes their glitch
// filters.
func (m *LimitMonitor) Close() (err error) {
	m.lock.Lock()
	switches := m.switches
	m.switches = make(map[Side]*limitSwitch)
	m.lock.Unlock()

	for _, sw := range switches {
		sw.fire.Lock()
		sw.handler = nil
		sw.fire.Unlock()

		sw.cancel()
		err = multierr.Append(err, m.gpio.SetGlitchFilter(sw.pin, 0))
	}
	return err
}

func (sw *limitSwitch) observe(level Level) {
	sw.fire.Lock()
	defer sw.fire.Unlock()

	previous := sw.level
	sw.level = level

	if previous == High && level == Low && sw.handler != nil {
		sw.handler(sw.side)
	}
}
