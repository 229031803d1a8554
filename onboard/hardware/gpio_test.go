package hardware

import (
	"errors"
	"sync"
	"time"
)

const (
	testStep  = 6
	testDir   = 5
	testLeft  = 17
	testRight = 27
)

// testGPIO records pin state and counts rising edges on the step pin. Pulse
// trains run through SoftWaves so Halt behaves like a real backend.
type testGPIO struct {
	lock     sync.Mutex
	levels   map[int]Level
	outputs  map[int]bool
	pulls    map[int]Pull
	filters  map[int]time.Duration
	watchers map[int]func(Level)
	pulses   int
	onPulse  func(n int)
	onWrite  func(pin int, level Level)
	waves    *SoftWaves

	filterErr bool
	closed    bool
}

func newTestGPIO() *testGPIO {
	g := &testGPIO{
		levels:   map[int]Level{testLeft: High, testRight: High},
		outputs:  make(map[int]bool),
		pulls:    make(map[int]Pull),
		filters:  make(map[int]time.Duration),
		watchers: make(map[int]func(Level)),
	}
	g.waves = NewSoftWaves(g.Write)
	return g
}

func (g *testGPIO) SetOutput(pin int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.outputs[pin] = true
	return nil
}

func (g *testGPIO) SetInput(pin int, pull Pull) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.outputs[pin] = false
	g.pulls[pin] = pull
	return nil
}

func (g *testGPIO) Read(pin int) (Level, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.levels[pin], nil
}

func (g *testGPIO) Write(pin int, level Level) error {
	g.lock.Lock()
	rising := pin == testStep && g.levels[pin] == Low && level == High
	g.levels[pin] = level
	if rising {
		g.pulses++
	}
	n, hook, written := g.pulses, g.onPulse, g.onWrite
	g.lock.Unlock()

	if rising && hook != nil {
		go hook(n)
	}
	if written != nil && pin != testStep {
		written(pin, level)
	}
	return nil
}

func (g *testGPIO) SetGlitchFilter(pin int, window time.Duration) error {
	if g.filterErr {
		return errors.New("simulated glitch filter failure")
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.filters[pin] = window
	return nil
}

func (g *testGPIO) Watch(pin int, fn func(Level)) (func(), error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.watchers[pin] = fn
	return func() {
		g.lock.Lock()
		delete(g.watchers, pin)
		g.lock.Unlock()
	}, nil
}

func (g *testGPIO) Waves() Waveformer {
	return g.waves
}

func (g *testGPIO) Close() error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.closed = true
	return nil
}

// set drives an input pin as though its filtered level changed.
func (g *testGPIO) set(pin int, level Level) {
	g.lock.Lock()
	g.levels[pin] = level
	fn := g.watchers[pin]
	g.lock.Unlock()

	if fn != nil {
		fn(level)
	}
}

func (g *testGPIO) pulseCount() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.pulses
}

func (g *testGPIO) level(pin int) Level {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.levels[pin]
}

func (g *testGPIO) hook(fn func(n int)) {
	g.lock.Lock()
	g.onPulse = fn
	g.lock.Unlock()
}

// afterWrite runs fn synchronously after each write to a pin other than step.
func (g *testGPIO) afterWrite(fn func(pin int, level Level)) {
	g.lock.Lock()
	g.onWrite = fn
	g.lock.Unlock()
}

func newTestAxis() (*testGPIO, *Engine, *LimitMonitor, *Interlock) {
	g := newTestGPIO()
	engine, err := NewEngine(g, EngineConfig{
		StepPin:      testStep,
		DirPin:       testDir,
		ForwardLevel: Low,
		MinPulse:     2 * time.Microsecond,
		PollInterval: 100 * time.Microsecond,
	})
	if err != nil {
		panic(err)
	}

	monitor := NewLimitMonitor(g)
	if err := monitor.Configure(Left, testLeft, 2*time.Millisecond); err != nil {
		panic(err)
	}
	if err := monitor.Configure(Right, testRight, 2*time.Millisecond); err != nil {
		panic(err)
	}

	return g, engine, monitor, NewInterlock(engine, monitor)
}
