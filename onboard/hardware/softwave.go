package hardware

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrUnknownWave  = errors.New("unknown wave id")
	ErrWaveBusy     = errors.New("a wave is already being transmitted")
	ErrBadHalfCycle = errors.New("half cycle must be positive")
)

// SoftWaves is a Waveformer that times edges from a goroutine instead of DMA.
// It is used by backends without a hardware pulse generator. Timing jitter is
// whatever the scheduler gives us, so keep half cycles comfortably above a few
// hundred microseconds on a loaded system.
type SoftWaves struct {
	write func(pin int, level Level) error

	// held while an edge is written, Halt takes it to guarantee nothing
	// is written afterwards
	emit sync.Mutex

	lock  sync.Mutex
	waves map[WaveID]softWave
	next  WaveID
	run   *softRun
}

type softWave struct {
	pin  int
	half time.Duration
}

type softRun struct {
	halted bool // guarded by SoftWaves.emit
	done   chan struct{}
	err    error
}

func NewSoftWaves(write func(pin int, level Level) error) *SoftWaves {
	return &SoftWaves{
		write: write,
		waves: make(map[WaveID]softWave),
	}
}

func (s *SoftWaves) Create(pin int, half time.Duration) (WaveID, error) {
	if half <= 0 {
		return 0, ErrBadHalfCycle
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.next
	s.next++
	s.waves[id] = softWave{pin: pin, half: half}
	return id, nil
}

func (s *SoftWaves) Send(id WaveID, count int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	w, ok := s.waves[id]
	if !ok {
		return ErrUnknownWave
	}
	if s.run != nil && !s.run.finished() {
		return ErrWaveBusy
	}

	r := &softRun{done: make(chan struct{})}
	s.run = r
	go s.transmit(r, w, count)
	return nil
}

func (s *SoftWaves) transmit(r *softRun, w softWave, count int) {
	defer close(r.done)

	deadline := time.Now()
	for n := 0; count == 0 || n < count; n++ {
		for _, level := range [2]Level{High, Low} {
			if wait := time.Until(deadline); wait > 0 {
				time.Sleep(wait)
			}

			s.emit.Lock()
			if r.halted {
				s.emit.Unlock()
				return
			}
			err := s.write(w.pin, level)
			s.emit.Unlock()

			if err != nil {
				r.err = err
				return
			}
			deadline = deadline.Add(w.half)
		}
	}
}

// Busy reports whether a transmission is in progress. A write failure inside
// the transmit goroutine is returned once the transmission has ended.
func (s *SoftWaves) Busy() (bool, error) {
	s.lock.Lock()
	r := s.run
	s.lock.Unlock()

	if r == nil || !r.finished() {
		return r != nil, nil
	}
	return false, r.err
}

func (s *SoftWaves) Halt() error {
	s.lock.Lock()
	r := s.run
	s.lock.Unlock()

	if r == nil {
		return nil
	}

	s.emit.Lock()
	r.halted = true
	s.emit.Unlock()
	return nil
}

func (s *SoftWaves) Delete(id WaveID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.waves[id]; !ok {
		return ErrUnknownWave
	}
	delete(s.waves, id)
	return nil
}

func (r *softRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
