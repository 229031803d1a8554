package pigpio

import (
	"encoding/binary"
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
)

// chain loops repeat at most this many times, longer runs nest two loops
const (
	MAX_LOOP  = 0xffff
	MAX_CHAIN = MAX_LOOP * MAX_LOOP
)

// Waves drives the daemon's DMA waveforms.
type Waves struct {
	client *Client
}

type pulse struct {
	on, off uint32 // gpio bit masks
	delay   uint32 // µs
}

func encodePulses(pulses []pulse) []byte {
	buf := make([]byte, 12*len(pulses))
	for i, p := range pulses {
		binary.LittleEndian.PutUint32(buf[i*12:], p.on)
		binary.LittleEndian.PutUint32(buf[i*12+4:], p.off)
		binary.LittleEndian.PutUint32(buf[i*12+8:], p.delay)
	}
	return buf
}

// micros rounds d to whole microseconds, the daemon's resolution.
func micros(d time.Duration) uint32 {
	us := (d + time.Microsecond/2) / time.Microsecond
	if us < 1 {
		us = 1
	}
	return uint32(us)
}

func (w *Waves) Create(pin int, half time.Duration) (hardware.WaveID, error) {
	if half <= 0 {
		return 0, hardware.ErrBadHalfCycle
	}

	bit := uint32(1) << uint(pin)
	us := micros(half)
	ext := encodePulses([]pulse{
		{on: bit, delay: us},
		{off: bit, delay: us},
	})
	if _, err := w.client.command(CMD_WVAG, 0, 0, ext); err != nil {
		return 0, err
	}

	id, err := w.client.command(CMD_WVCRE, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	return hardware.WaveID(id), nil
}

// encodeChain builds a wave chain that sends id count times.
func encodeChain(id hardware.WaveID, count int) ([]byte, error) {
	if id < 0 || id > 249 {
		return nil, errors.Errorf("wave %d cannot be chained", id)
	}
	if count < 1 || count > MAX_CHAIN {
		return nil, errors.Errorf("cannot chain %d repeats", count)
	}

	var chain []byte
	outer, rest := count/MAX_LOOP, count%MAX_LOOP
	if outer > 0 {
		chain = append(chain,
			255, 0,
			255, 0, byte(id), 255, 1, byte(MAX_LOOP&0xff), byte(MAX_LOOP>>8),
			255, 1, byte(outer), byte(outer>>8),
		)
	}
	if rest > 0 {
		chain = append(chain, 255, 0, byte(id), 255, 1, byte(rest), byte(rest>>8))
	}
	return chain, nil
}

func (w *Waves) Send(id hardware.WaveID, count int) error {
	if count == 0 {
		_, err := w.client.command(CMD_WVTXR, uint32(id), 0, nil)
		return err
	}

	chain, err := encodeChain(id, count)
	if err != nil {
		return err
	}
	_, err = w.client.command(CMD_WVCHA, 0, 0, chain)
	return err
}

func (w *Waves) Busy() (bool, error) {
	res, err := w.client.command(CMD_WVBSY, 0, 0, nil)
	return res == 1, err
}

func (w *Waves) Halt() error {
	_, err := w.client.command(CMD_WVHLT, 0, 0, nil)
	return err
}

func (w *Waves) Delete(id hardware.WaveID) error {
	_, err := w.client.command(CMD_WVDEL, uint32(id), 0, nil)
	return err
}
