package pigpio

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// report flags
const (
	NTFY_FLAGS_EVENT = 1 << 7
	NTFY_FLAGS_ALIVE = 1 << 6
	NTFY_FLAGS_WDOG  = 1 << 5
)

const REPORT_SIZE = 12

type report struct {
	Seq   uint16
	Flags uint16
	Tick  uint32
	Level uint32
}

func decodeReport(b []byte) report {
	return report{
		Seq:   binary.LittleEndian.Uint16(b[0:]),
		Flags: binary.LittleEndian.Uint16(b[2:]),
		Tick:  binary.LittleEndian.Uint32(b[4:]),
		Level: binary.LittleEndian.Uint32(b[8:]),
	}
}

// notifier owns the second socket the daemon streams level reports on.
// Watchers run on its reader goroutine, one report at a time.
type notifier struct {
	client *Client
	conn   net.Conn
	handle uint32

	lock     sync.Mutex
	watchers map[int]map[int]func(hardware.Level)
	known    map[int]bool
	levels   uint32
	nextID   int
	closed   bool

	done chan struct{}
}

func openNotifier(c *Client) (*notifier, error) {
	conn, err := net.DialTimeout("tcp", c.addr, DIAL_TIMEOUT)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open pigpio notification socket")
	}

	handle, err := roundTrip(conn, CMD_NOIB, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	n := &notifier{
		client:   c,
		conn:     conn,
		handle:   uint32(handle),
		watchers: make(map[int]map[int]func(hardware.Level)),
		known:    make(map[int]bool),
		done:     make(chan struct{}),
	}
	go n.listen()
	return n, nil
}

func (n *notifier) listen() {
	defer close(n.done)

	buf := make([]byte, REPORT_SIZE)
	for {
		if _, err := io.ReadFull(n.conn, buf); err != nil {
			n.lock.Lock()
			closed := n.closed
			n.lock.Unlock()
			if !closed {
				log.WithError(err).Error("pigpio notification stream ended")
			}
			return
		}

		r := decodeReport(buf)
		if r.Flags&(NTFY_FLAGS_EVENT|NTFY_FLAGS_ALIVE|NTFY_FLAGS_WDOG) != 0 {
			continue
		}
		n.deliver(r.Level)
	}
}

type delivery struct {
	fn    func(hardware.Level)
	level hardware.Level
}

func (n *notifier) deliver(levels uint32) {
	n.lock.Lock()
	var calls []delivery
	for pin, fns := range n.watchers {
		bit := uint32(1) << uint(pin)
		if n.known[pin] && (n.levels^levels)&bit == 0 {
			continue
		}
		n.known[pin] = true

		level := hardware.Low
		if levels&bit != 0 {
			level = hardware.High
		}
		for _, fn := range fns {
			calls = append(calls, delivery{fn, level})
		}
	}
	n.levels = levels
	n.lock.Unlock()

	for _, call := range calls {
		call.fn(call.level)
	}
}

// level returns the last reported level of a watched pin.
func (n *notifier) level(pin int) (hardware.Level, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if !n.known[pin] {
		return hardware.Low, false
	}
	if n.levels&(1<<uint(pin)) != 0 {
		return hardware.High, true
	}
	return hardware.Low, true
}

func (n *notifier) mask() uint32 {
	var bits uint32
	for pin, fns := range n.watchers {
		if len(fns) > 0 {
			bits |= 1 << uint(pin)
		}
	}
	return bits
}

func (n *notifier) watch(pin int, fn func(hardware.Level)) (func(), error) {
	if pin < 0 || pin > 31 {
		return nil, errors.Errorf("pin %d cannot be watched", pin)
	}

	initial, err := n.client.readRaw(pin)
	if err != nil {
		return nil, err
	}

	n.lock.Lock()
	if n.watchers[pin] == nil {
		n.watchers[pin] = make(map[int]func(hardware.Level))
	}
	id := n.nextID
	n.nextID++
	n.watchers[pin][id] = fn
	if !n.known[pin] {
		n.known[pin] = true
		if initial == hardware.High {
			n.levels |= 1 << uint(pin)
		} else {
			n.levels &^= 1 << uint(pin)
		}
	}
	bits := n.mask()
	n.lock.Unlock()

	if _, err := n.client.command(CMD_NB, n.handle, bits, nil); err != nil {
		n.remove(pin, id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			bits := n.remove(pin, id)
			n.lock.Lock()
			closed := n.closed
			n.lock.Unlock()
			if closed {
				return
			}
			if _, err := n.client.command(CMD_NB, n.handle, bits, nil); err != nil {
				log.WithError(err).WithField("pin", pin).Warn("unable to update pigpio notification mask")
			}
		})
	}, nil
}

func (n *notifier) remove(pin, id int) uint32 {
	n.lock.Lock()
	defer n.lock.Unlock()

	delete(n.watchers[pin], id)
	if len(n.watchers[pin]) == 0 {
		delete(n.watchers, pin)
		delete(n.known, pin)
	}
	return n.mask()
}

func (n *notifier) close() error {
	n.lock.Lock()
	n.closed = true
	n.lock.Unlock()

	_, err := n.client.command(CMD_NC, n.handle, 0, nil)
	n.conn.Close()
	<-n.done
	return err
}
