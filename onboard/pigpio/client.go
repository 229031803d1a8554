// Package pigpio talks to the pigpio daemon over its socket interface. Step
// pulses are generated by the daemon's DMA waveforms so their timing does not
// depend on this process being scheduled.
package pigpio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	DEFAULT_ADDR = "localhost:8888"
	DIAL_TIMEOUT = 3 * time.Second
)

// socket command numbers, see the pigpio sif documentation
const (
	CMD_MODES = 0
	CMD_PUD   = 2
	CMD_READ  = 3
	CMD_WRITE = 4
	CMD_NB    = 19
	CMD_NC    = 21
	CMD_PIGPV = 26
	CMD_WVCLR = 27
	CMD_WVAG  = 28
	CMD_WVBSY = 32
	CMD_WVHLT = 33
	CMD_WVCRE = 49
	CMD_WVDEL = 50
	CMD_WVTXR = 52
	CMD_WVCHA = 93
	CMD_FG    = 97
	CMD_NOIB  = 99
)

const (
	MODE_INPUT  = 0
	MODE_OUTPUT = 1

	PUD_OFF  = 0
	PUD_DOWN = 1
	PUD_UP   = 2

	// longest steady period accepted by the glitch filter
	MAX_FILTER = 300 * time.Millisecond
)

var errorNames = map[int32]string{
	-2:   "bad user gpio",
	-3:   "bad gpio",
	-4:   "bad mode",
	-5:   "bad level",
	-6:   "bad pull",
	-25:  "bad handle",
	-41:  "gpio not permitted",
	-66:  "bad wave id",
	-69:  "empty waveform",
	-70:  "no waveform id available",
	-125: "bad filter parameter",
}

// Error is a negative status returned by the daemon.
type Error struct {
	Cmd  uint32
	Code int32
}

func (err Error) Error() string {
	name, ok := errorNames[err.Code]
	if !ok {
		name = "unknown error"
	}
	return fmt.Sprintf("pigpio command %d failed: %s (%d)", err.Cmd, name, err.Code)
}

// Client is a connection to the daemon. It implements hardware.GPIO.
type Client struct {
	addr string

	lock sync.Mutex // one command in flight at a time
	conn net.Conn

	waves *Waves

	notifyLock sync.Mutex
	notify     *notifier

	filterLock sync.Mutex
	filtered   map[int]bool
}

func Dial(addr string) (*Client, error) {
	if addr == "" {
		addr = DEFAULT_ADDR
	}

	conn, err := net.DialTimeout("tcp", addr, DIAL_TIMEOUT)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to pigpiod at %s", addr)
	}

	c := &Client{
		addr:     addr,
		conn:     conn,
		filtered: make(map[int]bool),
	}
	c.waves = &Waves{client: c}

	version, err := c.command(CMD_PIGPV, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"addr": addr, "version": version}).Info("connected to pigpiod")

	// start from an empty wave table
	if _, err = c.command(CMD_WVCLR, 0, 0, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func encodeCommand(cmd, p1, p2 uint32, ext []byte) []byte {
	buf := make([]byte, 16+len(ext))
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], p1)
	binary.LittleEndian.PutUint32(buf[8:], p2)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(ext)))
	copy(buf[16:], ext)
	return buf
}

func roundTrip(conn io.ReadWriter, cmd, p1, p2 uint32, ext []byte) (int32, error) {
	if _, err := conn.Write(encodeCommand(cmd, p1, p2, ext)); err != nil {
		return 0, errors.Wrapf(err, "unable to send pigpio command %d", cmd)
	}

	resp := make([]byte, 16)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, errors.Wrapf(err, "no response to pigpio command %d", cmd)
	}

	res := int32(binary.LittleEndian.Uint32(resp[12:]))
	if res < 0 {
		return res, Error{Cmd: cmd, Code: res}
	}
	return res, nil
}

func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conn == nil {
		return 0, errors.New("pigpio connection closed")
	}
	return roundTrip(c.conn, cmd, p1, p2, ext)
}

func (c *Client) SetOutput(pin int) error {
	_, err := c.command(CMD_MODES, uint32(pin), MODE_OUTPUT, nil)
	return err
}

func (c *Client) SetInput(pin int, pull hardware.Pull) error {
	if _, err := c.command(CMD_MODES, uint32(pin), MODE_INPUT, nil); err != nil {
		return err
	}

	pud := uint32(PUD_OFF)
	switch pull {
	case hardware.PullUp:
		pud = PUD_UP
	case hardware.PullDown:
		pud = PUD_DOWN
	}
	_, err := c.command(CMD_PUD, uint32(pin), pud, nil)
	return err
}

// Read returns the level of pin. The daemon only applies glitch filters to
// notifications, so a filtered pin that is being watched reports the last
// notified level instead of the raw one.
func (c *Client) Read(pin int) (hardware.Level, error) {
	c.filterLock.Lock()
	filtered := c.filtered[pin]
	c.filterLock.Unlock()

	if filtered {
		if n := c.notifier(); n != nil {
			if level, ok := n.level(pin); ok {
				return level, nil
			}
		}
	}
	return c.readRaw(pin)
}

func (c *Client) readRaw(pin int) (hardware.Level, error) {
	res, err := c.command(CMD_READ, uint32(pin), 0, nil)
	if err != nil {
		return hardware.Low, err
	}
	if res == 0 {
		return hardware.Low, nil
	}
	return hardware.High, nil
}

func (c *Client) Write(pin int, level hardware.Level) error {
	_, err := c.command(CMD_WRITE, uint32(pin), uint32(level), nil)
	return err
}

func (c *Client) SetGlitchFilter(pin int, window time.Duration) error {
	if window > MAX_FILTER {
		return errors.Errorf("glitch filter of %s is longer than %s", window, MAX_FILTER)
	}
	if window < 0 {
		window = 0
	}

	us := uint32(window / time.Microsecond)
	if _, err := c.command(CMD_FG, uint32(pin), us, nil); err != nil {
		return err
	}

	c.filterLock.Lock()
	c.filtered[pin] = us > 0
	c.filterLock.Unlock()
	return nil
}

func (c *Client) Watch(pin int, fn func(hardware.Level)) (func(), error) {
	n, err := c.startNotify()
	if err != nil {
		return nil, err
	}
	return n.watch(pin, fn)
}

func (c *Client) Waves() hardware.Waveformer {
	return c.waves
}

func (c *Client) notifier() *notifier {
	c.notifyLock.Lock()
	defer c.notifyLock.Unlock()
	return c.notify
}

func (c *Client) startNotify() (*notifier, error) {
	c.notifyLock.Lock()
	defer c.notifyLock.Unlock()

	if c.notify != nil {
		return c.notify, nil
	}

	n, err := openNotifier(c)
	if err != nil {
		return nil, err
	}
	c.notify = n
	return n, nil
}

// Close stops any wave, closes the notification stream and disconnects.
// Closing twice is a no-op.
func (c *Client) Close() (err error) {
	c.lock.Lock()
	closed := c.conn == nil
	c.lock.Unlock()
	if closed {
		return nil
	}

	err = c.waves.Halt()

	c.notifyLock.Lock()
	n := c.notify
	c.notify = nil
	c.notifyLock.Unlock()
	if n != nil {
		err = multierr.Append(err, n.close())
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
		c.conn = nil
	}
	return err
}
