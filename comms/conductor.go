package comms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CodedInternet/gosorter/onboard"
	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	CMD_HOME = "home"
	CMD_MOVE = "move"
	CMD_BACK = "back"

	CLIENT_BUFFER = 16
	WRITE_TIMEOUT = time.Second
)

var ErrUnknownCommand = errors.New("unknown command")

// Device is the carriage as seen by the conductor.
type Device interface {
	onboard.Sorter
	Switches() (left, right bool, err error)
	State() (hardware.Status, error)
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Conductor runs commands against the device and fans results and state
// snapshots out to every connected websocket client.
type Conductor struct {
	Device   Device
	Interval time.Duration

	// cancelling ctx aborts any motion started through the conductor
	ctx context.Context

	lock    sync.Mutex
	clients map[*Client]struct{}
}

func NewConductor(ctx context.Context, device Device, interval time.Duration) *Conductor {
	return &Conductor{
		Device:   device,
		Interval: interval,
		ctx:      ctx,
		clients:  make(map[*Client]struct{}),
	}
}

// bind ties ctx to the conductor's lifetime.
func (c *Conductor) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ProcessCommand runs cmd to completion and broadcasts the result. A limit
// switch stop is reported in the result, not as an error.
func (c *Conductor) ProcessCommand(ctx context.Context, cmd Cmd) (res ResultPayload, err error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	res = ResultPayload{Type: PAYLOAD_RESULT, Cmd: cmd}
	switch cmd.Cmd {
	case CMD_HOME:
		res.Homed, err = c.Device.Home(ctx)

	case CMD_MOVE, CMD_BACK:
		var result onboard.MoveResult
		if cmd.Cmd == CMD_MOVE {
			result, err = c.Device.MoveToChannel(ctx, cmd.Channel)
		} else {
			result, err = c.Device.MoveBack(ctx, cmd.Channel)
		}
		if err == nil {
			res.Result = &result
		}

	default:
		err = errors.Wrap(ErrUnknownCommand, cmd.Cmd)
	}

	if err != nil {
		res.Error = err.Error()
		log.WithError(err).WithField("cmd", cmd.Cmd).Warn("command failed")
	}
	c.Broadcast(res)
	return res, err
}

// Snapshot reads the interlock state and both limit switches.
func (c *Conductor) Snapshot() (state StatePayload, err error) {
	status, err := c.Device.State()
	if err != nil {
		return
	}
	left, right, err := c.Device.Switches()
	if err != nil {
		return
	}

	return StatePayload{
		Type:      PAYLOAD_STATE,
		State:     status.State.String(),
		Direction: status.Direction.String(),
		Cause:     status.Cause,
		Switches:  SwitchPayload{Left: left, Right: right},
	}, nil
}

// Broadcast queues v for every client. Clients that have fallen behind miss
// the message.
func (c *Conductor) Broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("unable to encode broadcast")
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	for client := range c.clients {
		select {
		case client.send <- msg:
		default:
			log.WithField("remote", client.conn.RemoteAddr()).Warn("client is behind, dropping message")
		}
	}
}

func (c *Conductor) Clients() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.clients)
}

// Register serves conn until it is closed. Commands read from the socket are
// processed in order.
func (c *Conductor) Register(conn *websocket.Conn) {
	client := &Client{conn: conn, send: make(chan []byte, CLIENT_BUFFER)}

	c.lock.Lock()
	c.clients[client] = struct{}{}
	c.lock.Unlock()
	defer c.remove(client)

	go client.writer()

	if state, err := c.Snapshot(); err == nil {
		c.Broadcast(state)
	}

	for {
		var cmd Cmd
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read")
			}
			return
		}
		c.ProcessCommand(c.ctx, cmd)
	}
}

func (c *Conductor) remove(client *Client) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.clients[client]; !ok {
		return
	}
	delete(c.clients, client)
	close(client.send)
}

func (client *Client) writer() {
	defer client.conn.Close()

	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.WithError(err).Debug("websocket write")
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// UpdateClients pushes a state snapshot every Interval until ctx is done.
func (c *Conductor) UpdateClients(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.Clients() == 0 {
			continue
		}
		state, err := c.Snapshot()
		if err != nil {
			log.WithError(err).Debug("unable to read state")
			continue
		}
		c.Broadcast(state)
	}
}

// Close disconnects every client.
func (c *Conductor) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	for client := range c.clients {
		delete(c.clients, client)
		close(client.send)
	}
}
