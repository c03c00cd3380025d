package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection lifecycle states.
const (
	StateConnecting = iota
	StateAuthenticating
	StateAuthenticated
	StateRegistered
	StateActive
	StateClosed
)

// Connection roles, settled at registration time.
const (
	RoleNone   = ""
	RoleAgent  = "agent"
	RoleClient = "client"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Conn wraps one websocket connection. All protocol state on it is only
// touched from the connection's own read loop; outbound traffic goes
// through the buffered send channel so broadcasts never block on a slow
// reader.
type Conn struct {
	ID string
	IP string

	// Set during the auth phase, before the read loop starts.
	UserID        string
	TokenCode     string
	TokenVerified bool

	// Protocol state, owned by the read loop.
	State   int
	Role    string
	Room    string
	AgentID string

	ws   *websocket.Conn
	send chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded websocket. A nil ws is allowed, tests drive
// the router directly and read replies off the send channel.
func NewConn(id, ip string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:    id,
		IP:    ip,
		State: StateConnecting,
		ws:    ws,
		send:  make(chan Envelope, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// Send queues an envelope for delivery. A full buffer drops the event
// rather than stalling the caller, slow consumers miss broadcasts.
func (c *Conn) Send(ev Envelope) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		zap.L().Warn("Dropping event, send buffer full",
			zap.String("connID", c.ID),
			zap.String("event", ev.Event))
	}
}

// WriteNow writes an envelope straight to the wire. Only safe during the
// auth phase, before the write pump owns the connection.
func (c *Conn) WriteNow(ev Envelope) {
	if c.ws == nil {
		c.Send(ev)
		return
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(ev); err != nil {
		zap.L().Debug("Direct write failed", zap.String("connID", c.ID), zap.Error(err))
	}
}

// Outbox exposes the send channel for tests.
func (c *Conn) Outbox() <-chan Envelope {
	return c.send
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.State = StateClosed
		close(c.done)

		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// WritePump drains the send channel onto the wire and keeps the
// connection alive with pings. Runs as a goroutine per connection.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.ws.WriteJSON(ev); err != nil {
				zap.L().Debug("Write failed, dropping connection", zap.String("connID", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump decodes envelopes off the wire and hands them to the router
// one at a time. Events on a single connection never interleave. Blocks
// until the connection dies, the caller is responsible for cleanup.
func (c *Conn) ReadPump(r *Router) {
	defer c.Close()

	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("Unexpected websocket close", zap.String("connID", c.ID), zap.Error(err))
			}
			return
		}

		r.Handle(c, env)
	}
}
