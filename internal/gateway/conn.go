package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/suPer8Hu/ivochat/internal/chat"
)

var (
	ErrConnClosed   = errors.New("gateway: connection closed")
	ErrSlowConsumer = errors.New("gateway: send queue full")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type RouteKind int

const (
	RouteChat RouteKind = iota
	RoutePresence
)

// Route is what a connection was opened against: one user's room, or the presence view.
type Route struct {
	Kind RouteKind
	Room string
}

func ChatRoute(room string) Route { return Route{Kind: RouteChat, Room: room} }
func PresenceRoute() Route        { return Route{Kind: RoutePresence} }

// Group is the fan-out group the connection joins.
func (r Route) Group() string {
	if r.Kind == RoutePresence {
		return chat.PresenceGroup
	}
	return chat.RoomGroup(r.Room)
}

// Label is the metrics/log name of the route kind.
func (r Route) Label() string {
	if r.Kind == RoutePresence {
		return "presence"
	}
	return "chat"
}

// Conn is one client connection. It starts CONNECTING with a buffered outbound
// queue, so group traffic that arrives before the upgrade completes is kept.
// It moves to OPEN once the socket is attached and to CLOSED exactly once.
type Conn struct {
	id      string
	route   Route
	claimed string // identity id the client put in ?uuid=

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32

	// rosterMu orders version checks with enqueueing on presence connections.
	rosterMu      sync.Mutex
	rosterVersion int64

	limiter *rate.Limiter
	ws      *websocket.Conn
}

func newConn(id string, route Route, claimed string, opts Options) *Conn {
	c := &Conn{
		id:      id,
		route:   route,
		claimed: claimed,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),

		rosterVersion: -1,
	}
	if opts.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst)
	}
	c.closeCode.Store(websocket.CloseNormalClosure)
	return c
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) State() State { return State(c.state.Load()) }

// Send queues msg for the write pump without blocking. A connection that cannot
// keep up is closed rather than allowed to hold up the group.
//
// Presence connections only take rosters newer than the last one queued; roster
// writes race across goroutines and instances, and an older one arriving late
// would otherwise overwrite a newer view.
func (c *Conn) Send(msg []byte) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	if c.route.Kind == RoutePresence {
		if v, ok := chat.FrameVersion(msg); ok {
			c.rosterMu.Lock()
			defer c.rosterMu.Unlock()
			if v <= c.rosterVersion {
				return nil
			}
			c.rosterVersion = v
		}
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.shutdown(websocket.ClosePolicyViolation)
		return ErrSlowConsumer
	}
}

func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// shutdown marks the connection CLOSED and stops its pumps. Safe to call any
// number of times from any goroutine; only the first call counts.
func (c *Conn) shutdown(code int) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeCode.Store(int32(code))
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return first
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump owns every write to the socket.
func (c *Conn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.done:
			code := int(c.closeCode.Load())
			if code != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""), time.Now().Add(opts.WriteWait))
			}
			return
		}
	}
}

// readPump feeds inbound data frames to handle until the socket fails or the
// pong deadline passes, and returns the close code seen.
func (c *Conn) readPump(opts Options, handle func([]byte)) int {
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return websocket.CloseMessageTooBig
			}
			return websocket.CloseAbnormalClosure
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}
