// Package gateway owns websocket connection lifecycles: it registers presence,
// joins fan-out groups, relays inbound chat frames and tears everything down
// exactly once when a connection ends.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/ivochat/internal/chat"
	"github.com/suPer8Hu/ivochat/internal/directory"
	"github.com/suPer8Hu/ivochat/internal/group"
	"github.com/suPer8Hu/ivochat/internal/metrics"
)

const opTimeout = 5 * time.Second

type Resolver interface {
	Resolve(ctx context.Context, id string) (*directory.Identity, error)
}

type Presence interface {
	Upsert(ctx context.Context, e chat.PresenceEntry, connID string) (chat.Roster, error)
	Remove(ctx context.Context, identityID, roomName, connID string) (chat.Roster, error)
	Snapshot(ctx context.Context) (chat.Roster, error)
}

type Relay interface {
	Publish(ctx context.Context, room string, msg chat.Message)
	Broadcast(ctx context.Context, groupName string, payload []byte) error
}

type Metrics interface {
	ConnOpened(route string)
	ConnClosed(route string)
	FrameReceived(route, outcome string)
	RosterSize(n int)
}

type nopMetrics struct{}

func (nopMetrics) ConnOpened(string)            {}
func (nopMetrics) ConnClosed(string)            {}
func (nopMetrics) FrameReceived(string, string) {}
func (nopMetrics) RosterSize(int)               {}

type Options struct {
	SendBuffer      int
	InboundRate     float64 // frames per second; <= 0 disables the limiter
	InboundBurst    int
	MaxMessageBytes int64
	AllowedOrigins  []string

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 1
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

type Gateway struct {
	layer    group.Layer
	presence Presence
	relay    Relay
	resolver Resolver
	metrics  Metrics
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	live    map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

var errShuttingDown = errors.New("gateway: shutting down")

func New(layer group.Layer, presence Presence, relay Relay, resolver Resolver, m Metrics, opts Options, log *slog.Logger) *Gateway {
	if m == nil {
		m = nopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		layer:    layer,
		presence: presence,
		relay:    relay,
		resolver: resolver,
		metrics:  m,
		opts:     opts.withDefaults(),
		log:      log,
		live:     make(map[*Conn]struct{}),
	}
}

func (g *Gateway) track(c *Conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return errShuttingDown
	}
	g.live[c] = struct{}{}
	g.wg.Add(1)
	return nil
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.live, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Shutdown refuses new connections, closes live ones with 1001 and waits until
// each has run its disconnect cleanup, or until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.live))
	for c := range g.live {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers the connection while it is still CONNECTING. For a chat
// room the room owner's identity is resolved and upserted into presence; a
// directory miss or a store failure only skips presence. Failing to join the
// group rejects the connection and takes back the presence entry it wrote.
func (g *Gateway) Connect(ctx context.Context, c *Conn) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	log := g.log.With("conn_id", c.id, "route", c.route.Label(), "room", c.route.Room)
	var registered string
	if c.route.Kind == RouteChat {
		registered = g.registerPresence(ctx, c, log)
	}
	if err := g.layer.Join(ctx, c.route.Group(), c); err != nil {
		if registered != "" {
			g.unregisterPresence(ctx, c, registered, log)
		}
		return fmt.Errorf("join %s: %w", c.route.Group(), err)
	}
	log.Debug("connection registered")
	return nil
}

// registerPresence returns the identity id it upserted, or "" when it skipped.
func (g *Gateway) registerPresence(ctx context.Context, c *Conn, log *slog.Logger) string {
	ident, err := g.resolver.Resolve(ctx, c.route.Room)
	if err != nil {
		if errors.Is(err, directory.ErrIdentityNotFound) {
			log.Info("no identity for room, presence skipped")
		} else {
			log.Warn("identity lookup failed, presence skipped", "err", err)
		}
		return ""
	}
	roster, err := g.presence.Upsert(ctx, chat.PresenceEntry{
		ID:        ident.ID,
		FirstName: ident.FirstName,
		LastName:  ident.LastName,
		Username:  ident.Username,
		RoomName:  c.route.Room,
	}, c.id)
	if err != nil {
		log.Error("presence upsert failed", "identity_id", ident.ID, "err", err)
		return ""
	}
	g.broadcastRoster(ctx, roster)
	return ident.ID
}

// unregisterPresence drops the entry c wrote, if c still owns it.
func (g *Gateway) unregisterPresence(ctx context.Context, c *Conn, identityID string, log *slog.Logger) {
	roster, err := g.presence.Remove(ctx, identityID, c.route.Room, c.id)
	if err != nil {
		log.Error("presence remove failed", "identity_id", identityID, "err", err)
		return
	}
	g.broadcastRoster(ctx, roster)
}

// Disconnect undoes Connect. It never fails: every error is logged.
// Presence is only removed when the client's ?uuid= names the room being
// closed, and then only if this connection still owns the entry.
func (g *Gateway) Disconnect(ctx context.Context, c *Conn, code int) {
	log := g.log.With("conn_id", c.id, "route", c.route.Label(), "room", c.route.Room, "code", code)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during disconnect", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if c.route.Kind == RouteChat && c.claimed != "" && c.claimed == c.route.Room {
		g.unregisterPresence(ctx, c, c.claimed, log)
	}
	if err := g.layer.Leave(ctx, c.route.Group(), c); err != nil {
		log.Warn("leave group failed", "err", err)
	}
	log.Debug("connection closed")
}

// Receive handles one inbound data frame. Malformed or rate limited frames are
// dropped and the connection stays open.
func (g *Gateway) Receive(ctx context.Context, c *Conn, raw []byte) {
	route := c.route.Label()
	if c.route.Kind != RouteChat {
		g.log.Debug("ignoring frame on presence connection", "conn_id", c.id)
		return
	}
	if !c.allow() {
		g.metrics.FrameReceived(route, metrics.FrameRateLimited)
		g.log.Warn("frame rate limited", "conn_id", c.id, "room", c.route.Room)
		return
	}
	msg, err := chat.ParseMessage(raw)
	if err != nil {
		g.metrics.FrameReceived(route, metrics.FrameInvalid)
		g.log.Warn("dropping malformed frame", "conn_id", c.id, "room", c.route.Room, "err", err)
		return
	}
	g.metrics.FrameReceived(route, metrics.FrameAccepted)
	g.log.Debug("frame accepted", "conn_id", c.id, "room", c.route.Room, "type", msg.Type())
	g.relay.Publish(ctx, c.route.Room, msg)
}

// sendSnapshot pushes the current roster to c alone.
func (g *Gateway) sendSnapshot(ctx context.Context, c *Conn) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	roster, err := g.presence.Snapshot(ctx)
	if err != nil {
		g.log.Error("presence snapshot failed", "conn_id", c.id, "err", err)
		return
	}
	frame, err := chat.PresenceFrame(roster)
	if err != nil {
		g.log.Error("encode roster", "err", err)
		return
	}
	g.metrics.RosterSize(len(roster.Entries))
	if err := c.Send(frame); err != nil {
		g.log.Warn("snapshot not delivered", "conn_id", c.id, "err", err)
	}
}

func (g *Gateway) broadcastRoster(ctx context.Context, roster chat.Roster) {
	frame, err := chat.PresenceFrame(roster)
	if err != nil {
		g.log.Error("encode roster", "err", err)
		return
	}
	g.metrics.RosterSize(len(roster.Entries))
	err = g.relay.Broadcast(ctx, chat.PresenceGroup, frame)
	switch {
	case err == nil, errors.Is(err, group.ErrClosed):
	case errors.Is(err, group.ErrBrokerUnavailable):
		g.log.Warn("roster broadcast stayed local", "version", roster.Version, "err", err)
	default:
		g.log.Error("roster broadcast failed", "version", roster.Version, "err", err)
	}
}
