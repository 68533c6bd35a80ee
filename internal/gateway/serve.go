package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/ivochat/internal/common"
)

// ChatHandler serves GET /chat/:room_name/. Room names that are not UUIDs do not exist.
func (g *Gateway) ChatHandler() gin.HandlerFunc {
	up := g.upgrader()
	return func(c *gin.Context) {
		room := c.Param("room_name")
		if _, err := uuid.Parse(room); err != nil || len(room) != 36 {
			common.Fail(c, http.StatusNotFound, 40401, "room not found")
			return
		}
		g.serve(c, up, ChatRoute(room))
	}
}

// PresenceHandler serves GET /presence/.
func (g *Gateway) PresenceHandler() gin.HandlerFunc {
	up := g.upgrader()
	return func(c *gin.Context) {
		g.serve(c, up, PresenceRoute())
	}
}

func (g *Gateway) serve(c *gin.Context, up *websocket.Upgrader, route Route) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		common.Fail(c, http.StatusBadRequest, 40001, "websocket upgrade required")
		return
	}
	if !up.CheckOrigin(c.Request) {
		common.Fail(c, http.StatusForbidden, 40301, "origin not allowed")
		return
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	conn := newConn(id, route, c.Query("uuid"), g.opts)
	if err := g.track(conn); err != nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "unavailable")
		return
	}
	defer g.untrack(conn)
	// the lifecycle outlives the request context once the socket is hijacked
	ctx := context.WithoutCancel(c.Request.Context())

	if err := g.Connect(ctx, conn); err != nil {
		g.log.Error("connect failed", "conn_id", id, "route", route.Label(), "err", err)
		conn.shutdown(websocket.CloseTryAgainLater)
		g.Disconnect(ctx, conn, websocket.CloseTryAgainLater)
		common.Fail(c, http.StatusServiceUnavailable, 50301, "unavailable")
		return
	}

	ws, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		g.log.Warn("upgrade failed", "conn_id", id, "err", err)
		conn.shutdown(websocket.CloseAbnormalClosure)
		g.Disconnect(ctx, conn, websocket.CloseAbnormalClosure)
		return
	}
	conn.ws = ws
	conn.open()
	g.metrics.ConnOpened(route.Label())

	code := websocket.CloseAbnormalClosure
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic in connection", "conn_id", id, "panic", r)
		}
		conn.shutdown(code)
		g.Disconnect(ctx, conn, int(conn.closeCode.Load()))
		g.metrics.ConnClosed(route.Label())
	}()

	if route.Kind == RoutePresence {
		g.sendSnapshot(ctx, conn)
	}
	go conn.writePump(g.opts)
	code = conn.readPump(g.opts, func(raw []byte) {
		g.Receive(ctx, conn, raw)
	})
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(g.opts.AllowedOrigins),
	}
}

// originChecker accepts requests without an Origin header (non-browser clients).
// With no allow-list configured the origin host must match the request host;
// otherwise it must appear in the list ("*" allows everything).
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimRight(a, "/"))] = struct{}{}
	}
	_, allowAll := set["*"]
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if len(set) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
