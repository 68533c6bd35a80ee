package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ivochat/internal/common"
	"github.com/suPer8Hu/ivochat/internal/gateway"
	"github.com/suPer8Hu/ivochat/internal/httpapi/handlers"
	"github.com/suPer8Hu/ivochat/internal/httpapi/middleware"
)

type Deps struct {
	JWTSecret string
	Handler   *handlers.Handler
	Gateway   *gateway.Gateway
	Metrics   http.Handler // nil leaves /metrics unrouted
	Log       *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Log))

	h := d.Handler
	r.GET("/ping", h.Ping)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	// websocket
	r.GET("/chat/:room_name/", d.Gateway.ChatHandler())
	r.GET("/presence/", d.Gateway.PresenceHandler())

	// history (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.JWTSecret))
	authGroup.GET("/chat-history/:room_name/", h.GetChatHistory)
	authGroup.DELETE("/chat-history/:room_name/", h.DeleteChatHistory)
	return r
}
