package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ivochat/internal/common"
)

type HistoryService interface {
	Get(ctx context.Context, room string) ([]json.RawMessage, error)
	Clear(ctx context.Context, room string) error
}

// Pinger reports whether a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	History HistoryService
	// Checks are consulted by /ping, keyed by the name reported on failure.
	Checks map[string]Pinger
	Log    *slog.Logger
}

func NewHandler(history HistoryService, checks map[string]Pinger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{History: history, Checks: checks, Log: log}
}

// Ping answers pong when every backing service answers.
func (h *Handler) Ping(c *gin.Context) {
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.Checks[name].Ping(c.Request.Context()); err != nil {
			h.Log.Warn("ping: dependency unhealthy", "dependency", name, "err", err)
			common.Fail(c, http.StatusServiceUnavailable, 50301, name+" unavailable")
			return
		}
	}
	common.OK(c, gin.H{"pong": true})
}
