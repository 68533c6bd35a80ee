package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ivochat/internal/chat"
	"github.com/suPer8Hu/ivochat/internal/common"
	"github.com/suPer8Hu/ivochat/internal/httpapi/middleware"
)

// GetChatHistory returns the room's stored frames as a bare JSON array.
func (h *Handler) GetChatHistory(c *gin.Context) {
	room := c.Param("room_name")
	items, err := h.History.Get(c.Request.Context(), room)
	if err != nil {
		h.historyError(c, room, err)
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, items)
}

// DeleteChatHistory empties the room's history and answers {}.
func (h *Handler) DeleteChatHistory(c *gin.Context) {
	room := c.Param("room_name")
	if err := h.History.Clear(c.Request.Context(), room); err != nil {
		h.historyError(c, room, err)
		return
	}
	h.Log.Info("chat history cleared", "room", room, "user_id", c.GetString(middleware.UserIDKey))
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) historyError(c *gin.Context, room string, err error) {
	if errors.Is(err, chat.ErrInvalidRoom) {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid room name")
		return
	}
	h.Log.Error("chat history", "room", room, "err", err)
	common.Fail(c, http.StatusInternalServerError, 50001, "history unavailable")
}
