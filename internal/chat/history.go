package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

var ErrInvalidRoom = errors.New("invalid room name")

const maxRoomNameLen = 128

// HistoryService is the read/clear side of room history exposed over HTTP.
type HistoryService struct {
	relay *Relay
	log   *slog.Logger
}

func NewHistoryService(relay *Relay, log *slog.Logger) *HistoryService {
	if log == nil {
		log = slog.Default()
	}
	return &HistoryService{relay: relay, log: log}
}

// Get returns the stored frames oldest first. Entries that are no longer valid
// JSON are skipped rather than failing the whole read.
func (s *HistoryService) Get(ctx context.Context, room string) ([]json.RawMessage, error) {
	if err := validRoom(room); err != nil {
		return nil, err
	}
	items, err := s.relay.GetHistory(ctx, room)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if !json.Valid(it) {
			s.log.Warn("history: skipping corrupt entry", "room", room)
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *HistoryService) Clear(ctx context.Context, room string) error {
	if err := validRoom(room); err != nil {
		return err
	}
	return s.relay.ClearHistory(ctx, room)
}

func validRoom(room string) error {
	if strings.TrimSpace(room) == "" || len(room) > maxRoomNameLen || strings.ContainsAny(room, "\n\r") {
		return ErrInvalidRoom
	}
	return nil
}
