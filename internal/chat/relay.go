package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/ivochat/internal/common"
	"github.com/suPer8Hu/ivochat/internal/group"
)

const roomLockStripes = 64

// HistoryStore is the slice of the shared store used for room history.
type HistoryStore interface {
	Append(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	List(ctx context.Context, key string) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

// Observer receives relay events; the metrics package implements it.
type Observer interface {
	MessageRelayed(room string)
	HistoryWriteFailed(room string)
	HistoryDropped(room string)
}

type nopObserver struct{}

func (nopObserver) MessageRelayed(string)     {}
func (nopObserver) HistoryWriteFailed(string) {}
func (nopObserver) HistoryDropped(string)     {}

type RelayConfig struct {
	HistoryTTL time.Duration
	// Writers > 0 moves history appends onto a room-sharded worker pool;
	// 0 appends inline before broadcasting.
	Writers  int
	QueueLen int
	Observer Observer
}

// Relay stores chat frames in a room's history and fans them out to the room group.
type Relay struct {
	history HistoryStore
	layer   group.Layer
	ttl     time.Duration
	obs     Observer
	log     *slog.Logger
	writer  *writer

	locks [roomLockStripes]sync.Mutex
}

func NewRelay(history HistoryStore, layer group.Layer, cfg RelayConfig, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	r := &Relay{history: history, layer: layer, ttl: cfg.HistoryTTL, obs: obs, log: log}
	if cfg.Writers > 0 {
		r.writer = newWriter(r.Append, cfg.Writers, cfg.QueueLen, obs, log)
	}
	return r
}

// Append adds the frame to the room's history. A new history list expires after
// the configured TTL; appending to an existing one leaves its expiry alone.
func (r *Relay) Append(ctx context.Context, room string, msg Message) error {
	if _, err := r.history.Append(ctx, HistoryKey(room), msg.Bytes(), r.ttl); err != nil {
		return fmt.Errorf("append history %s: %w", room, err)
	}
	return nil
}

// Broadcast delivers payload to every current member of the group.
func (r *Relay) Broadcast(ctx context.Context, groupName string, payload []byte) error {
	return r.layer.Send(ctx, groupName, payload)
}

// GetHistory returns the room's frames oldest first; an unknown room is empty.
func (r *Relay) GetHistory(ctx context.Context, room string) ([]json.RawMessage, error) {
	vals, err := r.history.List(ctx, HistoryKey(room))
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", room, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (r *Relay) ClearHistory(ctx context.Context, room string) error {
	if err := r.history.Delete(ctx, HistoryKey(room)); err != nil {
		return fmt.Errorf("clear history %s: %w", room, err)
	}
	return nil
}

// Publish records msg and fans it out to the room. Frames for one room are
// serialized here so history order and delivery order agree.
// Store and delivery failures are logged, never returned to the sender.
func (r *Relay) Publish(ctx context.Context, room string, msg Message) {
	mu := &r.locks[common.ShardForKey(room, roomLockStripes)]
	mu.Lock()
	defer mu.Unlock()

	if r.writer != nil {
		if !r.writer.enqueue(room, msg) {
			r.obs.HistoryDropped(room)
			r.log.Warn("history queue full, frame not persisted", "room", room)
		}
	} else if err := r.Append(ctx, room, msg); err != nil {
		r.obs.HistoryWriteFailed(room)
		r.log.Error("history append failed", "room", room, "err", err)
	}

	if err := r.Broadcast(ctx, RoomGroup(room), msg.Bytes()); err != nil {
		switch {
		case errors.Is(err, group.ErrClosed):
			r.log.Debug("room broadcast after shutdown", "room", room)
			return
		case errors.Is(err, group.ErrBrokerUnavailable):
			// delivered to this instance only
			r.log.Warn("room broadcast stayed local", "room", room, "err", err)
		default:
			r.log.Error("room broadcast failed", "room", room, "err", err)
			return
		}
	}
	r.obs.MessageRelayed(room)
}

// Close drains pending history writes.
func (r *Relay) Close(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.close(ctx)
}
