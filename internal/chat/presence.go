package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// PresenceEntry is one row of the shared roster; one per identity.
type PresenceEntry struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	RoomName  string `json:"room_name"`
}

// Roster is the set of present identities at one version. Versions grow with
// every change to the shared roster, so a newer roster always has a higher one.
type Roster struct {
	Version int64
	Entries []PresenceEntry
}

// PresenceStore is the slice of the shared store the registry needs.
// OwnedPut and OwnedDelete are atomic and return the version and full roster
// after the change.
type PresenceStore interface {
	OwnedPut(ctx context.Context, key, field string, value []byte, owner string) (int64, [][]byte, error)
	OwnedDelete(ctx context.Context, key, field, owner string) (int64, [][]byte, error)
	OwnedValues(ctx context.Context, key string) (int64, [][]byte, error)
}

// PresenceRegistry keeps the roster of identities with at least one open chat view.
// Every entry is tagged with the room and connection that wrote it, so a stale
// disconnect cannot erase an entry a newer connection already replaced.
type PresenceRegistry struct {
	store PresenceStore
	log   *slog.Logger
}

func NewPresenceRegistry(store PresenceStore, log *slog.Logger) *PresenceRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceRegistry{store: store, log: log}
}

// Upsert replaces the identity's entry (last writer wins) and returns the roster.
func (r *PresenceRegistry) Upsert(ctx context.Context, e PresenceEntry, connID string) (Roster, error) {
	if e.ID == "" || strings.Contains(e.ID, "#") {
		return Roster{}, fmt.Errorf("presence: invalid entry id %q", e.ID)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return Roster{}, err
	}
	v, vals, err := r.store.OwnedPut(ctx, presenceKey, e.ID, b, ownerTag(e.RoomName, connID))
	if err != nil {
		return Roster{}, fmt.Errorf("presence upsert %s: %w", e.ID, err)
	}
	return r.decode(v, vals), nil
}

// Remove drops the identity's entry only while it still belongs to roomName (and
// to connID when one is given). Anything else is a no-op; the roster is returned
// either way.
func (r *PresenceRegistry) Remove(ctx context.Context, identityID, roomName, connID string) (Roster, error) {
	v, vals, err := r.store.OwnedDelete(ctx, presenceKey, identityID, ownerTag(roomName, connID))
	if err != nil {
		return Roster{}, fmt.Errorf("presence remove %s: %w", identityID, err)
	}
	return r.decode(v, vals), nil
}

func (r *PresenceRegistry) Snapshot(ctx context.Context) (Roster, error) {
	v, vals, err := r.store.OwnedValues(ctx, presenceKey)
	if err != nil {
		return Roster{}, fmt.Errorf("presence snapshot: %w", err)
	}
	return r.decode(v, vals), nil
}

// ownerTag is "<room>\n<conn>"; with no conn it is the bare "<room>" prefix,
// which the store matches against any connection in that room.
func ownerTag(room, connID string) string {
	if connID == "" {
		return room
	}
	return room + "\n" + connID
}

func (r *PresenceRegistry) decode(version int64, vals [][]byte) Roster {
	out := make([]PresenceEntry, 0, len(vals))
	for _, v := range vals {
		var e PresenceEntry
		if err := json.Unmarshal(v, &e); err != nil || e.ID == "" {
			r.log.Warn("presence: skipping undecodable roster entry", "err", err)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Roster{Version: version, Entries: out}
}

// PresenceFrame wraps a roster the way presence viewers expect it:
// {"version": N, "message": [...]}.
func PresenceFrame(roster Roster) ([]byte, error) {
	entries := roster.Entries
	if entries == nil {
		entries = []PresenceEntry{}
	}
	return json.Marshal(struct {
		Version int64           `json:"version"`
		Message []PresenceEntry `json:"message"`
	}{roster.Version, entries})
}

// FrameVersion reads the roster version out of a presence frame.
func FrameVersion(frame []byte) (int64, bool) {
	var v struct {
		Version *int64 `json:"version"`
	}
	if err := json.Unmarshal(frame, &v); err != nil || v.Version == nil {
		return 0, false
	}
	return *v.Version, true
}
