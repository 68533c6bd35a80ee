package chat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, room string) PresenceEntry {
	return PresenceEntry{ID: id, FirstName: "F" + id, LastName: "L" + id, Username: "u" + id, RoomName: room}
}

func ids(roster Roster) []string {
	out := make([]string, len(roster.Entries))
	for i, e := range roster.Entries {
		out[i] = e.ID + "@" + e.RoomName
	}
	return out
}

func TestPresence_UpsertReplacesPerIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)

	roster, err := reg.Upsert(bg, entry("a", "r1"), "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"a@r1"}, ids(roster))

	_, err = reg.Upsert(bg, entry("b", "r1"), "c2")
	require.NoError(t, err)

	roster, err = reg.Upsert(bg, entry("a", "r2"), "c3")
	require.NoError(t, err)
	require.Equal(t, []string{"a@r2", "b@r1"}, ids(roster))
	require.Equal(t, int64(3), roster.Version)

	snap, err := reg.Snapshot(bg)
	require.NoError(t, err)
	require.Equal(t, roster, snap)
}

func TestPresence_RemoveOnlyByOwner(t *testing.T) {
	s, _ := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)

	_, err := reg.Upsert(bg, entry("a", "r1"), "c1")
	require.NoError(t, err)
	// same identity moves to r2 on a newer connection
	_, err = reg.Upsert(bg, entry("a", "r2"), "c2")
	require.NoError(t, err)

	// the old r1 connection closing must not erase the r2 entry
	roster, err := reg.Remove(bg, "a", "r1", "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"a@r2"}, ids(roster))
	require.Equal(t, int64(2), roster.Version)

	// a second connection in r2 that was superseded is also ignored
	roster, err = reg.Remove(bg, "a", "r2", "stale")
	require.NoError(t, err)
	require.Equal(t, []string{"a@r2"}, ids(roster))

	roster, err = reg.Remove(bg, "a", "r2", "c2")
	require.NoError(t, err)
	require.Empty(t, roster.Entries)
	require.Equal(t, int64(3), roster.Version)
}

func TestPresence_RemoveByRoomWithoutConn(t *testing.T) {
	s, _ := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)

	_, err := reg.Upsert(bg, entry("a", "room"), "c1")
	require.NoError(t, err)

	// "roo" is a prefix of "room" but not the same room
	roster, err := reg.Remove(bg, "a", "roo", "")
	require.NoError(t, err)
	require.Len(t, roster.Entries, 1)

	roster, err = reg.Remove(bg, "a", "room", "")
	require.NoError(t, err)
	require.Empty(t, roster.Entries)

	// removing an absent identity is a no-op
	roster, err = reg.Remove(bg, "ghost", "room", "")
	require.NoError(t, err)
	require.Empty(t, roster.Entries)
}

func TestPresence_ConcurrentUpsertsAllLand(t *testing.T) {
	s, _ := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)

	const n = 25
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("id-%02d", i)
			_, err := reg.Upsert(bg, entry(id, "r"), "c"+id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := reg.Snapshot(bg)
	require.NoError(t, err)
	require.Len(t, snap.Entries, n)
	require.Equal(t, int64(n), snap.Version)
}

func TestPresence_SkipsCorruptEntries(t *testing.T) {
	s, mr := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)

	_, err := reg.Upsert(bg, entry("a", "r"), "c")
	require.NoError(t, err)
	mr.HSet(presenceKey, "junk", "{not json")

	snap, err := reg.Snapshot(bg)
	require.NoError(t, err)
	require.Equal(t, []string{"a@r"}, ids(snap))
}

func TestPresence_RejectsBadID(t *testing.T) {
	s, _ := newTestStore(t)
	reg := NewPresenceRegistry(s, nil)
	for _, id := range []string{"", "#version", "a#owner"} {
		_, err := reg.Upsert(bg, entry(id, "r"), "c")
		require.Error(t, err, id)
	}
}

func TestPresenceFrame(t *testing.T) {
	b, err := PresenceFrame(Roster{})
	require.NoError(t, err)
	require.JSONEq(t, `{"version":0,"message":[]}`, string(b))

	b, err = PresenceFrame(Roster{Version: 7, Entries: []PresenceEntry{entry("a", "r")}})
	require.NoError(t, err)
	require.JSONEq(t, `{"version":7,"message":[{"id":"a","first_name":"Fa","last_name":"La","username":"ua","room_name":"r"}]}`, string(b))

	v, ok := FrameVersion(b)
	require.True(t, ok)
	require.Equal(t, int64(7), v)

	_, ok = FrameVersion([]byte(`{"message":"hi"}`))
	require.False(t, ok)
}
