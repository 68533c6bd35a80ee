package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/ivochat/internal/group"
)

func TestHistoryService_GetSkipsCorrupt(t *testing.T) {
	s, mr := newTestStore(t)
	relay := NewRelay(s, group.NewMemory(nil), RelayConfig{HistoryTTL: time.Hour}, nil)
	svc := NewHistoryService(relay, nil)

	relay.Publish(bg, "r", mustParse(t, `{"message":"a"}`))
	_, err := mr.RPush(HistoryKey("r"), "{broken")
	require.NoError(t, err)
	relay.Publish(bg, "r", mustParse(t, `{"message":"b"}`))

	items, err := svc.Get(bg, "r")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.JSONEq(t, `{"message":"a"}`, string(items[0]))
	require.JSONEq(t, `{"message":"b"}`, string(items[1]))

	require.NoError(t, svc.Clear(bg, "r"))
	items, err = svc.Get(bg, "r")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestHistoryService_RejectsBadRoom(t *testing.T) {
	s, _ := newTestStore(t)
	svc := NewHistoryService(NewRelay(s, group.NewMemory(nil), RelayConfig{}, nil), nil)

	for _, room := range []string{"", "  ", "a\nb", strings.Repeat("x", 129)} {
		_, err := svc.Get(bg, room)
		require.ErrorIs(t, err, ErrInvalidRoom)
		require.ErrorIs(t, svc.Clear(bg, room), ErrInvalidRoom)
	}
}
