package chat

const (
	// PresenceGroup is the broadcast group every presence-view connection joins.
	PresenceGroup = "presence"

	presenceKey      = "user_activity:logged_users"
	historyKeyPrefix = "chat_history:"
	roomGroupPrefix  = "chat_u_"
)

// RoomGroup is the fan-out group for a user's chat room.
func RoomGroup(room string) string { return roomGroupPrefix + room }

// HistoryKey is where a room's history list lives in the shared store.
func HistoryKey(room string) string { return historyKeyPrefix + room }
