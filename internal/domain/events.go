package domain

import "time"

// Event types for realtime push and notifications
const (
	EventQueueSlotsUpdate        = "queue_slots_update"
	EventQueueStateUpdate        = "queue_state_update"
	EventGameCreated             = "game_created"
	EventGameChanged             = "game_changed"
	EventSubstituteRequested     = "substitute_requested"
	EventSubstituteRequestsReset = "substitute_requests_update"
	EventPlayerRegistered        = "player_registered"
	EventPlayerBanAdded          = "player_ban_added"
	EventPlayerBanRevoked        = "player_ban_revoked"
	EventServerAdded             = "server_added"
	EventServerOnline            = "server_online"
	EventServerOffline           = "server_offline"
	EventGameForceEnded          = "game_force_ended"
)

// Event is a single cross-cutting domain event. Delivery to notification
// and push layers is best effort; producers never wait for consumers.
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// GameChangedEvent is sent on every game state mutation
type GameChangedEvent struct {
	Game    *Game  `json:"game"`
	AdminID *int64 `json:"admin_id,omitempty"`
}

// SubstituteRequestedEvent is sent when a slot starts waiting for a substitute
type SubstituteRequestedEvent struct {
	Request SubstituteRequest `json:"request"`
}

// BanEvent is sent when a ban is added or revoked
type BanEvent struct {
	Ban PlayerBan `json:"ban"`
}

// ServerStatusEvent is sent when a server comes online or goes offline
type ServerStatusEvent struct {
	Server GameServer `json:"server"`
}
