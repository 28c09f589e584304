package domain

import "time"

// Player represents a registered player
type Player struct {
	ID           int64     `json:"id"`
	SteamID      string    `json:"steam_id"`
	Name         string    `json:"name"`
	Roles        []string  `json:"roles,omitempty"`
	ActiveGameID *int64    `json:"active_game_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Player roles
const (
	RoleAdmin = "admin"
)

// HasRole reports whether the player carries the given role
func (p *Player) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PlayerBan represents a time-bound ban issued by an admin
type PlayerBan struct {
	ID       int64     `json:"id"`
	PlayerID int64     `json:"player_id"`
	AdminID  int64     `json:"admin_id"`
	Reason   string    `json:"reason,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// ActiveAt reports whether the ban is in force at the given instant
func (b *PlayerBan) ActiveAt(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}
