package domain

import "time"

// GameState is the lifecycle state of a game
type GameState string

const (
	GameStateLaunching   GameState = "launching"
	GameStateStarted     GameState = "started"
	GameStateEnded       GameState = "ended"
	GameStateInterrupted GameState = "interrupted"
)

// Terminal reports whether the state admits no further transitions
func (s GameState) Terminal() bool {
	return s == GameStateEnded || s == GameStateInterrupted
}

// SlotStatus is the status of a single roster position in a game
type SlotStatus string

const (
	SlotStatusActive               SlotStatus = "active"
	SlotStatusWaitingForSubstitute SlotStatus = "waiting for substitute"
	SlotStatusReplaced             SlotStatus = "replaced"
)

// Team names used throughout the system
const (
	TeamRed = "red"
	TeamBlu = "blu"
)

// Game represents a single pickup match
type Game struct {
	ID                 int64      `json:"id"`
	Number             int64      `json:"number"`
	Map                string     `json:"map"`
	State              GameState  `json:"state"`
	Slots              []GameSlot `json:"slots"`
	GameServerID       *int64     `json:"game_server_id,omitempty"`
	ConnectString      string     `json:"connect_string,omitempty"`
	StvConnectString   string     `json:"stv_connect_string,omitempty"`
	ConnectInfoVersion int64      `json:"connect_info_version"`
	LogSecret          string     `json:"-"`
	LogsURL            string     `json:"logs_url,omitempty"`
	DemoURL            string     `json:"demo_url,omitempty"`
	ScoreRed           *int       `json:"score_red,omitempty"`
	ScoreBlu           *int       `json:"score_blu,omitempty"`
	Error              string     `json:"error,omitempty"`
	LaunchedAt         time.Time  `json:"launched_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// GameSlot binds a player to a team and class within a game
type GameSlot struct {
	ID        int64      `json:"id"`
	GameID    int64      `json:"game_id"`
	PlayerID  int64      `json:"player_id"`
	Team      string     `json:"team"`
	GameClass string     `json:"game_class"`
	Status    SlotStatus `json:"status"`
}

// SlotOf returns the slot belonging to the given player, or nil.
// Replaced slots are skipped so the lookup finds the live slot when a
// player left and rejoined the same game as a substitute.
func (g *Game) SlotOf(playerID int64) *GameSlot {
	for i := range g.Slots {
		if g.Slots[i].PlayerID == playerID && g.Slots[i].Status != SlotStatusReplaced {
			return &g.Slots[i]
		}
	}
	for i := range g.Slots {
		if g.Slots[i].PlayerID == playerID {
			return &g.Slots[i]
		}
	}
	return nil
}

// SubstituteRequest describes an open substitution spot
type SubstituteRequest struct {
	GameID     int64     `json:"game_id"`
	GameNumber int64     `json:"game_number"`
	Team       string    `json:"team"`
	GameClass  string    `json:"game_class"`
	CreatedBy  *int64    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
