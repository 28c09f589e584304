package domain

import (
	"fmt"
	"time"
)

// GameServer represents a game server known to the registry
type GameServer struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	Port              int        `json:"port"`
	RconPassword      string     `json:"-"`
	InternalAddress   string     `json:"internal_address,omitempty"`
	IsAvailable       bool       `json:"is_available"`
	IsOnline          bool       `json:"is_online"`
	Priority          int        `json:"priority"`
	GameID            *int64     `json:"game_id,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RconAddress returns the host:port the RCON channel dials
func (s *GameServer) RconAddress() string {
	addr := s.InternalAddress
	if addr == "" {
		addr = s.Address
	}
	return fmt.Sprintf("%s:%d", addr, s.Port)
}

// Heartbeat carries server identity reported by the server itself
type Heartbeat struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	RconPassword    string `json:"rcon_password"`
	InternalAddress string `json:"internal_address,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// Diagnostic check and run statuses
const (
	DiagnosticPending   = "pending"
	DiagnosticRunning   = "running"
	DiagnosticCompleted = "completed"
	DiagnosticFailed    = "failed"
)

// DiagnosticCheck is a single reachability check result
type DiagnosticCheck struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	ReportedAt string `json:"reported_at,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// DiagnosticRun is an ordered battery of checks against one server
type DiagnosticRun struct {
	ID           string            `json:"id"`
	GameServerID int64             `json:"game_server_id"`
	Status       string            `json:"status"`
	Checks       []DiagnosticCheck `json:"checks"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}
