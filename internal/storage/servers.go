package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
)

const serverColumns = `id, name, address, port, rcon_password, internal_address,
	is_available, is_online, priority, game_id, last_heartbeat_at, created_at`

func scanGameServer(row interface {
	Scan(dest ...interface{}) error
}) (*domain.GameServer, error) {
	var srv domain.GameServer
	var gameID sql.NullInt64
	var heartbeat sql.NullString
	err := row.Scan(&srv.ID, &srv.Name, &srv.Address, &srv.Port, &srv.RconPassword,
		&srv.InternalAddress, &srv.IsAvailable, &srv.IsOnline, &srv.Priority,
		&gameID, &heartbeat, &srv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if gameID.Valid {
		srv.GameID = &gameID.Int64
	}
	if heartbeat.Valid {
		if t, err := time.Parse(time.RFC3339, heartbeat.String); err == nil {
			srv.LastHeartbeatAt = &t
		}
	}
	return &srv, nil
}

// UpsertGameServer records a heartbeat: the server is created on first
// contact and marked online on every one
func (s *Store) UpsertGameServer(ctx context.Context, hb *domain.Heartbeat, now time.Time) (*domain.GameServer, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_servers (name, address, port, rcon_password, internal_address, priority, is_online, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(address, port) DO UPDATE SET
			name = excluded.name,
			rcon_password = excluded.rcon_password,
			internal_address = excluded.internal_address,
			priority = excluded.priority,
			is_online = 1,
			last_heartbeat_at = excluded.last_heartbeat_at
	`, hb.Name, hb.Address, hb.Port, hb.RconPassword, hb.InternalAddress, hb.Priority, formatTimestamp(now))
	if err != nil {
		return nil, err
	}

	// Always query for the ID (LastInsertId unreliable with ON CONFLICT)
	return scanGameServer(s.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM game_servers WHERE address = ? AND port = ?",
		hb.Address, hb.Port))
}

// GetGameServers returns all known servers
func (s *Store) GetGameServers(ctx context.Context) ([]domain.GameServer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+serverColumns+" FROM game_servers ORDER BY priority DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.GameServer
	for rows.Next() {
		srv, err := scanGameServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// GetGameServerByAddress returns a server by its public address and port
func (s *Store) GetGameServerByAddress(ctx context.Context, address string, port int) (*domain.GameServer, error) {
	srv, err := scanGameServer(s.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM game_servers WHERE address = ? AND port = ?",
		address, port))
	if err == sql.ErrNoRows {
		return nil, domain.ErrServerNotFound
	}
	return srv, err
}

// GetGameServerByID returns a server by ID
func (s *Store) GetGameServerByID(ctx context.Context, id int64) (*domain.GameServer, error) {
	srv, err := scanGameServer(s.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM game_servers WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrServerNotFound
	}
	return srv, err
}

// FindFreeGameServer returns the highest-priority server that is both
// available and online
func (s *Store) FindFreeGameServer(ctx context.Context) (*domain.GameServer, error) {
	srv, err := scanGameServer(s.db.QueryRowContext(ctx, `
		SELECT `+serverColumns+` FROM game_servers
		WHERE is_available = 1 AND is_online = 1
		ORDER BY priority DESC, id LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNoFreeServer
	}
	return srv, err
}

// ReserveGameServer atomically flips is_available off and binds the game.
// Losing the race is a normal outcome reported as ErrServerAlreadyReserved.
func (s *Store) ReserveGameServer(ctx context.Context, serverID, gameID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE game_servers SET is_available = 0, game_id = ?
		WHERE id = ? AND is_available = 1
	`, gameID, serverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrServerAlreadyReserved
	}
	return nil
}

// ReleaseGameServer clears the binding and makes the server available again
func (s *Store) ReleaseGameServer(ctx context.Context, serverID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE game_servers SET is_available = 1, game_id = NULL WHERE id = ?", serverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrServerNotFound
	}
	return nil
}

// MarkStaleServersOffline flips is_online off for servers whose last
// heartbeat predates the cutoff and returns the servers affected
func (s *Store) MarkStaleServersOffline(ctx context.Context, cutoff time.Time) ([]domain.GameServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serverColumns+` FROM game_servers
		WHERE is_online = 1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
	`, formatTimestamp(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []domain.GameServer
	for rows.Next() {
		srv, err := scanGameServer(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stale {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE game_servers SET is_online = 0 WHERE id = ?", stale[i].ID); err != nil {
			return nil, err
		}
		stale[i].IsOnline = false
	}
	return stale, nil
}
