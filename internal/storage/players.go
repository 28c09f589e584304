package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
)

func scanPlayer(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Player, error) {
	var p domain.Player
	var roles string
	var activeGame sql.NullInt64
	if err := row.Scan(&p.ID, &p.SteamID, &p.Name, &roles, &activeGame, &p.CreatedAt); err != nil {
		return nil, err
	}
	if roles != "" {
		p.Roles = strings.Split(roles, ",")
	}
	if activeGame.Valid {
		p.ActiveGameID = &activeGame.Int64
	}
	return &p, nil
}

const playerColumns = "id, steam_id, name, roles, active_game_id, created_at"

// UpsertPlayer registers a player or refreshes an existing one's name.
// Returns the stored record with ID populated.
func (s *Store) UpsertPlayer(ctx context.Context, steamID, name string) (*domain.Player, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (steam_id, name)
		VALUES (?, ?)
		ON CONFLICT(steam_id) DO UPDATE SET name = excluded.name
	`, steamID, name)
	if err != nil {
		return nil, err
	}
	return s.GetPlayerBySteamID(ctx, steamID)
}

// GetPlayerByID returns a player by ID
func (s *Store) GetPlayerByID(ctx context.Context, id int64) (*domain.Player, error) {
	p, err := scanPlayer(s.db.QueryRowContext(ctx,
		"SELECT "+playerColumns+" FROM players WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPlayerNotFound
	}
	return p, err
}

// GetPlayerBySteamID returns a player by Steam ID
func (s *Store) GetPlayerBySteamID(ctx context.Context, steamID string) (*domain.Player, error) {
	p, err := scanPlayer(s.db.QueryRowContext(ctx,
		"SELECT "+playerColumns+" FROM players WHERE steam_id = ?", steamID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPlayerNotFound
	}
	return p, err
}

// GetPlayers returns all registered players
func (s *Store) GetPlayers(ctx context.Context) ([]domain.Player, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+playerColumns+" FROM players ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

// SetPlayerRoles replaces a player's roles
func (s *Store) SetPlayerRoles(ctx context.Context, playerID int64, roles []string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE players SET roles = ? WHERE id = ?",
		strings.Join(roles, ","), playerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// SetPlayerActiveGame points the player's activeGame reference at gameID.
// A nil gameID clears the reference.
func (s *Store) SetPlayerActiveGame(ctx context.Context, playerID int64, gameID *int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE players SET active_game_id = ? WHERE id = ?",
		gameID, playerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// ClearActiveGame removes the activeGame reference from every player bound
// to the given game
func (s *Store) ClearActiveGame(ctx context.Context, gameID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE players SET active_game_id = NULL WHERE active_game_id = ?", gameID)
	return err
}

// --- Ban methods ---

// AddBan records a new ban
func (s *Store) AddBan(ctx context.Context, ban *domain.PlayerBan) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO player_bans (player_id, admin_id, reason, start, end)
		VALUES (?, ?, ?, ?, ?)
	`, ban.PlayerID, ban.AdminID, ban.Reason, formatTimestamp(ban.Start), formatTimestamp(ban.End))
	if err != nil {
		return err
	}
	ban.ID, _ = res.LastInsertId()
	return nil
}

// RevokeBan ends a ban immediately
func (s *Store) RevokeBan(ctx context.Context, banID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE player_bans SET end = ? WHERE id = ?", formatTimestamp(now), banID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// GetActiveBans returns bans in force for the player at the given instant
func (s *Store) GetActiveBans(ctx context.Context, playerID int64, now time.Time) ([]domain.PlayerBan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player_id, admin_id, reason, start, end
		FROM player_bans WHERE player_id = ? AND start <= ? AND end > ?
	`, playerID, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []domain.PlayerBan
	for rows.Next() {
		var b domain.PlayerBan
		var start, end string
		if err := rows.Scan(&b.ID, &b.PlayerID, &b.AdminID, &b.Reason, &start, &end); err != nil {
			return nil, err
		}
		b.Start, _ = time.Parse(time.RFC3339, start)
		b.End, _ = time.Parse(time.RFC3339, end)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}
