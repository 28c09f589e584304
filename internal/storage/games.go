package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
)

const gameColumns = `id, number, map, state, game_server_id, connect_string,
	stv_connect_string, connect_info_version, log_secret, logs_url, demo_url,
	score_red, score_blu, error, launched_at, started_at, ended_at`

func scanGame(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Game, error) {
	var g domain.Game
	var serverID sql.NullInt64
	var scoreRed, scoreBlu sql.NullInt64
	var launchedAt string
	var startedAt, endedAt sql.NullString
	err := row.Scan(&g.ID, &g.Number, &g.Map, &g.State, &serverID, &g.ConnectString,
		&g.StvConnectString, &g.ConnectInfoVersion, &g.LogSecret, &g.LogsURL,
		&g.DemoURL, &scoreRed, &scoreBlu, &g.Error, &launchedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		g.GameServerID = &serverID.Int64
	}
	if scoreRed.Valid {
		v := int(scoreRed.Int64)
		g.ScoreRed = &v
	}
	if scoreBlu.Valid {
		v := int(scoreBlu.Int64)
		g.ScoreBlu = &v
	}
	g.LaunchedAt, _ = time.Parse(time.RFC3339, launchedAt)
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			g.StartedAt = &t
		}
	}
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339, endedAt.String); err == nil {
			g.EndedAt = &t
		}
	}
	return &g, nil
}

// CreateGame inserts a new game plus its slots in one transaction and
// assigns the next game number
func (s *Store) CreateGame(ctx context.Context, game *domain.Game) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(number), 0) + 1 FROM games").Scan(&game.Number); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO games (number, map, state, game_server_id, log_secret, launched_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, game.Number, game.Map, domain.GameStateLaunching, game.GameServerID,
		game.LogSecret, formatTimestamp(game.LaunchedAt))
	if err != nil {
		return err
	}
	game.ID, _ = res.LastInsertId()
	game.State = domain.GameStateLaunching

	for i := range game.Slots {
		slot := &game.Slots[i]
		slot.GameID = game.ID
		slot.Status = domain.SlotStatusActive
		res, err := tx.ExecContext(ctx, `
			INSERT INTO game_slots (game_id, player_id, team, game_class, status)
			VALUES (?, ?, ?, ?, ?)
		`, slot.GameID, slot.PlayerID, slot.Team, slot.GameClass, slot.Status)
		if err != nil {
			return err
		}
		slot.ID, _ = res.LastInsertId()

		if _, err := tx.ExecContext(ctx,
			"UPDATE players SET active_game_id = ? WHERE id = ?",
			game.ID, slot.PlayerID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) loadSlots(ctx context.Context, gameID int64) ([]domain.GameSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, player_id, team, game_class, status
		FROM game_slots WHERE game_id = ? ORDER BY id
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.GameSlot
	for rows.Next() {
		var slot domain.GameSlot
		if err := rows.Scan(&slot.ID, &slot.GameID, &slot.PlayerID, &slot.Team,
			&slot.GameClass, &slot.Status); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *Store) getGame(ctx context.Context, query string, args ...interface{}) (*domain.Game, error) {
	g, err := scanGame(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, domain.ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Slots, err = s.loadSlots(ctx, g.ID)
	return g, err
}

// GetGameByID returns a game with its slots
func (s *Store) GetGameByID(ctx context.Context, id int64) (*domain.Game, error) {
	return s.getGame(ctx, "SELECT "+gameColumns+" FROM games WHERE id = ?", id)
}

// GetGameByLogSecret resolves the game owning a log secret. The secret is
// the only correlation key between inbound log lines and games.
func (s *Store) GetGameByLogSecret(ctx context.Context, secret string) (*domain.Game, error) {
	return s.getGame(ctx, "SELECT "+gameColumns+" FROM games WHERE log_secret = ?", secret)
}

// GetPlayerActiveGame returns the non-terminal game the player is bound to,
// or ErrGameNotFound
func (s *Store) GetPlayerActiveGame(ctx context.Context, playerID int64) (*domain.Game, error) {
	return s.getGame(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE id = (SELECT active_game_id FROM players WHERE id = ?)
		AND state IN (?, ?)
	`, playerID, domain.GameStateLaunching, domain.GameStateStarted)
}

// GetGames returns the most recent games, newest first
func (s *Store) GetGames(ctx context.Context, limit int) ([]domain.Game, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+gameColumns+" FROM games ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range games {
		if games[i].Slots, err = s.loadSlots(ctx, games[i].ID); err != nil {
			return nil, err
		}
	}
	return games, nil
}

// ListRunningGames returns games in a non-terminal state
func (s *Store) ListRunningGames(ctx context.Context) ([]domain.Game, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+gameColumns+" FROM games WHERE state IN (?, ?) ORDER BY id",
		domain.GameStateLaunching, domain.GameStateStarted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range games {
		if games[i].Slots, err = s.loadSlots(ctx, games[i].ID); err != nil {
			return nil, err
		}
	}
	return games, nil
}

// ListOrphanedGames returns games stuck in launching since before the cutoff
func (s *Store) ListOrphanedGames(ctx context.Context, olderThan time.Time) ([]domain.Game, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE state = ? AND launched_at < ? ORDER BY id
	`, domain.GameStateLaunching, formatTimestamp(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

// UpdateGameStateIf transitions the game from one of the given states to the
// target state. Reports ErrConcurrentModification when the guard fails; the
// caller re-reads to distinguish a lost race from an idempotent duplicate.
func (s *Store) UpdateGameStateIf(ctx context.Context, gameID int64, from []domain.GameState, to domain.GameState, now time.Time) error {
	query := "UPDATE games SET state = ?"
	args := []interface{}{to}
	switch to {
	case domain.GameStateStarted:
		query += ", started_at = ?"
		args = append(args, formatTimestamp(now))
	case domain.GameStateEnded, domain.GameStateInterrupted:
		query += ", ended_at = ?"
		args = append(args, formatTimestamp(now))
	}
	query += " WHERE id = ? AND state IN (?" + repeatPlaceholder(len(from)-1) + ")"
	args = append(args, gameID)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// AssignGameServer binds a reserved server to the game row
func (s *Store) AssignGameServer(ctx context.Context, gameID, serverID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE games SET game_server_id = ? WHERE id = ?", serverID, gameID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrGameNotFound
	}
	return nil
}

// InterruptGame atomically moves the game to interrupted, records the
// reason, and flips every slot still waiting for a substitute back to
// active so no dangling substitution survives
func (s *Store) InterruptGame(ctx context.Context, gameID int64, reason string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE games SET state = ?, error = ?, ended_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, domain.GameStateInterrupted, reason, formatTimestamp(now), gameID,
		domain.GameStateLaunching, domain.GameStateStarted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE game_slots SET status = ? WHERE game_id = ? AND status = ?
	`, domain.SlotStatusActive, gameID, domain.SlotStatusWaitingForSubstitute); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE players SET active_game_id = NULL WHERE active_game_id = ?", gameID); err != nil {
		return err
	}

	return tx.Commit()
}

// SetConnectInfo stores freshly generated connect strings, bumping the
// version so observers can detect stale cached info
func (s *Store) SetConnectInfo(ctx context.Context, gameID int64, connect, stv string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE games SET connect_string = ?, stv_connect_string = ?,
			connect_info_version = connect_info_version + 1
		WHERE id = ?
	`, connect, stv, gameID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrGameNotFound
	}
	return nil
}

// ClearConnectInfo invalidates stored connect strings, bumping the version
// to make the transient invalid window observable
func (s *Store) ClearConnectInfo(ctx context.Context, gameID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE games SET connect_string = '', stv_connect_string = '',
			connect_info_version = connect_info_version + 1
		WHERE id = ?
	`, gameID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrGameNotFound
	}
	return nil
}

// SetTeamScore records a team's final score
func (s *Store) SetTeamScore(ctx context.Context, gameID int64, team string, score int) error {
	column := "score_red"
	if team == domain.TeamBlu {
		column = "score_blu"
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE games SET "+column+" = ? WHERE id = ?", score, gameID)
	return err
}

// SetLogsURL records the external log upload location
func (s *Store) SetLogsURL(ctx context.Context, gameID int64, url string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE games SET logs_url = ? WHERE id = ?", url, gameID)
	return err
}

// SetDemoURL records the STV demo location
func (s *Store) SetDemoURL(ctx context.Context, gameID int64, url string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE games SET demo_url = ? WHERE id = ?", url, gameID)
	return err
}

// UpdateSlotStatusIf transitions a slot between statuses with a guard on
// the current status
func (s *Store) UpdateSlotStatusIf(ctx context.Context, slotID int64, from, to domain.SlotStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE game_slots SET status = ? WHERE id = ? AND status = ?", to, slotID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

// AddGameSlot appends a new slot to an existing game
func (s *Store) AddGameSlot(ctx context.Context, slot *domain.GameSlot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO game_slots (game_id, player_id, team, game_class, status)
		VALUES (?, ?, ?, ?, ?)
	`, slot.GameID, slot.PlayerID, slot.Team, slot.GameClass, slot.Status)
	if err != nil {
		return err
	}
	slot.ID, _ = res.LastInsertId()
	return nil
}

// --- Map pool ---

// CountMaps returns the number of maps in the pool
func (s *Store) CountMaps(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM maps").Scan(&n)
	return n, err
}

// SeedMaps fills an empty pool with the given maps
func (s *Store) SeedMaps(ctx context.Context, maps []string) error {
	for _, m := range maps {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO maps (name) VALUES (?)", m); err != nil {
			return err
		}
	}
	return nil
}

// GetMaps returns the map pool
func (s *Store) GetMaps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM maps ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}

// AddMap adds a map to the pool
func (s *Store) AddMap(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO maps (name) VALUES (?)", name)
	return err
}

// RemoveMap removes a map from the pool
func (s *Store) RemoveMap(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM maps WHERE name = ?", name)
	return err
}
