package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/auth"
	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/game"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/queue"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

type apiEnv struct {
	router *Router
	store  *storage.Store
	auth   *auth.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.New()
	q := queue.New(config.QueueConfig{
		Classes:           []config.ClassSlot{{Name: "soldier", PerTeam: 1}},
		ReadyUpTimeout:    time.Minute,
		ReadyStateTimeout: time.Minute,
	}, bus, func([]queue.RosterEntry) {})

	reg := registry.New(store, bus, config.RegistryConfig{
		HeartbeatGrace: time.Minute,
		ReconnectGrace: 2 * time.Minute,
		SweepInterval:  time.Hour,
	})

	channel := rcon.NewChannelWithDialer(func(context.Context, string, string) (rcon.Console, error) {
		return nil, fmt.Errorf("no live servers here")
	})

	archive, err := logrelay.NewArchive(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(archive.CloseAll)
	relay := logrelay.New("127.0.0.1:0", archive)
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)

	diagnostics := registry.NewDiagnostics(store, channel, relay, relay.LocalAddr().String())
	cleanup := game.NewCleanup(store, reg, archive)
	lifecycle := game.NewLifecycle(store, cleanup, bus)
	configurator := game.NewConfigurator(store, channel, relay.LocalAddr().String())
	runtime := game.NewRuntime(store, reg, configurator, channel, bus)
	substitution := game.NewSubstitution(store, runtime, bus)
	authService := auth.NewService("test-secret", time.Hour)

	return &apiEnv{
		router: NewRouter(store, q, reg, diagnostics, lifecycle, runtime, substitution, authService, bus),
		store:  store,
		auth:   authService,
	}
}

// do issues a request against the router and returns the recorder
func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// createUser inserts an account and returns a valid token for it
func (e *apiEnv) createUser(t *testing.T, username, password string, isAdmin bool) string {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	user, err := e.store.CreateUser(context.Background(), username, hash, isAdmin)
	require.NoError(t, err)
	token, err := e.auth.GenerateToken(user.ID, user.Username, user.IsAdmin)
	require.NoError(t, err)
	return token
}

func (e *apiEnv) createPlayer(t *testing.T, accountID int64, name string) *domain.Player {
	t.Helper()
	steamID := fmt.Sprintf("%d", 76561197960265728+accountID)
	player, err := e.store.UpsertPlayer(context.Background(), steamID, name)
	require.NoError(t, err)
	return player
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "OPTIONS", "/api/queue", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestLogin(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "admin", "hunter2hunter2", true)

	rec := env.do(t, "POST", "/api/auth/login", "", LoginRequest{
		Username: "admin", Password: "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "admin", resp.Username)
	assert.True(t, resp.IsAdmin)

	claims, err := env.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
}

func TestLoginRejections(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "admin", "hunter2hunter2", true)

	rec := env.do(t, "POST", "/api/auth/login", "", LoginRequest{
		Username: "admin", Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/api/auth/login", "", LoginRequest{
		Username: "nobody", Password: "hunter2hunter2",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader([]byte("{not json")))
	raw := httptest.NewRecorder()
	env.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestAuthCheck(t *testing.T) {
	env := newAPIEnv(t)
	token := env.createUser(t, "mod", "swordfish-swordfish", false)

	var resp map[string]interface{}
	rec := env.do(t, "GET", "/api/auth/check", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, false, resp["authenticated"])

	rec = env.do(t, "GET", "/api/auth/check", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, true, resp["authenticated"])
	assert.Equal(t, "mod", resp["username"])
	assert.Equal(t, false, resp["is_admin"])
}

func TestAdminGate(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.createUser(t, "admin", "hunter2hunter2", true)
	plainToken := env.createUser(t, "mod", "swordfish-swordfish", false)

	body := map[string]string{"name": "koth_product_final"}

	rec := env.do(t, "POST", "/api/maps", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/api/maps", plainToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, "POST", "/api/maps", adminToken, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	var maps []string
	rec = env.do(t, "GET", "/api/maps", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &maps)
	assert.Contains(t, maps, "koth_product_final")

	rec = env.do(t, "DELETE", "/api/maps/koth_product_final", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	maps = nil
	rec = env.do(t, "GET", "/api/maps", "", nil)
	decodeBody(t, rec, &maps)
	assert.NotContains(t, maps, "koth_product_final")
}

func TestQueueEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	player := env.createPlayer(t, 1, "Alice")

	var snapshot struct {
		State string       `json:"state"`
		Slots []queue.Slot `json:"slots"`
	}
	rec := env.do(t, "GET", "/api/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &snapshot)
	assert.Equal(t, "waiting", snapshot.State)
	require.Len(t, snapshot.Slots, 2)

	rec = env.do(t, "POST", "/api/queue/join", "", map[string]int64{
		"slot_id": 0, "player_id": player.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var slots []queue.Slot
	decodeBody(t, rec, &slots)
	require.NotNil(t, slots[0].PlayerID)
	assert.Equal(t, player.ID, *slots[0].PlayerID)

	rec = env.do(t, "POST", "/api/queue/leave", "", map[string]int64{"player_id": player.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	slots = nil
	decodeBody(t, rec, &slots)
	assert.Nil(t, slots[0].PlayerID)
}

func TestQueueJoinUnknownPlayer(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "POST", "/api/queue/join", "", map[string]int64{
		"slot_id": 0, "player_id": 999,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueJoinBannedPlayer(t *testing.T) {
	env := newAPIEnv(t)
	player := env.createPlayer(t, 2, "Bob")
	require.NoError(t, env.store.AddBan(context.Background(), &domain.PlayerBan{
		PlayerID: player.ID,
		AdminID:  1,
		Reason:   "flaming",
		Start:    time.Now().UTC().Add(-time.Hour),
		End:      time.Now().UTC().Add(time.Hour),
	}))

	rec := env.do(t, "POST", "/api/queue/join", "", map[string]int64{
		"slot_id": 0, "player_id": player.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegisterPlayer(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/players", "", map[string]string{
		"steam_id": "76561197960265729", "name": "Alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var player domain.Player
	decodeBody(t, rec, &player)
	assert.NotZero(t, player.ID)
	assert.Equal(t, "Alice", player.Name)

	rec = env.do(t, "GET", fmt.Sprintf("/api/players/%d", player.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterPlayerRejections(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/players", "", map[string]string{
		"steam_id": "not-a-steamid", "name": "Alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/players", "", map[string]string{
		"steam_id": "76561197960265729",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPlayerNotFound(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/api/players/42", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "GET", "/api/players/banana", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/servers/heartbeat", "", domain.Heartbeat{
		Name:         "game1",
		Address:      "192.0.2.10",
		Port:         27015,
		RconPassword: "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var srv domain.GameServer
	decodeBody(t, rec, &srv)
	assert.Equal(t, "game1", srv.Name)
	assert.True(t, srv.IsOnline)

	var servers []domain.GameServer
	rec = env.do(t, "GET", "/api/servers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &servers)
	require.Len(t, servers, 1)
	assert.Equal(t, "game1", servers[0].Name)
}

func TestHeartbeatValidation(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "POST", "/api/servers/heartbeat", "", domain.Heartbeat{
		Name: "game1", Address: "192.0.2.10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGameLookups(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/api/games/999", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "GET", "/api/games/banana", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/games", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var games []domain.Game
	decodeBody(t, rec, &games)
	assert.Empty(t, games)
}

func TestBanEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.createUser(t, "admin", "hunter2hunter2", true)
	player := env.createPlayer(t, 3, "Carol")

	rec := env.do(t, "POST", fmt.Sprintf("/api/players/%d/bans", player.ID), adminToken,
		map[string]interface{}{
			"reason": "flaming",
			"end":    time.Now().UTC().Add(time.Hour),
		})
	require.Equal(t, http.StatusOK, rec.Code)
	var ban domain.PlayerBan
	decodeBody(t, rec, &ban)
	assert.Equal(t, player.ID, ban.PlayerID)

	// The fresh ban keeps the player out of the queue
	rec = env.do(t, "POST", "/api/queue/join", "", map[string]int64{
		"slot_id": 0, "player_id": player.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, "POST", fmt.Sprintf("/api/bans/%d/revoke", ban.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/api/queue/join", "", map[string]int64{
		"slot_id": 0, "player_id": player.ID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketPush(t *testing.T) {
	env := newAPIEnv(t)
	env.router.StartWebSocketHub()

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// readEvents collects the events in the next frame; the write pump
	// may batch several newline-separated messages into one
	readEvents := func() []domain.Event {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var out []domain.Event
		for _, part := range strings.Split(string(raw), "\n") {
			if part == "" {
				continue
			}
			var ev domain.Event
			require.NoError(t, json.Unmarshal([]byte(part), &ev))
			out = append(out, ev)
		}
		return out
	}

	seen := map[string]bool{}
	for _, ev := range readEvents() {
		seen[ev.Type] = true
	}
	assert.True(t, seen[domain.EventQueueStateUpdate])

	require.Eventually(t, func() bool {
		return env.router.wsHub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	env.router.bus.Publish(domain.EventGameChanged, map[string]int64{"game_id": 7})
	deadline := time.Now().Add(5 * time.Second)
	for !seen[domain.EventGameChanged] {
		require.True(t, time.Now().Before(deadline), "event never arrived")
		for _, ev := range readEvents() {
			seen[ev.Type] = true
		}
	}
}

func TestBanRequiresEnd(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.createUser(t, "admin", "hunter2hunter2", true)
	player := env.createPlayer(t, 4, "Dave")

	rec := env.do(t, "POST", fmt.Sprintf("/api/players/%d/bans", player.ID), adminToken,
		map[string]string{"reason": "flaming"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
