package game

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

type testEnv struct {
	store        *storage.Store
	bus          *events.Bus
	registry     *registry.Registry
	archive      *logrelay.Archive
	cleanup      *Cleanup
	lifecycle    *Lifecycle
	runtime      *Runtime
	substitution *Substitution
	router       *Router
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)
	bus := events.New()
	archive, err := logrelay.NewArchive(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(archive.CloseAll)

	reg := registry.New(store, bus, config.RegistryConfig{
		HeartbeatGrace: time.Minute,
		ReconnectGrace: 2 * time.Minute,
		SweepInterval:  time.Hour,
	})
	channel := rcon.NewChannelWithDialer(func(context.Context, string, string) (rcon.Console, error) {
		return nil, fmt.Errorf("no live servers here")
	})
	cleanup := NewCleanup(store, reg, archive)
	lifecycle := NewLifecycle(store, cleanup, bus)
	configurator := NewConfigurator(store, channel, "192.0.2.1:9871")
	runtime := NewRuntime(store, reg, configurator, channel, bus)

	return &testEnv{
		store:        store,
		bus:          bus,
		registry:     reg,
		archive:      archive,
		cleanup:      cleanup,
		lifecycle:    lifecycle,
		runtime:      runtime,
		substitution: NewSubstitution(store, runtime, bus),
		router:       NewRouter(store, lifecycle, nil),
	}
}

// createTestPlayer registers a player with a synthetic but valid steam id
func createTestPlayer(t *testing.T, store *storage.Store, accountID int64, name string) *domain.Player {
	t.Helper()
	steamID := fmt.Sprintf("%d", 76561197960265728+accountID)
	player, err := store.UpsertPlayer(context.Background(), steamID, name)
	require.NoError(t, err)
	return player
}

// createTestGame inserts a launching game binding the given players,
// split alternately between the two teams
func createTestGame(t *testing.T, store *storage.Store, secret string, players ...*domain.Player) *domain.Game {
	t.Helper()
	g := &domain.Game{
		Map:        "cp_process_final",
		LogSecret:  secret,
		LaunchedAt: time.Now().UTC(),
	}
	teams := []string{domain.TeamRed, domain.TeamBlu}
	for i, p := range players {
		g.Slots = append(g.Slots, domain.GameSlot{
			PlayerID:  p.ID,
			Team:      teams[i%2],
			GameClass: "soldier",
		})
	}
	require.NoError(t, store.CreateGame(context.Background(), g))
	return g
}

// addTestServer registers a heartbeating server and returns it
func addTestServer(t *testing.T, store *storage.Store, name string) *domain.GameServer {
	t.Helper()
	srv, err := store.UpsertGameServer(context.Background(), &domain.Heartbeat{
		Name:         name,
		Address:      "192.0.2.10",
		Port:         27015,
		RconPassword: "secret",
	}, time.Now().UTC())
	require.NoError(t, err)
	return srv
}
