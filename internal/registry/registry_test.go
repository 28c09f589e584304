package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.New()
	reg := New(store, bus, config.RegistryConfig{
		HeartbeatGrace: time.Minute,
		ReconnectGrace: 2 * time.Minute,
		SweepInterval:  time.Hour,
	})
	return reg, store, bus
}

func heartbeat(name string, port int) *domain.Heartbeat {
	return &domain.Heartbeat{
		Name:         name,
		Address:      "192.0.2.10",
		Port:         port,
		RconPassword: "secret",
	}
}

func launchingGame(t *testing.T, store *storage.Store, secret string) *domain.Game {
	t.Helper()
	g := &domain.Game{
		Map:        "cp_process_final",
		LogSecret:  secret,
		LaunchedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateGame(context.Background(), g))
	return g
}

func TestRegistryHeartbeatRegistersServer(t *testing.T) {
	reg, _, bus := newTestRegistry(t)
	ctx := context.Background()
	sub, cancel := bus.Subscribe()
	defer cancel()

	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	assert.True(t, srv.IsOnline)
	assert.True(t, srv.IsAvailable)

	event := <-sub
	assert.Equal(t, domain.EventServerAdded, event.Type)

	// A repeat heartbeat is silent
	again, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	assert.Equal(t, srv.ID, again.ID)
	select {
	case event := <-sub:
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

func TestRegistryHeartbeatRevivesOfflineServer(t *testing.T) {
	reg, store, bus := newTestRegistry(t)
	ctx := context.Background()

	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	_, err = store.MarkStaleServersOffline(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	sub, cancel := bus.Subscribe()
	defer cancel()
	revived, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	assert.Equal(t, srv.ID, revived.ID)
	assert.True(t, revived.IsOnline)

	event := <-sub
	assert.Equal(t, domain.EventServerOnline, event.Type)
}

func TestRegistryReserveIsExclusive(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Reserve(ctx, srv.ID, int64(i+1))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, domain.ErrServerAlreadyReserved)
		}
	}
	assert.Equal(t, 1, won)
}

func TestRegistryReserveReleaseRoundTrip(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)

	require.NoError(t, reg.Reserve(ctx, srv.ID, 42))
	reserved, err := reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.False(t, reserved.IsAvailable)
	require.NotNil(t, reserved.GameID)
	assert.Equal(t, int64(42), *reserved.GameID)

	require.NoError(t, reg.Release(ctx, srv.ID))
	released, err := reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, released.IsAvailable)
	assert.Nil(t, released.GameID)
}

func TestRegistryReserveFreePrefersPriority(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Heartbeat(ctx, heartbeat("low", 27015))
	require.NoError(t, err)
	hb := heartbeat("high", 27016)
	hb.Priority = 10
	high, err := reg.Heartbeat(ctx, hb)
	require.NoError(t, err)

	srv, err := reg.ReserveFree(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, high.ID, srv.ID)
	assert.False(t, srv.IsAvailable)
}

func TestRegistryReserveFreeExhausted(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)

	_, err = reg.ReserveFree(ctx, 1)
	require.NoError(t, err)
	_, err = reg.ReserveFree(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNoFreeServer)
}

func TestRegistrySweepMarksStaleOffline(t *testing.T) {
	reg, _, bus := newTestRegistry(t)
	ctx := context.Background()
	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)

	sub, cancel := bus.Subscribe()
	defer cancel()

	// The heartbeat just arrived; the sweep must leave the server alone
	reg.sweep(ctx)
	current, err := reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, current.IsOnline)

	// Push the cutoff past the heartbeat
	reg.cfg.HeartbeatGrace = -time.Minute
	reg.sweep(ctx)
	current, err = reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.False(t, current.IsOnline)

	event := <-sub
	assert.Equal(t, domain.EventServerOffline, event.Type)
}

func TestRegistrySweepInterruptsAbandonedGame(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	g := launchingGame(t, store, "ffff0001")
	require.NoError(t, reg.Reserve(ctx, srv.ID, g.ID))
	require.NoError(t, store.AssignGameServer(ctx, g.ID, srv.ID))

	// Beyond heartbeat grace but inside the reconnect window the game
	// survives offline detection
	reg.cfg.HeartbeatGrace = -time.Minute
	reg.cfg.ReconnectGrace = time.Hour
	reg.sweep(ctx)
	loaded, err := store.GetGameByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateLaunching, loaded.State)

	// Once the reconnect window also elapses the game is interrupted
	// and the server reclaimed
	reg.cfg.ReconnectGrace = -time.Minute
	reg.sweep(ctx)
	loaded, err = store.GetGameByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateInterrupted, loaded.State)
	assert.Equal(t, "game server went offline", loaded.Error)

	freed, err := reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)
	assert.Nil(t, freed.GameID)
}

func TestRegistrySweepReleasesFinishedGameBinding(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	srv, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	g := launchingGame(t, store, "ffff0002")
	require.NoError(t, reg.Reserve(ctx, srv.ID, g.ID))
	require.NoError(t, store.UpdateGameStateIf(ctx, g.ID,
		[]domain.GameState{domain.GameStateLaunching}, domain.GameStateEnded, time.Now().UTC()))

	reg.cfg.HeartbeatGrace = -time.Minute
	reg.sweep(ctx)

	// The game was already over, so it stays ended and the server is freed
	loaded, err := store.GetGameByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateEnded, loaded.State)
	freed, err := reg.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)
}

func TestRegistryFindFreeSkipsOffline(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Heartbeat(ctx, heartbeat("game1", 27015))
	require.NoError(t, err)
	_, err = store.MarkStaleServersOffline(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	_, err = reg.FindFree(ctx)
	assert.ErrorIs(t, err, domain.ErrNoFreeServer)
}
