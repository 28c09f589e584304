package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/domain"
)

func TestSweepReclaimsFullyBoundServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, env.store, 1, "Alice")
	p2 := createTestPlayer(t, env.store, 2, "Bob")
	g := createTestGame(t, env.store, "aaaa0001", p1, p2)
	srv := addTestServer(t, env.store, "game1")

	require.NoError(t, env.store.ReserveGameServer(ctx, srv.ID, g.ID))
	require.NoError(t, env.store.AssignGameServer(ctx, g.ID, srv.ID))
	require.NoError(t, env.store.UpdateGameStateIf(ctx, g.ID,
		[]domain.GameState{domain.GameStateLaunching}, domain.GameStateEnded, time.Now().UTC()))

	env.cleanup.Sweep(ctx)

	freed, err := env.registry.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)
	assert.Nil(t, freed.GameID)
}

func TestSweepReclaimsHalfReservedServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, env.store, 1, "Alice")
	p2 := createTestPlayer(t, env.store, 2, "Bob")
	g := createTestGame(t, env.store, "aaaa0002", p1, p2)
	srv := addTestServer(t, env.store, "game1")

	// A crash between the reservation and the game-row assignment
	// leaves the server bound while the game knows nothing of it
	require.NoError(t, env.store.ReserveGameServer(ctx, srv.ID, g.ID))
	require.NoError(t, env.store.UpdateGameStateIf(ctx, g.ID,
		[]domain.GameState{domain.GameStateLaunching}, domain.GameStateEnded, time.Now().UTC()))

	loaded, err := env.store.GetGameByID(ctx, g.ID)
	require.NoError(t, err)
	require.Nil(t, loaded.GameServerID)

	env.cleanup.Sweep(ctx)

	freed, err := env.registry.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)
	assert.Nil(t, freed.GameID)
}

func TestSweepLeavesLiveBindingAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, env.store, 1, "Alice")
	p2 := createTestPlayer(t, env.store, 2, "Bob")
	g := createTestGame(t, env.store, "aaaa0003", p1, p2)
	srv := addTestServer(t, env.store, "game1")

	require.NoError(t, env.store.ReserveGameServer(ctx, srv.ID, g.ID))
	require.NoError(t, env.store.AssignGameServer(ctx, g.ID, srv.ID))

	env.cleanup.Sweep(ctx)

	bound, err := env.registry.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.False(t, bound.IsAvailable)
	require.NotNil(t, bound.GameID)
	assert.Equal(t, g.ID, *bound.GameID)
}
