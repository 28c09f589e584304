package game

import (
	"context"
	"fmt"
	"log"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

// Runtime drives RCON operations against the live server of a running
// game: reconfiguration, roster pushes and in-game chat.
type Runtime struct {
	store        *storage.Store
	registry     *registry.Registry
	configurator *Configurator
	rcon         *rcon.Channel
	bus          *events.Bus
}

func NewRuntime(store *storage.Store, reg *registry.Registry, configurator *Configurator,
	channel *rcon.Channel, bus *events.Bus) *Runtime {
	return &Runtime{
		store:        store,
		registry:     reg,
		configurator: configurator,
		rcon:         channel,
		bus:          bus,
	}
}

// Reconfigure pushes the full configuration to an already-launched
// game's server again. The connect info version is bumped twice, once
// when the stored strings are invalidated and once when the fresh ones
// land, so cached connect info is detectable as stale throughout.
func (r *Runtime) Reconfigure(ctx context.Context, gameID int64) (*domain.Game, error) {
	g, err := r.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.State.Terminal() {
		return nil, domain.ErrGameEnded
	}
	if g.GameServerID == nil {
		return nil, domain.ErrNoFreeServer
	}
	srv, err := r.registry.Server(ctx, *g.GameServerID)
	if err != nil {
		return nil, err
	}

	if err := r.store.ClearConnectInfo(ctx, g.ID); err != nil {
		return nil, err
	}
	info, err := r.configurator.Configure(ctx, srv, g)
	if err != nil {
		return nil, fmt.Errorf("reconfiguring game #%d: %w", g.Number, err)
	}
	if err := r.store.SetConnectInfo(ctx, g.ID, info.Connect, info.Stv); err != nil {
		return nil, err
	}

	updated, err := r.store.GetGameByID(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	r.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: updated})
	return updated, nil
}

// SayChat sends a chat message to the server's players
func (r *Runtime) SayChat(ctx context.Context, serverID int64, message string) error {
	srv, err := r.registry.Server(ctx, serverID)
	if err != nil {
		return err
	}
	session, err := r.rcon.Open(ctx, srv)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.Exec(cmdSay(message)); err != nil {
		return fmt.Errorf("saying to server %s: %w", srv.Name, err)
	}
	return nil
}

// PushReplacement swaps the whitelisted players on the live server.
// Best effort: the substitution is already committed when this runs and
// a failed push only loses the in-game whitelist update.
func (r *Runtime) PushReplacement(ctx context.Context, g *domain.Game, replacee, replacement *domain.Player, slot *domain.GameSlot) {
	if g.GameServerID == nil {
		return
	}
	srv, err := r.registry.Server(ctx, *g.GameServerID)
	if err != nil {
		log.Printf("game %d: loading server for replacement push: %v", g.ID, err)
		return
	}
	session, err := r.rcon.Open(ctx, srv)
	if err != nil {
		log.Printf("game %d: replacement push: %v", g.ID, err)
		return
	}
	defer session.Close()

	if _, err := session.Exec(cmdDelPlayer(replacee.SteamID)); err != nil {
		log.Printf("game %d: removing %s from whitelist: %v", g.ID, replacee.Name, err)
	}
	if _, err := session.Exec(cmdAddPlayer(replacement.SteamID, replacement.Name, slot.Team, slot.GameClass)); err != nil {
		log.Printf("game %d: adding %s to whitelist: %v", g.ID, replacement.Name, err)
	}
}
