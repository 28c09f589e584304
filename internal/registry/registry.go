package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/storage"
)

// Registry tracks game server allocation state. Reservation is a
// compare-and-set in the store; losing the race is a normal outcome and
// the caller falls back to the next free server.
type Registry struct {
	store *storage.Store
	bus   *events.Bus
	cfg   config.RegistryConfig

	done chan struct{}
	wg   sync.WaitGroup
}

func New(store *storage.Store, bus *events.Bus, cfg config.RegistryConfig) *Registry {
	return &Registry{
		store: store,
		bus:   bus,
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

// Heartbeat upserts the reporting server and marks it online
func (r *Registry) Heartbeat(ctx context.Context, hb *domain.Heartbeat) (*domain.GameServer, error) {
	prev, err := r.store.GetGameServerByAddress(ctx, hb.Address, hb.Port)
	if err != nil && !errors.Is(err, domain.ErrServerNotFound) {
		return nil, err
	}

	srv, err := r.store.UpsertGameServer(ctx, hb, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	switch {
	case prev == nil:
		log.Printf("registry: new game server %s at %s:%d", srv.Name, srv.Address, srv.Port)
		r.bus.Publish(domain.EventServerAdded, domain.ServerStatusEvent{Server: *srv})
	case !prev.IsOnline:
		log.Printf("registry: game server %s is back online", srv.Name)
		r.bus.Publish(domain.EventServerOnline, domain.ServerStatusEvent{Server: *srv})
	}
	return srv, nil
}

// FindFree returns the highest-priority free and online server
func (r *Registry) FindFree(ctx context.Context) (*domain.GameServer, error) {
	return r.store.FindFreeGameServer(ctx)
}

// Reserve binds a server to a game. Fails with ErrServerAlreadyReserved
// when another reservation won the race.
func (r *Registry) Reserve(ctx context.Context, serverID, gameID int64) error {
	return r.store.ReserveGameServer(ctx, serverID, gameID)
}

// Release clears the binding and makes the server available again
func (r *Registry) Release(ctx context.Context, serverID int64) error {
	return r.store.ReleaseGameServer(ctx, serverID)
}

// ReserveFree finds and reserves a free server for the game, falling
// back to the next candidate when a reservation race is lost. Returns
// ErrNoFreeServer once candidates run out.
func (r *Registry) ReserveFree(ctx context.Context, gameID int64) (*domain.GameServer, error) {
	for {
		srv, err := r.store.FindFreeGameServer(ctx)
		if err != nil {
			return nil, err
		}
		err = r.store.ReserveGameServer(ctx, srv.ID, gameID)
		if err == nil {
			srv.IsAvailable = false
			srv.GameID = &gameID
			return srv, nil
		}
		if !errors.Is(err, domain.ErrServerAlreadyReserved) {
			return nil, err
		}
		// Lost the race; the next FindFree no longer sees this server
	}
}

// Servers returns all known servers
func (r *Registry) Servers(ctx context.Context) ([]domain.GameServer, error) {
	return r.store.GetGameServers(ctx)
}

// Server returns a single server by ID
func (r *Registry) Server(ctx context.Context, id int64) (*domain.GameServer, error) {
	return r.store.GetGameServerByID(ctx, id)
}

// Start runs the background sweeper until Stop is called
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep(context.Background())
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates the sweeper
func (r *Registry) Stop() {
	close(r.done)
	r.wg.Wait()
}

// sweep marks servers without a recent heartbeat offline, then reclaims
// offline servers whose bound game is either finished or past the
// reconnect grace window.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()
	stale, err := r.store.MarkStaleServersOffline(ctx, now.Add(-r.cfg.HeartbeatGrace))
	if err != nil {
		log.Printf("registry: sweep: marking stale servers: %v", err)
		return
	}
	for _, srv := range stale {
		log.Printf("registry: game server %s went offline (last heartbeat %v)", srv.Name, srv.LastHeartbeatAt)
		r.bus.Publish(domain.EventServerOffline, domain.ServerStatusEvent{Server: srv})
	}

	servers, err := r.store.GetGameServers(ctx)
	if err != nil {
		log.Printf("registry: sweep: listing servers: %v", err)
		return
	}
	for _, srv := range servers {
		if srv.IsOnline || srv.GameID == nil {
			continue
		}
		r.reclaimOffline(ctx, srv, now)
	}
}

func (r *Registry) reclaimOffline(ctx context.Context, srv domain.GameServer, now time.Time) {
	game, err := r.store.GetGameByID(ctx, *srv.GameID)
	if err != nil {
		if errors.Is(err, domain.ErrGameNotFound) {
			if err := r.store.ReleaseGameServer(ctx, srv.ID); err != nil {
				log.Printf("registry: releasing server %d: %v", srv.ID, err)
			}
		}
		return
	}

	if !game.State.Terminal() {
		deadline := now.Add(-r.cfg.HeartbeatGrace - r.cfg.ReconnectGrace)
		if srv.LastHeartbeatAt != nil && srv.LastHeartbeatAt.After(deadline) {
			// Still within the reconnect window
			return
		}
		log.Printf("registry: server %s lost with game #%d live, interrupting", srv.Name, game.Number)
		if err := r.store.InterruptGame(ctx, game.ID, "game server went offline", now); err != nil {
			log.Printf("registry: interrupting game %d: %v", game.ID, err)
			return
		}
		if updated, err := r.store.GetGameByID(ctx, game.ID); err == nil {
			r.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: updated})
		}
	}

	if err := r.store.ReleaseGameServer(ctx, srv.ID); err != nil {
		log.Printf("registry: releasing server %d: %v", srv.ID, err)
	}
}
