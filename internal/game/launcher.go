package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

// RosterSlot is one player of a completed queue roster
type RosterSlot struct {
	PlayerID  int64
	Team      string
	GameClass string
}

// Launcher turns a completed roster into a game record, reserves a
// server and pushes the configuration. Server reservation and
// configuration failures never lose the game record; a game left
// without a server or connect info is picked up again by the orphan
// pass.
type Launcher struct {
	store        *storage.Store
	registry     *registry.Registry
	configurator *Configurator
	archive      *logrelay.Archive
	bus          *events.Bus
	defaultMaps  []string
}

func NewLauncher(store *storage.Store, reg *registry.Registry, configurator *Configurator,
	archive *logrelay.Archive, bus *events.Bus, defaultMaps []string) *Launcher {
	return &Launcher{
		store:        store,
		registry:     reg,
		configurator: configurator,
		archive:      archive,
		bus:          bus,
		defaultMaps:  defaultMaps,
	}
}

// Launch creates the game in launching state with a fresh log secret,
// then tries to reserve and configure a server. The returned game may
// not have a server yet when none is free.
func (l *Launcher) Launch(ctx context.Context, roster []RosterSlot) (*domain.Game, error) {
	mapName, err := l.pickMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("picking map: %w", err)
	}

	g := &domain.Game{
		Map:        mapName,
		LogSecret:  newLogSecret(),
		LaunchedAt: time.Now().UTC(),
	}
	for _, slot := range roster {
		g.Slots = append(g.Slots, domain.GameSlot{
			PlayerID:  slot.PlayerID,
			Team:      slot.Team,
			GameClass: slot.GameClass,
		})
	}
	if err := l.store.CreateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("creating game: %w", err)
	}
	log.Printf("game %d: launching #%d on %s with %d players", g.ID, g.Number, g.Map, len(g.Slots))

	if err := l.archive.Open(g.LogSecret, g.Number); err != nil {
		log.Printf("game %d: opening log archive: %v", g.ID, err)
	}

	l.bus.Publish(domain.EventGameCreated, domain.GameChangedEvent{Game: g})
	l.provision(ctx, g)
	return g, nil
}

// LaunchOrphaned retries provisioning for games stuck in launching.
// Run periodically and at startup so a crash mid-launch self-heals.
func (l *Launcher) LaunchOrphaned(ctx context.Context, olderThan time.Duration) {
	games, err := l.store.ListOrphanedGames(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		log.Printf("launcher: listing orphaned games: %v", err)
		return
	}
	for i := range games {
		g := &games[i]
		log.Printf("game %d: orphaned in launching since %s, relaunching", g.ID, g.LaunchedAt.Format(time.RFC3339))
		l.provision(ctx, g)
	}
}

// provision reserves a server if the game has none and pushes the
// configuration. Both steps are recoverable; failure leaves the game in
// launching for the next orphan pass.
func (l *Launcher) provision(ctx context.Context, g *domain.Game) {
	if g.GameServerID == nil {
		srv, err := l.registry.ReserveFree(ctx, g.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNoFreeServer) {
				log.Printf("game %d: no free server, will retry", g.ID)
			} else {
				log.Printf("game %d: reserving server: %v", g.ID, err)
			}
			return
		}
		if err := l.store.AssignGameServer(ctx, g.ID, srv.ID); err != nil {
			log.Printf("game %d: binding server %d: %v", g.ID, srv.ID, err)
			return
		}
		g.GameServerID = &srv.ID
		log.Printf("game %d: reserved server %s", g.ID, srv.Name)
	}

	srv, err := l.registry.Server(ctx, *g.GameServerID)
	if err != nil {
		log.Printf("game %d: loading server %d: %v", g.ID, *g.GameServerID, err)
		return
	}

	info, err := l.configurator.Configure(ctx, srv, g)
	if err != nil {
		log.Printf("game %d: configure failed: %v", g.ID, err)
		return
	}
	if err := l.store.SetConnectInfo(ctx, g.ID, info.Connect, info.Stv); err != nil {
		log.Printf("game %d: storing connect info: %v", g.ID, err)
		return
	}

	if updated, err := l.store.GetGameByID(ctx, g.ID); err == nil {
		*g = *updated
		l.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: updated})
	}
}

// pickMap chooses a random map from the pool, seeding the pool with the
// configured defaults when it is empty
func (l *Launcher) pickMap(ctx context.Context) (string, error) {
	n, err := l.store.CountMaps(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		if err := l.store.SeedMaps(ctx, l.defaultMaps); err != nil {
			return "", err
		}
	}
	maps, err := l.store.GetMaps(ctx)
	if err != nil {
		return "", err
	}
	if len(maps) == 0 {
		return "", fmt.Errorf("map pool is empty")
	}
	return maps[rand.Intn(len(maps))], nil
}

func newLogSecret() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
