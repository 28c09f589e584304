package game

import (
	"context"
	"errors"
	"log"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

// Cleanup reclaims resources held by games that reached a terminal
// state: the reserved server goes back into the free pool and the
// captured log archive is flushed to disk.
type Cleanup struct {
	store    *storage.Store
	registry *registry.Registry
	archive  *logrelay.Archive
}

func NewCleanup(store *storage.Store, reg *registry.Registry, archive *logrelay.Archive) *Cleanup {
	return &Cleanup{store: store, registry: reg, archive: archive}
}

// Reclaim releases everything the finished game held
func (c *Cleanup) Reclaim(ctx context.Context, g *domain.Game) {
	if g.GameServerID != nil {
		if err := c.registry.Release(ctx, *g.GameServerID); err != nil {
			log.Printf("cleanup: releasing server %d of game #%d: %v", *g.GameServerID, g.Number, err)
		} else {
			log.Printf("cleanup: released server %d of game #%d", *g.GameServerID, g.Number)
		}
	}
	c.archive.Close(g.LogSecret)
}

// Sweep releases servers still bound to a game that is already over.
// Covers bindings orphaned by a crash between the state write and the
// release.
func (c *Cleanup) Sweep(ctx context.Context) {
	servers, err := c.registry.Servers(ctx)
	if err != nil {
		log.Printf("cleanup: listing servers: %v", err)
		return
	}
	for _, srv := range servers {
		if srv.GameID == nil {
			continue
		}
		g, err := c.store.GetGameByID(ctx, *srv.GameID)
		if err != nil {
			if errors.Is(err, domain.ErrGameNotFound) {
				if err := c.registry.Release(ctx, srv.ID); err != nil {
					log.Printf("cleanup: releasing server %d: %v", srv.ID, err)
				}
			}
			continue
		}
		if !g.State.Terminal() {
			continue
		}
		if g.GameServerID != nil && *g.GameServerID == srv.ID {
			c.Reclaim(ctx, g)
			continue
		}
		// The game row never got the back-reference, so Reclaim
		// would miss this server. Release it by its own ID.
		if err := c.registry.Release(ctx, srv.ID); err != nil {
			log.Printf("cleanup: releasing server %d of game #%d: %v", srv.ID, g.Number, err)
		} else {
			log.Printf("cleanup: released server %d of game #%d", srv.ID, g.Number)
		}
		c.archive.Close(g.LogSecret)
	}
}
