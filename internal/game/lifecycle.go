package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/storage"
)

// Lifecycle applies game state transitions. Every transition is a
// conditional store update guarded on the current state; a failed guard
// is re-read to tell a duplicate stimulus (no-op) from a genuine lost
// race (retried once, then surfaced as ErrConcurrentModification).
type Lifecycle struct {
	store   *storage.Store
	cleanup *Cleanup
	bus     *events.Bus
}

func NewLifecycle(store *storage.Store, cleanup *Cleanup, bus *events.Bus) *Lifecycle {
	return &Lifecycle{store: store, cleanup: cleanup, bus: bus}
}

// OnMatchStarted moves the game from launching to started. Duplicate
// log lines after the transition are no-ops.
func (l *Lifecycle) OnMatchStarted(ctx context.Context, gameID int64) error {
	changed, err := l.transition(ctx, gameID, []domain.GameState{domain.GameStateLaunching}, domain.GameStateStarted)
	if err != nil {
		return err
	}
	if changed {
		log.Printf("game %d: match started", gameID)
		l.publishGame(ctx, gameID, nil)
	}
	return nil
}

// OnMatchEnded moves the game from started to ended and reclaims its
// server. Optional result fields (score, log and demo URLs) arrive
// separately and may still be written after the transition.
func (l *Lifecycle) OnMatchEnded(ctx context.Context, gameID int64) error {
	changed, err := l.transition(ctx, gameID,
		[]domain.GameState{domain.GameStateStarted, domain.GameStateLaunching}, domain.GameStateEnded)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	log.Printf("game %d: match ended", gameID)

	if err := l.store.ClearActiveGame(ctx, gameID); err != nil {
		log.Printf("game %d: clearing active players: %v", gameID, err)
	}
	g, err := l.store.GetGameByID(ctx, gameID)
	if err != nil {
		return err
	}
	l.cleanup.Reclaim(ctx, g)
	l.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: g})
	return nil
}

// ForceEnd interrupts a running game. Slots still waiting for a
// substitute are forced back to active and every roster player's
// active-game binding is cleared.
func (l *Lifecycle) ForceEnd(ctx context.Context, gameID int64, adminID *int64) (*domain.Game, error) {
	err := l.store.InterruptGame(ctx, gameID, "ended by admin", time.Now().UTC())
	if errors.Is(err, domain.ErrConcurrentModification) {
		g, readErr := l.store.GetGameByID(ctx, gameID)
		if readErr != nil {
			return nil, readErr
		}
		if g.State.Terminal() {
			return nil, domain.ErrGameEnded
		}
		// Lost a race against another transition; one more try
		if err = l.store.InterruptGame(ctx, gameID, "ended by admin", time.Now().UTC()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	g, err := l.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	log.Printf("game %d: force-ended", gameID)
	l.cleanup.Reclaim(ctx, g)
	l.bus.Publish(domain.EventGameForceEnded, domain.GameChangedEvent{Game: g, AdminID: adminID})
	l.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: g, AdminID: adminID})
	return g, nil
}

// OnScoreReported records a team's final score
func (l *Lifecycle) OnScoreReported(ctx context.Context, gameID int64, team string, score int) error {
	if err := l.store.SetTeamScore(ctx, gameID, team, score); err != nil {
		return fmt.Errorf("recording %s score: %w", team, err)
	}
	l.publishGame(ctx, gameID, nil)
	return nil
}

// OnLogsUploaded records the external log upload location
func (l *Lifecycle) OnLogsUploaded(ctx context.Context, gameID int64, url string) error {
	if err := l.store.SetLogsURL(ctx, gameID, url); err != nil {
		return err
	}
	l.publishGame(ctx, gameID, nil)
	return nil
}

// OnDemoUploaded records the STV demo location
func (l *Lifecycle) OnDemoUploaded(ctx context.Context, gameID int64, url string) error {
	if err := l.store.SetDemoURL(ctx, gameID, url); err != nil {
		return err
	}
	l.publishGame(ctx, gameID, nil)
	return nil
}

// ListOrphaned returns games stuck in launching past the given age
func (l *Lifecycle) ListOrphaned(ctx context.Context, olderThan time.Duration) ([]domain.Game, error) {
	return l.store.ListOrphanedGames(ctx, time.Now().UTC().Add(-olderThan))
}

// transition applies the guarded state update. Returns false without
// error when the game already moved to the target or a later state.
func (l *Lifecycle) transition(ctx context.Context, gameID int64, from []domain.GameState, to domain.GameState) (bool, error) {
	for attempt := 0; ; attempt++ {
		err := l.store.UpdateGameStateIf(ctx, gameID, from, to, time.Now().UTC())
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return false, err
		}

		g, readErr := l.store.GetGameByID(ctx, gameID)
		if readErr != nil {
			return false, readErr
		}
		if g.State == to || g.State.Terminal() {
			// Duplicate stimulus, nothing to apply
			return false, nil
		}
		if attempt > 0 {
			return false, domain.ErrConcurrentModification
		}
	}
}

func (l *Lifecycle) publishGame(ctx context.Context, gameID int64, adminID *int64) {
	g, err := l.store.GetGameByID(ctx, gameID)
	if err != nil {
		log.Printf("game %d: reloading for event: %v", gameID, err)
		return
	}
	l.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: g, AdminID: adminID})
}
