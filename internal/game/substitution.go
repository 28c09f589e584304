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

// Substitution coordinates mid-game player replacement. The data-model
// update is the source of truth; the RCON push to the live server is
// fire-and-forget and a failure there never rolls the substitution back.
type Substitution struct {
	store   *storage.Store
	runtime *Runtime
	bus     *events.Bus
}

func NewSubstitution(store *storage.Store, runtime *Runtime, bus *events.Bus) *Substitution {
	return &Substitution{store: store, runtime: runtime, bus: bus}
}

// Request marks the player's slot as waiting for a substitute.
// Repeating an already-pending request is a no-op.
func (s *Substitution) Request(ctx context.Context, gameID, playerID int64, requestedBy *int64) (*domain.Game, error) {
	g, slot, player, err := s.lookup(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}

	switch slot.Status {
	case domain.SlotStatusReplaced:
		return nil, domain.ErrAlreadyReplaced
	case domain.SlotStatusWaitingForSubstitute:
		return g, nil
	}

	err = s.store.UpdateSlotStatusIf(ctx, slot.ID,
		domain.SlotStatusActive, domain.SlotStatusWaitingForSubstitute)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return s.resolveRequestRace(ctx, gameID, playerID)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("game %d: substitute needed for %s (%s %s)", g.ID, player.Name, slot.Team, slot.GameClass)

	g, err = s.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(domain.EventSubstituteRequested, domain.SubstituteRequestedEvent{
		Request: domain.SubstituteRequest{
			GameID:     g.ID,
			GameNumber: g.Number,
			Team:       slot.Team,
			GameClass:  slot.GameClass,
			CreatedBy:  requestedBy,
			CreatedAt:  time.Now().UTC(),
		},
	})
	s.publishChanges(ctx, g, requestedBy)

	if g.GameServerID != nil {
		serverID := *g.GameServerID
		msg := fmt.Sprintf("Looking for replacement for %s: %s on %s", player.Name, slot.GameClass, slot.Team)
		go func() {
			if err := s.runtime.SayChat(context.Background(), serverID, msg); err != nil {
				log.Printf("game %d: announcing substitute request: %v", g.ID, err)
			}
		}()
	}
	return g, nil
}

// Cancel flips a pending substitute request back to active
func (s *Substitution) Cancel(ctx context.Context, gameID, playerID int64) (*domain.Game, error) {
	g, slot, _, err := s.lookup(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}

	switch slot.Status {
	case domain.SlotStatusReplaced:
		return nil, domain.ErrAlreadyReplaced
	case domain.SlotStatusActive:
		return g, nil
	}

	err = s.store.UpdateSlotStatusIf(ctx, slot.ID,
		domain.SlotStatusWaitingForSubstitute, domain.SlotStatusActive)
	if errors.Is(err, domain.ErrConcurrentModification) {
		// The slot moved under us; report what it became
		g, slot, _, err = s.lookup(ctx, gameID, playerID)
		if err != nil {
			return nil, err
		}
		if slot.Status == domain.SlotStatusReplaced {
			return nil, domain.ErrAlreadyReplaced
		}
		return g, nil
	}
	if err != nil {
		return nil, err
	}

	g, err = s.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, g, nil)
	return g, nil
}

// Fulfil replaces the waiting player with the replacement. The replacee
// slot becomes replaced and a fresh active slot is appended for the
// replacement; self-substitution just withdraws the request.
func (s *Substitution) Fulfil(ctx context.Context, gameID, replaceeID, replacementID int64) (*domain.Game, error) {
	g, slot, replacee, err := s.lookup(ctx, gameID, replaceeID)
	if err != nil {
		return nil, err
	}

	switch slot.Status {
	case domain.SlotStatusReplaced:
		return nil, domain.ErrAlreadyReplaced
	case domain.SlotStatusActive:
		return nil, domain.ErrReplaceeNotWaiting
	}

	if replaceeID == replacementID {
		err := s.store.UpdateSlotStatusIf(ctx, slot.ID,
			domain.SlotStatusWaitingForSubstitute, domain.SlotStatusActive)
		if err != nil && !errors.Is(err, domain.ErrConcurrentModification) {
			return nil, err
		}
		g, err = s.store.GetGameByID(ctx, gameID)
		if err != nil {
			return nil, err
		}
		log.Printf("game %d: %s is back on %s", g.ID, replacee.Name, slot.GameClass)
		s.publishChanges(ctx, g, nil)
		return g, nil
	}

	replacement, err := s.store.GetPlayerByID(ctx, replacementID)
	if err != nil {
		return nil, err
	}
	bans, err := s.store.GetActiveBans(ctx, replacementID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(bans) > 0 {
		return nil, domain.ErrPlayerBanned
	}
	if active, err := s.store.GetPlayerActiveGame(ctx, replacementID); err == nil {
		if active.ID != gameID {
			return nil, domain.ErrPlayerBusy
		}
	} else if !errors.Is(err, domain.ErrGameNotFound) {
		return nil, err
	}

	err = s.store.UpdateSlotStatusIf(ctx, slot.ID,
		domain.SlotStatusWaitingForSubstitute, domain.SlotStatusReplaced)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return nil, domain.ErrAlreadyReplaced
	}
	if err != nil {
		return nil, err
	}

	newSlot := &domain.GameSlot{
		GameID:    g.ID,
		PlayerID:  replacementID,
		Team:      slot.Team,
		GameClass: slot.GameClass,
		Status:    domain.SlotStatusActive,
	}
	if err := s.store.AddGameSlot(ctx, newSlot); err != nil {
		return nil, err
	}
	if err := s.store.SetPlayerActiveGame(ctx, replaceeID, nil); err != nil {
		log.Printf("game %d: clearing active game of %s: %v", g.ID, replacee.Name, err)
	}
	if err := s.store.SetPlayerActiveGame(ctx, replacementID, &gameID); err != nil {
		log.Printf("game %d: binding active game of %s: %v", g.ID, replacement.Name, err)
	}
	log.Printf("game %d: %s replaces %s on %s %s", g.ID, replacement.Name, replacee.Name, slot.Team, slot.GameClass)

	g, err = s.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}

	// Best-effort live server update; the substitution is committed
	go s.runtime.PushReplacement(context.Background(), g, replacee, replacement, newSlot)

	s.publishChanges(ctx, g, nil)
	return g, nil
}

// ListRequests derives the open substitute requests from the slots of
// all running games
func (s *Substitution) ListRequests(ctx context.Context) ([]domain.SubstituteRequest, error) {
	games, err := s.store.ListRunningGames(ctx)
	if err != nil {
		return nil, err
	}
	requests := []domain.SubstituteRequest{}
	for _, g := range games {
		for _, slot := range g.Slots {
			if slot.Status != domain.SlotStatusWaitingForSubstitute {
				continue
			}
			requests = append(requests, domain.SubstituteRequest{
				GameID:     g.ID,
				GameNumber: g.Number,
				Team:       slot.Team,
				GameClass:  slot.GameClass,
			})
		}
	}
	return requests, nil
}

// lookup loads the game, the player and the player's live slot,
// mapping every miss and a finished game to its error kind
func (s *Substitution) lookup(ctx context.Context, gameID, playerID int64) (*domain.Game, *domain.GameSlot, *domain.Player, error) {
	g, err := s.store.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, nil, nil, err
	}
	player, err := s.store.GetPlayerByID(ctx, playerID)
	if err != nil {
		return nil, nil, nil, err
	}
	if g.State.Terminal() {
		return nil, nil, nil, domain.ErrGameEnded
	}
	slot := g.SlotOf(playerID)
	if slot == nil {
		return nil, nil, nil, domain.ErrPlayerNotFound
	}
	return g, slot, player, nil
}

func (s *Substitution) resolveRequestRace(ctx context.Context, gameID, playerID int64) (*domain.Game, error) {
	g, slot, _, err := s.lookup(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	switch slot.Status {
	case domain.SlotStatusWaitingForSubstitute:
		return g, nil
	case domain.SlotStatusReplaced:
		return nil, domain.ErrAlreadyReplaced
	}
	return nil, domain.ErrConcurrentModification
}

func (s *Substitution) publishChanges(ctx context.Context, g *domain.Game, adminID *int64) {
	s.bus.Publish(domain.EventGameChanged, domain.GameChangedEvent{Game: g, AdminID: adminID})
	if requests, err := s.ListRequests(ctx); err == nil {
		s.bus.Publish(domain.EventSubstituteRequestsReset, requests)
	}
}
