package queue

import (
	"log"
	"sync"
	"time"

	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
)

// State is the queue-wide state
type State string

const (
	StateWaiting   State = "waiting"
	StateReadyUp   State = "ready"
	StateLaunching State = "launching"
)

// Slot is one roster position in the queue
type Slot struct {
	ID        int    `json:"id"`
	GameClass string `json:"game_class"`
	Team      string `json:"team"`
	PlayerID  *int64 `json:"player_id,omitempty"`
	Ready     bool   `json:"ready"`
}

// RosterEntry is one launched player with their assigned team and class
type RosterEntry struct {
	PlayerID  int64
	Team      string
	GameClass string
}

// LaunchFunc receives the full roster when the queue reaches launching.
// It runs outside the queue lock; on success the caller is expected to
// Reset the queue, on failure the ready-state window reverts it.
type LaunchFunc func(roster []RosterEntry)

// Queue is the matchmaking state machine. All slot operations are
// serialized under a single mutex; timer callbacks re-check the phase
// counter so a callback that lost a race with a state transition
// becomes a no-op.
type Queue struct {
	cfg    config.QueueConfig
	bus    *events.Bus
	launch LaunchFunc

	mu    sync.Mutex
	state State
	slots []Slot
	// phase increments on every state transition; timer callbacks
	// capture it when armed and bail if it moved on
	phase uint64

	readyUpTimer    *time.Timer
	readyStateTimer *time.Timer
}

// New builds the slot layout from the configured class list. Slots for
// each class are split evenly between the two teams.
func New(cfg config.QueueConfig, bus *events.Bus, launch LaunchFunc) *Queue {
	q := &Queue{
		cfg:    cfg,
		bus:    bus,
		launch: launch,
		state:  StateWaiting,
	}
	id := 0
	for _, class := range cfg.Classes {
		for _, team := range []string{domain.TeamRed, domain.TeamBlu} {
			for i := 0; i < class.PerTeam; i++ {
				q.slots = append(q.slots, Slot{ID: id, GameClass: class.Name, Team: team})
				id++
			}
		}
	}
	return q
}

// State returns the current queue state
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Slots returns a snapshot of all slots
func (q *Queue) Slots() []Slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Slot, len(q.slots))
	copy(out, q.slots)
	return out
}

// Join puts a player into the given slot. The queue must be waiting and
// the slot free. A player already occupying another slot is moved.
func (q *Queue) Join(slotID int, playerID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateWaiting {
		return domain.ErrQueueNotWaiting
	}
	slot := q.slotByID(slotID)
	if slot == nil {
		return domain.ErrSlotTaken
	}
	if slot.PlayerID != nil {
		return domain.ErrSlotTaken
	}

	// Moving between slots frees the old one first
	if old := q.slotOfPlayer(playerID); old != nil {
		old.PlayerID = nil
		old.Ready = false
	}
	slot.PlayerID = &playerID

	if q.full() {
		q.toReadyUp()
	}
	q.publishSlots()
	return nil
}

// Leave frees the player's slot. Allowed while waiting or during
// ready-up; a player who already readied up stays committed.
func (q *Queue) Leave(playerID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateLaunching {
		return domain.ErrQueueNotWaiting
	}
	slot := q.slotOfPlayer(playerID)
	if slot == nil {
		return domain.ErrPlayerNotFound
	}
	if slot.Ready {
		return domain.ErrQueueNotWaiting
	}
	slot.PlayerID = nil
	q.publishSlots()
	return nil
}

// Ready marks the player's slot as ready. Only meaningful during the
// ready-up phase; once every slot is ready the queue moves to launching
// and the launch callback fires with the full roster.
func (q *Queue) Ready(playerID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateReadyUp {
		return domain.ErrQueueNotWaiting
	}
	slot := q.slotOfPlayer(playerID)
	if slot == nil {
		return domain.ErrPlayerNotFound
	}
	if slot.Ready {
		return nil
	}
	slot.Ready = true
	q.publishSlots()

	if q.allReady() {
		q.toLaunching()
	}
	return nil
}

// Reset empties every slot and returns the queue to waiting. Called by
// the launcher once the game record exists.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		q.slots[i].PlayerID = nil
		q.slots[i].Ready = false
	}
	q.setState(StateWaiting)
	q.stopTimers()
	q.publishSlots()
}

// toReadyUp starts the ready-up phase. Both timers are armed here: the
// ready-up timer evicts unready players, the ready-state window is a
// hard bound on how long the queue may sit outside waiting.
func (q *Queue) toReadyUp() {
	q.setState(StateReadyUp)
	phase := q.phase
	q.readyUpTimer = time.AfterFunc(q.cfg.ReadyUpTimeout, func() {
		q.onReadyUpTimeout(phase)
	})
	q.readyStateTimer = time.AfterFunc(q.cfg.ReadyStateTimeout, func() {
		q.onReadyStateTimeout(phase)
	})
}

func (q *Queue) toLaunching() {
	q.setState(StateLaunching)
	if q.readyUpTimer != nil {
		q.readyUpTimer.Stop()
		q.readyUpTimer = nil
	}

	roster := make([]RosterEntry, 0, len(q.slots))
	for _, s := range q.slots {
		roster = append(roster, RosterEntry{
			PlayerID:  *s.PlayerID,
			Team:      s.Team,
			GameClass: s.GameClass,
		})
	}
	go q.launch(roster)
}

// onReadyUpTimeout evicts players who did not ready up in time. The
// phase check makes a stale callback a no-op: any transition since the
// timer was armed means the ready-up phase it belonged to is gone.
func (q *Queue) onReadyUpTimeout(phase uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateReadyUp || q.phase != phase {
		return
	}
	evicted := 0
	for i := range q.slots {
		if q.slots[i].PlayerID != nil && !q.slots[i].Ready {
			q.slots[i].PlayerID = nil
			evicted++
		}
		q.slots[i].Ready = false
	}
	log.Printf("queue: ready-up timed out, evicted %d players", evicted)
	q.setState(StateWaiting)
	q.stopTimers()
	q.publishSlots()
}

// onReadyStateTimeout reverts a queue that left waiting but never
// launched. Covers both a lingering ready-up phase and a launch that
// never completed.
func (q *Queue) onReadyStateTimeout(phase uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateWaiting {
		return
	}
	// The launching phase that follows this ready-up shares its window,
	// so only a later phase invalidates the callback
	if q.phase != phase && q.phase != phase+1 {
		return
	}
	for i := range q.slots {
		if q.slots[i].PlayerID != nil && !q.slots[i].Ready {
			q.slots[i].PlayerID = nil
		}
		q.slots[i].Ready = false
	}
	log.Printf("queue: ready state window elapsed without a launch, reverting to waiting")
	q.setState(StateWaiting)
	q.stopTimers()
	q.publishSlots()
}

func (q *Queue) setState(s State) {
	if q.state == s {
		return
	}
	q.state = s
	q.phase++
	q.bus.Publish(domain.EventQueueStateUpdate, map[string]string{"state": string(s)})
}

func (q *Queue) stopTimers() {
	if q.readyUpTimer != nil {
		q.readyUpTimer.Stop()
		q.readyUpTimer = nil
	}
	if q.readyStateTimer != nil {
		q.readyStateTimer.Stop()
		q.readyStateTimer = nil
	}
}

func (q *Queue) publishSlots() {
	slots := make([]Slot, len(q.slots))
	copy(slots, q.slots)
	q.bus.Publish(domain.EventQueueSlotsUpdate, slots)
}

func (q *Queue) slotByID(id int) *Slot {
	for i := range q.slots {
		if q.slots[i].ID == id {
			return &q.slots[i]
		}
	}
	return nil
}

func (q *Queue) slotOfPlayer(playerID int64) *Slot {
	for i := range q.slots {
		if q.slots[i].PlayerID != nil && *q.slots[i].PlayerID == playerID {
			return &q.slots[i]
		}
	}
	return nil
}

func (q *Queue) full() bool {
	for _, s := range q.slots {
		if s.PlayerID == nil {
			return false
		}
	}
	return true
}

func (q *Queue) allReady() bool {
	for _, s := range q.slots {
		if s.PlayerID == nil || !s.Ready {
			return false
		}
	}
	return true
}
