package domain

import (
	"errors"
	"fmt"
)

// Lookup misses
var (
	ErrGameNotFound   = errors.New("no such game")
	ErrPlayerNotFound = errors.New("no such player")
	ErrServerNotFound = errors.New("no such game server")
	ErrNoFreeServer   = errors.New("no free game server available")
)

// Conflicts
var (
	ErrServerAlreadyReserved  = errors.New("game server has already been taken")
	ErrAlreadyReplaced        = errors.New("this player has already been replaced")
	ErrReplaceeNotWaiting     = errors.New("the replacee is marked as active")
	ErrGameEnded              = errors.New("the game has already ended")
	ErrConcurrentModification = errors.New("game was modified concurrently")
	ErrQueueNotWaiting        = errors.New("queue is not accepting joins")
	ErrSlotTaken              = errors.New("queue slot is already taken")
)

// Policy violations
var (
	ErrPlayerBanned = errors.New("player is banned")
	ErrPlayerBusy   = errors.New("player is involved in a currently running game")
)

// IsNotFound reports whether err is a lookup miss
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGameNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrServerNotFound)
}

// IsConflict reports whether err is a state conflict the caller may retry
// or surface as a rejected request
func IsConflict(err error) bool {
	return errors.Is(err, ErrServerAlreadyReserved) ||
		errors.Is(err, ErrAlreadyReplaced) ||
		errors.Is(err, ErrReplaceeNotWaiting) ||
		errors.Is(err, ErrGameEnded) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrQueueNotWaiting) ||
		errors.Is(err, ErrSlotTaken)
}

// IsPolicyViolation reports whether err is a policy rejection
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPlayerBanned) || errors.Is(err, ErrPlayerBusy)
}

// ExternalServiceError wraps a failure of an external collaborator (RCON
// session, diagnostic timeout, log forwarding). It never corrupts committed
// state; callers log it and surface a failed result.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
