package rcon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leighmacdonald/rcon/rcon"
	"github.com/pickuplab/pickupd/internal/domain"
)

// Console is a live remote console session
type Console interface {
	Exec(command string) (string, error)
	Close() error
}

// DialFunc opens a console session against an address. Swappable in tests.
type DialFunc func(ctx context.Context, addr, password string) (Console, error)

// Channel opens exclusive RCON sessions against game servers. Overlapping
// operations on the same server are queued, not run concurrently, so
// command streams never interleave on the wire.
type Channel struct {
	dial DialFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChannel creates a channel dialing real Source RCON connections.
// dialTimeout bounds connection setup, commandTimeout bounds each
// command exchange on the open console.
func NewChannel(dialTimeout, commandTimeout time.Duration) *Channel {
	return &Channel{
		dial: func(ctx context.Context, addr, password string) (Console, error) {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			conn, err := rcon.Dial(dialCtx, addr, password, commandTimeout)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		locks: make(map[string]*sync.Mutex),
	}
}

// NewChannelWithDialer creates a channel with a custom dialer
func NewChannelWithDialer(dial DialFunc) *Channel {
	return &Channel{dial: dial, locks: make(map[string]*sync.Mutex)}
}

func (c *Channel) serverLock(addr string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[addr] = lock
	}
	return lock
}

// Session is an open console session holding its server's exclusive lock
// until Close
type Session struct {
	console Console
	addr    string
	unlock  func()
	closed  bool
}

// Open acquires the server's session lock and dials its console. The
// returned session must be closed on every exit path.
func (c *Channel) Open(ctx context.Context, server *domain.GameServer) (*Session, error) {
	addr := server.RconAddress()
	lock := c.serverLock(addr)
	lock.Lock()

	console, err := c.dial(ctx, addr, server.RconPassword)
	if err != nil {
		lock.Unlock()
		return nil, &domain.ExternalServiceError{
			Service: "rcon",
			Err:     fmt.Errorf("connecting to %s: %w", addr, err),
		}
	}

	return &Session{console: console, addr: addr, unlock: lock.Unlock}, nil
}

// Exec sends a command and returns the reply
func (s *Session) Exec(command string) (string, error) {
	out, err := s.console.Exec(command)
	if err != nil {
		return "", &domain.ExternalServiceError{
			Service: "rcon",
			Err:     fmt.Errorf("exec on %s: %w", s.addr, err),
		}
	}
	return out, nil
}

// Close ends the session and releases the server lock. Safe to call twice.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.console.Close()
	s.unlock()
	return err
}
