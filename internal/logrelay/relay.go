package logrelay

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// srcds log packet framing: 4 header bytes, then either an S packet
// carrying the per-match secret or an R packet without one
const (
	packetHeader  = "\xff\xff\xff\xff"
	secretMarker  = 'S'
	noSecretByte  = 'R'
	maxPacketSize = 4096
)

// Line is one raw log line tagged with the secret of the match it belongs
// to. The secret is the only correlation key; the sender's network origin
// is never trusted.
type Line struct {
	Secret     string
	Payload    string
	ReceivedAt time.Time
}

// Relay listens for forwarded game server log lines over UDP and exposes
// them as a lazy sequence
type Relay struct {
	addr    string
	archive *Archive

	conn  *net.UDPConn
	lines chan Line
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	watchers map[string][]chan string
}

// New creates a relay listening on addr. The archive may be nil.
func New(addr string, archive *Archive) *Relay {
	return &Relay{
		addr:     addr,
		archive:  archive,
		lines:    make(chan Line, 256),
		done:     make(chan struct{}),
		watchers: make(map[string][]chan string),
	}
}

// Lines returns the channel of inbound tagged lines
func (r *Relay) Lines() <-chan Line {
	return r.lines
}

// LocalAddr returns the bound UDP address, or nil before Start. Useful
// when listening on port 0.
func (r *Relay) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Start binds the UDP socket and begins receiving
func (r *Relay) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return fmt.Errorf("resolving log relay address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding log relay socket: %w", err)
	}
	r.conn = conn

	r.wg.Add(1)
	go r.receiveLoop()
	return nil
}

// Stop closes the socket and drains the receive loop
func (r *Relay) Stop() {
	close(r.done)
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
}

func (r *Relay) receiveLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				log.Printf("log relay: read error: %v", err)
				continue
			}
		}

		line, ok := ParsePacket(buf[:n])
		if !ok {
			continue
		}
		r.deliver(line)
	}
}

func (r *Relay) deliver(line Line) {
	if r.archive != nil {
		r.archive.Append(line.Secret, line.Payload)
	}

	r.mu.Lock()
	for _, ch := range r.watchers[line.Secret] {
		select {
		case ch <- line.Payload:
		default:
		}
	}
	r.mu.Unlock()

	select {
	case r.lines <- line:
	default:
		// Consumer is behind; delivery is at most once per physical line
		log.Printf("log relay: dropping line for secret %s", line.Secret)
	}
}

// Watch returns a channel receiving every payload tagged with the given
// secret until cancel is called. Used by the log-forwarding diagnostic
// check to wait for its marker line.
func (r *Relay) Watch(secret string) (<-chan string, func()) {
	ch := make(chan string, 16)
	r.mu.Lock()
	r.watchers[secret] = append(r.watchers[secret], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[secret]
		for i, c := range list {
			if c == ch {
				r.watchers[secret] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.watchers[secret]) == 0 {
			delete(r.watchers, secret)
		}
	}
	return ch, cancel
}

// ParsePacket extracts the secret and payload from a raw packet. Packets
// without a secret are dropped; there is no way to attribute them.
func ParsePacket(data []byte) (Line, bool) {
	if !bytes.HasPrefix(data, []byte(packetHeader)) {
		return Line{}, false
	}
	data = data[len(packetHeader):]
	if len(data) < 2 || data[0] != secretMarker {
		return Line{}, false
	}

	idx := bytes.IndexByte(data, 'L')
	if idx < 1 {
		return Line{}, false
	}
	secret := string(data[1:idx])
	payload := string(bytes.TrimRight(data[idx+1:], "\x00\n "))
	if secret == "" || payload == "" {
		return Line{}, false
	}

	return Line{Secret: secret, Payload: payload, ReceivedAt: time.Now().UTC()}, true
}
