// ABOUTME: Client-side broker session: registration, listener dispatch,
// ABOUTME: roster/reservation replica maintenance and periodic heartbeats.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pi-hive/hive/internal/identity"
	"github.com/pi-hive/hive/internal/protocol"
)

// ErrClosed indicates the session has been closed; pending operations fail
// with it promptly rather than waiting out their timeout.
var ErrClosed = errors.New("session closed")

// Default timeouts for operations that await a broker reply.
const (
	DMTimeout          = 120 * time.Second
	ChannelOpTimeout   = 3 * time.Second
	ReservationTimeout = 4 * time.Second
	ListTimeout        = 2 * time.Second

	heartbeatInterval = 20 * time.Second
)

// Listener observes every inbound record. Replica updates are applied
// before listeners run, so callbacks always see consistent cached state.
type Listener func(*protocol.Message)

type listenerEntry struct {
	fn Listener
}

// Session is one agent's connection to the broker. It hides framing,
// maintains a read-only replica of the roster and reservation map, and
// exposes request helpers that correlate broker replies.
type Session struct {
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once

	mu           sync.Mutex
	self         protocol.AgentInfo
	agents       map[string]*protocol.AgentInfo
	reservations protocol.ReservationMap
	listeners    []*listenerEntry
}

// Dial opens a session, sends the register record, and waits for the
// broker's registered snapshot before returning.
func Dial(ctx context.Context, ident identity.Identity, logger *slog.Logger) (*Session, error) {
	if err := ident.Resolve(); err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, ident.BrokerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s: %w", ident.BrokerURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &Session{
		logger:       logger.With("component", "session"),
		conn:         conn,
		done:         make(chan struct{}),
		agents:       make(map[string]*protocol.AgentInfo),
		reservations: make(protocol.ReservationMap),
	}

	register := &protocol.Message{
		Type:        protocol.TypeRegister,
		ID:          ident.ID,
		Name:        ident.Name,
		Role:        ident.Role,
		ParentID:    ident.ParentID,
		CWD:         ident.CWD,
		Interactive: ident.Interactive,
	}
	if err := s.write(register); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	if err := s.awaitRegistered(ctx, ident); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

// awaitRegistered consumes frames until the registered snapshot (or a
// registration error) arrives.
func (s *Session) awaitRegistered(ctx context.Context, ident identity.Identity) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting registration: %w", err)
		}
		m, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch m.Type {
		case protocol.TypeRegistered:
			s.mu.Lock()
			s.applyLocked(m)
			if info, ok := s.agents[m.ID]; ok {
				s.self = *info.Clone()
			} else {
				s.self = protocol.AgentInfo{ID: m.ID, Name: ident.Name, CWD: ident.CWD}
			}
			s.mu.Unlock()
			s.logger.Info("registered with broker",
				"agent_id", s.self.ID,
				"name", s.self.Name,
				"peers", len(m.Agents)-1,
			)
			return nil
		case protocol.TypeError:
			return fmt.Errorf("registration rejected: %s", m.Message)
		default:
			// Records fanned out before our snapshot; the snapshot replaces
			// the replica wholesale so they are safe to skip.
		}
	}
}

// readLoop decodes inbound frames, applies replica updates, then notifies
// listeners in registration order.
func (s *Session) readLoop() {
	defer s.shutdown()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		s.dispatch(m)
	}
}

func (s *Session) dispatch(m *protocol.Message) {
	s.mu.Lock()
	s.applyLocked(m)
	// Snapshot so a listener may deregister itself (or others) mid-dispatch.
	snapshot := make([]*listenerEntry, len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, entry := range snapshot {
		entry.fn(m)
	}
}

// AddListener registers fn for every inbound record and returns its remove
// function. Listeners run in registration order.
func (s *Session) AddListener(fn Listener) (remove func()) {
	entry := &listenerEntry{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, entry)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e == entry {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// heartbeatLoop emits a heartbeat every 20 seconds until the session ends.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(&protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// write encodes and transmits one record. After Close it is a silent no-op.
func (s *Session) write(m *protocol.Message) error {
	if s.closed.Load() {
		return nil
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the heartbeat and closes the transport. Further sends become
// no-ops; pending awaits fail with ErrClosed.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session ends, however it ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Self returns this agent's info as the broker last confirmed it.
func (s *Session) Self() protocol.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.self.Clone()
}

// Roster returns a copy of the cached agent roster.
func (s *Session) Roster() []protocol.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a.Clone())
	}
	return out
}

// Reservations returns a copy of the cached reservation map.
func (s *Session) Reservations() protocol.ReservationMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations.Clone()
}

// Peer looks up a cached roster entry by display name.
func (s *Session) Peer(name string) (protocol.AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Name == name {
			return *a.Clone(), true
		}
	}
	return protocol.AgentInfo{}, false
}
