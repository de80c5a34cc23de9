// ABOUTME: Agent coordination broker: accepts sessions, owns the registry,
// ABOUTME: channel table and reservation table, routes records, reaps the dead.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/pi-hive/hive/internal/discovery"
	"github.com/pi-hive/hive/internal/protocol"
	"github.com/pi-hive/hive/internal/reservation"
)

// ErrAgentNotFound indicates the named agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// Options tune broker timings. Zero values take the defaults below.
type Options struct {
	Addr             string        // listen address, default "127.0.0.1:0"
	HeartbeatTick    time.Duration // reaper sweep interval, default 30s
	HeartbeatTimeout time.Duration // forced disconnect after, default 60s
	WriteDiscovery   bool          // publish the sidecar file on Start
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Addr == "" {
		out.Addr = "127.0.0.1:0"
	}
	if out.HeartbeatTick <= 0 {
		out.HeartbeatTick = 30 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 60 * time.Second
	}
	return out
}

// Broker owns all cross-agent state: the registry, the channel table and the
// reservation table. A single mutex guards the three; fanout happens through
// non-blocking per-session queues so no write ever blocks under the lock.
type Broker struct {
	opts      Options
	logger    *slog.Logger
	hubID     string
	startedAt time.Time

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu           sync.Mutex
	agents       map[string]*session // agent id -> session
	names        map[string]string   // display name -> agent id
	channels     map[string]*channel
	reservations *reservation.Table
}

// channel is a named group with an explicit member set. It exists iff it has
// at least one member.
type channel struct {
	name      string
	members   map[string]struct{} // agent ids
	createdBy string              // display attribution, not an identity ref
}

// New creates a broker. Call Run to start serving.
func New(opts Options, logger *slog.Logger) *Broker {
	return &Broker{
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "broker"),
		hubID:     uuid.New().String(),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only deployment; agents are local processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		agents:       make(map[string]*session),
		names:        make(map[string]string),
		channels:     make(map[string]*channel),
		reservations: reservation.NewTable(),
	}
}

// Listen binds the configured address and, when enabled, publishes the
// discovery sidecar. It returns before any session is accepted so callers
// can read Port() immediately.
func (b *Broker) Listen() error {
	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.opts.Addr, err)
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)
	b.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if b.opts.WriteDiscovery {
		info := discovery.Info{
			Port:      b.Port(),
			PID:       os.Getpid(),
			HubID:     b.hubID,
			StartedAt: b.startedAt.UnixMilli(),
		}
		if err := discovery.Write(info); err != nil {
			// A running broker without a sidecar is still a running broker.
			b.logger.Warn("writing discovery sidecar", "error", err)
		}
	}

	b.logger.Info("broker listening", "addr", ln.Addr().String(), "hub_id", b.hubID)
	return nil
}

// Run serves until the context is canceled, then shuts down gracefully.
// Listen must not have been called; Run does it.
func (b *Broker) Run(ctx context.Context) error {
	if b.listener == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.httpServer.Serve(b.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		b.runReaper(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting sessions, closes live ones and removes the
// discovery sidecar.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down broker")
	err := b.httpServer.Shutdown(ctx)

	b.mu.Lock()
	sessions := make([]*session, 0, len(b.agents))
	for _, s := range b.agents {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}

	if b.opts.WriteDiscovery {
		if rmErr := discovery.Remove(); rmErr != nil {
			b.logger.Warn("removing discovery sidecar", "error", rmErr)
		}
	}
	return err
}

// Port returns the kernel-chosen listen port.
func (b *Broker) Port() int {
	if b.listener == nil {
		return 0
	}
	return b.listener.Addr().(*net.TCPAddr).Port
}

// URL returns the WebSocket URL agents dial.
func (b *Broker) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", b.Port())
}

// HubID identifies this broker instance in the discovery sidecar.
func (b *Broker) HubID() string { return b.hubID }

// DisconnectAgentByName is the administrative eviction hook for the hub.
// It is not a wire-protocol record.
func (b *Broker) DisconnectAgentByName(name string) error {
	b.mu.Lock()
	id, ok := b.names[name]
	var s *session
	if ok {
		s = b.agents[id]
	}
	b.mu.Unlock()
	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	b.logger.Info("administrative disconnect", "agent_id", id, "name", name)
	s.close()
	b.disconnect(s)
	return nil
}

// handleWebSocket upgrades the connection and drives the session to
// completion: registration handshake, then the routing loop.
func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn, b.logger)
	go s.writePump()
	defer func() {
		b.disconnect(s)
		s.close()
	}()

	// Registration handshake. Anything that is not a well-formed register
	// record draws an error and is otherwise ignored; the session stays open.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			s.deliver(protocol.Error("Invalid JSON", ""))
			continue
		}
		if m.Type != protocol.TypeRegister {
			s.deliver(protocol.Error("first record must be register", m.CorrelationID))
			continue
		}
		if b.register(s, m) {
			break
		}
	}

	// Routing loop.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Debug("session closed", "agent_id", s.info.ID, "error", err)
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			s.deliver(protocol.Error("Invalid JSON", ""))
			continue
		}
		b.route(s, m)
	}
}

// runReaper sweeps the registry and force-disconnects agents whose last
// heartbeat is older than the timeout.
func (b *Broker) runReaper(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HeartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.opts.HeartbeatTimeout)

			b.mu.Lock()
			var stale []*session
			for _, s := range b.agents {
				if s.lastHeartbeatAt.Before(cutoff) {
					stale = append(stale, s)
				}
			}
			b.mu.Unlock()

			for _, s := range stale {
				b.logger.Warn("heartbeat timeout, disconnecting agent",
					"agent_id", s.info.ID,
					"name", s.info.Name,
				)
				s.close()
				b.disconnect(s)
			}
		}
	}
}

// handleHealth reports liveness.
func (b *Broker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness: at least one agent connected.
func (b *Broker) handleReady(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	n := len(b.agents)
	b.mu.Unlock()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
