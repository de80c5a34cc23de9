// ABOUTME: Per-agent WebSocket session: read loop, write pump, outbound queue.
// ABOUTME: One frame = one protocol.Message; writes never block the broker lock.

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pi-hive/hive/internal/protocol"
)

// outboundBuffer bounds the per-session send queue. A session that cannot
// drain this many records is effectively dead; further records are dropped
// rather than blocking the routing path.
const outboundBuffer = 256

// session is the broker-private view of one connected agent: its AgentInfo
// plus the transport handle and heartbeat bookkeeping.
type session struct {
	info protocol.AgentInfo

	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// lastHeartbeatAt is guarded by the broker mutex like the rest of the
	// registry state.
	lastHeartbeatAt time.Time
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *session {
	return &session{
		conn:            conn,
		send:            make(chan []byte, outboundBuffer),
		quit:            make(chan struct{}),
		logger:          logger,
		lastHeartbeatAt: time.Now(),
	}
}

// deliver encodes and queues one record for the agent. It never blocks: a
// full queue drops the record with a warning, matching the non-blocking
// fanout contract.
func (s *session) deliver(m *protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error("encoding outbound record", "type", m.Type, "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.quit:
	default:
		s.logger.Warn("outbound queue full, dropping record",
			"type", m.Type,
			"agent_id", s.info.ID,
		)
	}
}

// writePump owns all writes to the WebSocket connection. gorilla/websocket
// permits a single concurrent writer, so every outbound frame funnels
// through here.
func (s *session) writePump() {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("session write failed", "agent_id", s.info.ID, "error", err)
				s.close()
				return
			}
		case <-s.quit:
			return
		}
	}
}

// close shuts the transport down exactly once. The read loop unblocks with
// an error and runs disconnect cleanup.
func (s *session) close() {
	s.once.Do(func() {
		close(s.quit)
		_ = s.conn.Close()
	})
}
