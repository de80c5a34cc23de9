// ABOUTME: Request helpers on the client session: correlated DMs, channel
// ABOUTME: operations, reservations, renames and listings, each with a timeout.

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pi-hive/hive/internal/protocol"
	"github.com/pi-hive/hive/internal/reservation"
)

// BrokerError is a protocol-level rejection relayed from the broker.
type BrokerError struct {
	Message string
}

func (e *BrokerError) Error() string { return e.Message }

// await sends req, then waits for the first inbound record match accepts.
// An error record observed during the window fails the call with a
// BrokerError. The wait ends early on ctx cancellation or session close.
func (s *Session) await(ctx context.Context, timeout time.Duration, req *protocol.Message, match func(*protocol.Message) bool) (*protocol.Message, error) {
	result := make(chan *protocol.Message, 1)
	brokerErr := make(chan *protocol.Message, 1)

	remove := s.AddListener(func(m *protocol.Message) {
		switch {
		case match(m):
			select {
			case result <- m:
			default:
			}
		case m.Type == protocol.TypeError && m.CorrelationID == req.CorrelationID:
			select {
			case brokerErr <- m:
			default:
			}
		}
	})
	defer remove()

	if err := s.write(req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Type, err)
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-result:
		return m, nil
	case m := <-brokerErr:
		return nil, &BrokerError{Message: m.Message}
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for reply to %s after %s", req.Type, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// SendDM sends a correlated direct message and waits for the peer's
// dm_response, returning its content. The default window is two minutes;
// agents that are mid-task answer when their run settles.
func (s *Session) SendDM(ctx context.Context, to, content string) (string, error) {
	corr := uuid.New().String()
	req := &protocol.Message{
		Type:          protocol.TypeDM,
		To:            to,
		Content:       content,
		CorrelationID: corr,
	}
	m, err := s.await(ctx, DMTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeDMResponse && m.CorrelationID == corr
	})
	if err != nil {
		return "", err
	}
	return m.Content, nil
}

// Notify sends an uncorrelated direct message and does not wait.
func (s *Session) Notify(to, content string) error {
	return s.write(&protocol.Message{Type: protocol.TypeDM, To: to, Content: content})
}

// RespondDM answers a correlated DM previously received from another agent.
func (s *Session) RespondDM(to, correlationID, content string) error {
	return s.write(&protocol.Message{
		Type:          protocol.TypeDMResponse,
		To:            to,
		Content:       content,
		CorrelationID: correlationID,
	})
}

// Broadcast sends content to every other connected agent. Fire and forget.
func (s *Session) Broadcast(content string) error {
	return s.write(&protocol.Message{Type: protocol.TypeBroadcast, Content: content})
}

// CreateChannel creates a channel with this agent as its first member.
func (s *Session) CreateChannel(ctx context.Context, name string) error {
	self := s.Self()
	req := &protocol.Message{Type: protocol.TypeChannelCreate, Channel: name}
	_, err := s.await(ctx, ChannelOpTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeChannelCreated && m.Channel == name && m.By == self.Name
	})
	return err
}

// JoinChannel adds this agent to an existing channel.
func (s *Session) JoinChannel(ctx context.Context, name string) error {
	self := s.Self()
	req := &protocol.Message{Type: protocol.TypeChannelJoin, Channel: name}
	_, err := s.await(ctx, ChannelOpTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeChannelJoined && m.Channel == name && m.AgentID == self.ID
	})
	return err
}

// LeaveChannel removes this agent from a channel it belongs to.
func (s *Session) LeaveChannel(ctx context.Context, name string) error {
	self := s.Self()
	req := &protocol.Message{Type: protocol.TypeChannelLeave, Channel: name}
	_, err := s.await(ctx, ChannelOpTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeChannelLeft && m.Channel == name && m.AgentID == self.ID
	})
	return err
}

// SendChannel posts content to a channel and waits for the broker's ack.
func (s *Session) SendChannel(ctx context.Context, name, content string) error {
	req := &protocol.Message{Type: protocol.TypeChannelSend, Channel: name, Content: content}
	_, err := s.await(ctx, ChannelOpTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeChannelSent && m.Channel == name
	})
	return err
}

// ListAgents asks the broker for the authoritative roster.
func (s *Session) ListAgents(ctx context.Context) ([]protocol.AgentInfo, error) {
	req := &protocol.Message{Type: protocol.TypeListAgents}
	m, err := s.await(ctx, ListTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeAgentList
	})
	if err != nil {
		return nil, err
	}
	return m.Agents, nil
}

// ListChannels asks the broker for the channel table with memberships.
func (s *Session) ListChannels(ctx context.Context) ([]protocol.ChannelInfo, error) {
	req := &protocol.Message{Type: protocol.TypeListChannels}
	m, err := s.await(ctx, ListTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeChannelList
	})
	if err != nil {
		return nil, err
	}
	return m.Channels, nil
}

// Reserve claims paths for exclusive intent. Relative paths resolve against
// this agent's working directory before they go to the broker.
func (s *Session) Reserve(ctx context.Context, paths []string, reason string) error {
	self := s.Self()
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		if r := reservation.Resolve(self.CWD, p); r != "" {
			resolved = append(resolved, r)
		}
	}
	req := &protocol.Message{Type: protocol.TypeReserve, Paths: resolved, Reason: reason}
	_, err := s.await(ctx, ReservationTimeout, req, func(m *protocol.Message) bool {
		if m.Type != protocol.TypeReservationsUpdated {
			return false
		}
		_, held := m.Reservations[self.ID]
		return held
	})
	return err
}

// Release gives up reservations. Empty paths releases everything this agent
// holds. A release of paths never held still round-trips successfully.
func (s *Session) Release(ctx context.Context, paths []string) error {
	self := s.Self()
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		if r := reservation.Resolve(self.CWD, p); r != "" {
			resolved = append(resolved, r)
		}
	}
	if len(paths) == 0 {
		resolved = nil
	}
	req := &protocol.Message{Type: protocol.TypeRelease, Paths: resolved}
	_, err := s.await(ctx, ReservationTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeReservationsUpdated
	})
	return err
}

// Rename changes this agent's display name.
func (s *Session) Rename(ctx context.Context, newName string) error {
	self := s.Self()
	req := &protocol.Message{Type: protocol.TypeRename, Name: newName}
	_, err := s.await(ctx, ChannelOpTimeout, req, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeAgentRenamed && m.ID == self.ID
	})
	return err
}

// UpdateStatus reports a coarse state transition. Fire and forget.
func (s *Session) UpdateStatus(status protocol.Status) error {
	return s.write(&protocol.Message{Type: protocol.TypeStatusUpdate, Status: status})
}

// UpdatePresence reports a free-form status line and, optionally, a fresh
// last-activity timestamp. Fire and forget.
func (s *Session) UpdatePresence(statusMessage, lastActivityAt string) error {
	return s.write(&protocol.Message{
		Type:           protocol.TypePresenceUpdate,
		StatusMessage:  statusMessage,
		LastActivityAt: lastActivityAt,
	})
}
