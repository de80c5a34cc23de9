// ABOUTME: Record routing: registration, conversational fanout, channel
// ABOUTME: lifecycle, reservations, rename, presence and heartbeats.

package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pi-hive/hive/internal/protocol"
	"github.com/pi-hive/hive/internal/reservation"
)

// register installs a new agent in the registry and answers with the full
// roster snapshot. Returns false if the session could not be admitted, in
// which case the handshake keeps waiting.
func (b *Broker) register(s *session, m *protocol.Message) bool {
	now := time.Now()

	b.mu.Lock()
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := b.agents[id]; exists {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("agent id %q is already registered", id), ""))
		return false
	}

	name := b.resolveNameLocked(m.Name)
	s.info = protocol.AgentInfo{
		ID:             id,
		Name:           name,
		Role:           m.Role,
		ParentID:       m.ParentID,
		CWD:            m.CWD,
		Status:         protocol.StatusIdle,
		Interactive:    m.Interactive,
		LastActivityAt: now.UTC().Format(time.RFC3339),
	}
	s.lastHeartbeatAt = now
	b.agents[id] = s
	b.names[name] = id

	roster := b.rosterLocked()
	reservations := b.reservations.Snapshot()
	others := b.sessionsExceptLocked(id)
	b.mu.Unlock()

	s.deliver(&protocol.Message{
		Type:         protocol.TypeRegistered,
		ID:           id,
		Agents:       roster,
		Reservations: reservations,
	})
	joined := &protocol.Message{Type: protocol.TypeAgentJoined, Agent: s.info.Clone()}
	for _, t := range others {
		t.deliver(joined)
	}

	b.logger.Info("agent registered",
		"agent_id", id,
		"name", name,
		"role", m.Role,
		"total_agents", len(roster),
	)
	return true
}

// disconnect tears down all state owned by the session's agent. Safe to call
// any number of times for the same session; only the first does anything.
func (b *Broker) disconnect(s *session) {
	b.mu.Lock()
	id := s.info.ID
	if cur, ok := b.agents[id]; !ok || cur != s {
		b.mu.Unlock()
		return
	}
	name := s.info.Name
	delete(b.agents, id)
	delete(b.names, name)

	for chName, ch := range b.channels {
		if _, member := ch.members[id]; member {
			delete(ch.members, id)
			if len(ch.members) == 0 {
				delete(b.channels, chName)
			}
		}
	}

	hadReservation := b.reservations.Drop(id)
	var reservations protocol.ReservationMap
	if hadReservation {
		reservations = b.reservations.Snapshot()
	}
	rest := b.sessionsExceptLocked(id)
	b.mu.Unlock()

	if hadReservation {
		update := &protocol.Message{Type: protocol.TypeReservationsUpdated, Reservations: reservations}
		for _, t := range rest {
			t.deliver(update)
		}
	}
	left := &protocol.Message{Type: protocol.TypeAgentLeft, ID: id, Name: name}
	for _, t := range rest {
		t.deliver(left)
	}

	b.logger.Info("agent disconnected", "agent_id", id, "name", name, "total_agents", len(rest))
}

// route dispatches one inbound record from a registered agent. Protocol
// errors answer with an error record and keep the session open; unknown
// tags are ignored.
func (b *Broker) route(s *session, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeDM:
		b.handleDM(s, m)
	case protocol.TypeDMResponse:
		b.handleDMResponse(s, m)
	case protocol.TypeBroadcast:
		b.handleBroadcast(s, m)
	case protocol.TypeChannelCreate:
		b.handleChannelCreate(s, m)
	case protocol.TypeChannelJoin:
		b.handleChannelJoin(s, m)
	case protocol.TypeChannelLeave:
		b.handleChannelLeave(s, m)
	case protocol.TypeChannelSend:
		b.handleChannelSend(s, m)
	case protocol.TypeListAgents:
		b.handleListAgents(s)
	case protocol.TypeListChannels:
		b.handleListChannels(s)
	case protocol.TypeReserve:
		b.handleReserve(s, m)
	case protocol.TypeRelease:
		b.handleRelease(s, m)
	case protocol.TypeRename:
		b.handleRename(s, m)
	case protocol.TypePresenceUpdate, protocol.TypeStatusUpdate:
		b.handlePresence(s, m)
	case protocol.TypeHeartbeat:
		b.handleHeartbeat(s)
	case protocol.TypeRegister:
		b.logger.Warn("duplicate register ignored", "agent_id", s.info.ID)
	default:
		// Unknown tags are forward-compatibility room, not errors.
		b.logger.Debug("ignoring unknown record type", "type", m.Type, "agent_id", s.info.ID)
	}
}

func (b *Broker) handleDM(s *session, m *protocol.Message) {
	b.mu.Lock()
	target := b.byNameLocked(m.To)
	b.mu.Unlock()

	if target == nil {
		s.deliver(protocol.Error(fmt.Sprintf("agent %q is not online", m.To), m.CorrelationID))
		return
	}
	target.deliver(&protocol.Message{
		Type:          protocol.TypeDM,
		From:          s.info.ID,
		FromName:      s.info.Name,
		Content:       m.Content,
		CorrelationID: m.CorrelationID,
	})
}

func (b *Broker) handleDMResponse(s *session, m *protocol.Message) {
	b.mu.Lock()
	target := b.byNameLocked(m.To)
	b.mu.Unlock()

	if target == nil {
		// Response to a requester that vanished; nothing useful to bounce.
		b.logger.Debug("dropping dm_response to unknown agent", "to", m.To, "from", s.info.Name)
		return
	}
	target.deliver(&protocol.Message{
		Type:          protocol.TypeDMResponse,
		From:          s.info.ID,
		FromName:      s.info.Name,
		CorrelationID: m.CorrelationID,
		Content:       m.Content,
	})
}

func (b *Broker) handleBroadcast(s *session, m *protocol.Message) {
	b.mu.Lock()
	others := b.sessionsExceptLocked(s.info.ID)
	b.mu.Unlock()

	out := &protocol.Message{
		Type:     protocol.TypeBroadcast,
		From:     s.info.ID,
		FromName: s.info.Name,
		Content:  m.Content,
	}
	for _, t := range others {
		t.deliver(out)
	}
}

func (b *Broker) handleChannelCreate(s *session, m *protocol.Message) {
	name := strings.TrimSpace(m.Channel)
	if name == "" {
		s.deliver(protocol.Error("channel name cannot be empty", ""))
		return
	}

	b.mu.Lock()
	if _, exists := b.channels[name]; exists {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("channel %q already exists", name), ""))
		return
	}
	b.channels[name] = &channel{
		name:      name,
		members:   map[string]struct{}{s.info.ID: {}},
		createdBy: s.info.Name,
	}
	s.info.Channels = append(s.info.Channels, name)
	all := b.allSessionsLocked()
	by := s.info.Name
	b.mu.Unlock()

	created := &protocol.Message{Type: protocol.TypeChannelCreated, Channel: name, By: by}
	for _, t := range all {
		t.deliver(created)
	}
}

func (b *Broker) handleChannelJoin(s *session, m *protocol.Message) {
	b.mu.Lock()
	ch, ok := b.channels[m.Channel]
	if !ok {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("channel %q not found", m.Channel), ""))
		return
	}
	if _, member := ch.members[s.info.ID]; !member {
		ch.members[s.info.ID] = struct{}{}
		s.info.Channels = append(s.info.Channels, ch.name)
	}
	members := b.channelSessionsLocked(ch)
	b.mu.Unlock()

	joined := &protocol.Message{
		Type:      protocol.TypeChannelJoined,
		Channel:   m.Channel,
		AgentID:   s.info.ID,
		AgentName: s.info.Name,
	}
	for _, t := range members {
		t.deliver(joined)
	}
}

func (b *Broker) handleChannelLeave(s *session, m *protocol.Message) {
	b.mu.Lock()
	ch, ok := b.channels[m.Channel]
	if !ok {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("channel %q not found", m.Channel), ""))
		return
	}
	if _, member := ch.members[s.info.ID]; !member {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("not a member of channel %q", m.Channel), ""))
		return
	}
	delete(ch.members, s.info.ID)
	s.info.Channels = removeString(s.info.Channels, ch.name)
	if len(ch.members) == 0 {
		delete(b.channels, ch.name)
	}
	recipients := append(b.channelSessionsLocked(ch), s)
	b.mu.Unlock()

	leftMsg := &protocol.Message{
		Type:      protocol.TypeChannelLeft,
		Channel:   m.Channel,
		AgentID:   s.info.ID,
		AgentName: s.info.Name,
	}
	for _, t := range recipients {
		t.deliver(leftMsg)
	}
}

func (b *Broker) handleChannelSend(s *session, m *protocol.Message) {
	b.mu.Lock()
	ch, ok := b.channels[m.Channel]
	if !ok {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("channel %q not found", m.Channel), ""))
		return
	}
	if _, member := ch.members[s.info.ID]; !member {
		b.mu.Unlock()
		s.deliver(protocol.Error(fmt.Sprintf("not a member of channel %q", m.Channel), ""))
		return
	}
	recipients := b.channelSessionsLocked(ch)
	b.mu.Unlock()

	out := &protocol.Message{
		Type:     protocol.TypeChannelMessage,
		Channel:  m.Channel,
		From:     s.info.ID,
		FromName: s.info.Name,
		Content:  m.Content,
	}
	for _, t := range recipients {
		if t != s {
			t.deliver(out)
		}
	}
	s.deliver(&protocol.Message{Type: protocol.TypeChannelSent, Channel: m.Channel})
}

func (b *Broker) handleListAgents(s *session) {
	b.mu.Lock()
	roster := b.rosterLocked()
	b.mu.Unlock()
	s.deliver(&protocol.Message{Type: protocol.TypeAgentList, Agents: roster})
}

func (b *Broker) handleListChannels(s *session) {
	b.mu.Lock()
	channels := make([]protocol.ChannelInfo, 0, len(b.channels))
	for _, ch := range b.channels {
		members := make([]string, 0, len(ch.members))
		for id := range ch.members {
			members = append(members, id)
		}
		sort.Strings(members)
		channels = append(channels, protocol.ChannelInfo{
			Name:      ch.name,
			Members:   members,
			CreatedBy: ch.createdBy,
		})
	}
	b.mu.Unlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	s.deliver(&protocol.Message{Type: protocol.TypeChannelList, Channels: channels})
}

func (b *Broker) handleReserve(s *session, m *protocol.Message) {
	b.mu.Lock()
	err := b.reservations.Reserve(s.info.ID, m.Paths, m.Reason)
	var reservations protocol.ReservationMap
	var all []*session
	var conflictMsg string
	if err == nil {
		reservations = b.reservations.Snapshot()
		all = b.allSessionsLocked()
	} else {
		var conflict *reservation.ConflictError
		if errors.As(err, &conflict) {
			ownerName := conflict.OwnerID
			if owner, ok := b.agents[conflict.OwnerID]; ok {
				ownerName = owner.info.Name
			}
			conflictMsg = fmt.Sprintf("path %s is already reserved by %s", conflict.Requested, ownerName)
			if conflict.OwnerReason != "" {
				conflictMsg += fmt.Sprintf(" (reason: %s)", conflict.OwnerReason)
			}
		}
	}
	b.mu.Unlock()

	switch {
	case err == nil:
		update := &protocol.Message{Type: protocol.TypeReservationsUpdated, Reservations: reservations}
		for _, t := range all {
			t.deliver(update)
		}
	case conflictMsg != "":
		s.deliver(protocol.Error(conflictMsg, ""))
	default:
		s.deliver(protocol.Error(err.Error(), ""))
	}
}

func (b *Broker) handleRelease(s *session, m *protocol.Message) {
	b.mu.Lock()
	b.reservations.Release(s.info.ID, m.Paths)
	reservations := b.reservations.Snapshot()
	all := b.allSessionsLocked()
	b.mu.Unlock()

	// Even a no-op release re-broadcasts; clients use the update to conclude
	// the release was observed.
	update := &protocol.Message{Type: protocol.TypeReservationsUpdated, Reservations: reservations}
	for _, t := range all {
		t.deliver(update)
	}
}

func (b *Broker) handleRename(s *session, m *protocol.Message) {
	newName := strings.TrimSpace(m.Name)
	if newName == "" {
		s.deliver(protocol.Error("name cannot be empty", ""))
		return
	}

	b.mu.Lock()
	oldName := s.info.Name
	if newName != oldName {
		if _, taken := b.names[newName]; taken {
			b.mu.Unlock()
			s.deliver(protocol.Error(fmt.Sprintf("name %q is already taken", newName), ""))
			return
		}
		delete(b.names, oldName)
		b.names[newName] = s.info.ID
		s.info.Name = newName
		// createdBy is display attribution; keep it pointing at the live name.
		for _, ch := range b.channels {
			if ch.createdBy == oldName {
				ch.createdBy = newName
			}
		}
	}
	all := b.allSessionsLocked()
	id := s.info.ID
	b.mu.Unlock()

	// A no-op rename still emits agent_renamed so callers awaiting the
	// acknowledgement complete uniformly.
	renamed := &protocol.Message{
		Type:    protocol.TypeAgentRenamed,
		ID:      id,
		OldName: oldName,
		NewName: newName,
	}
	for _, t := range all {
		t.deliver(renamed)
	}
}

// handlePresence covers both presence_update and status_update: either way
// listeners receive a status_changed record carrying the full triple.
func (b *Broker) handlePresence(s *session, m *protocol.Message) {
	b.mu.Lock()
	if m.Type == protocol.TypeStatusUpdate {
		switch m.Status {
		case protocol.StatusIdle, protocol.StatusBusy, protocol.StatusDone:
			s.info.Status = m.Status
		default:
			b.mu.Unlock()
			s.deliver(protocol.Error(fmt.Sprintf("invalid status %q", m.Status), ""))
			return
		}
	} else {
		s.info.StatusMessage = m.StatusMessage
		if m.LastActivityAt != "" {
			s.info.LastActivityAt = m.LastActivityAt
		}
	}
	changed := &protocol.Message{
		Type:           protocol.TypeStatusChanged,
		ID:             s.info.ID,
		Name:           s.info.Name,
		Status:         s.info.Status,
		StatusMessage:  s.info.StatusMessage,
		LastActivityAt: s.info.LastActivityAt,
	}
	others := b.sessionsExceptLocked(s.info.ID)
	b.mu.Unlock()

	for _, t := range others {
		t.deliver(changed)
	}
}

func (b *Broker) handleHeartbeat(s *session) {
	b.mu.Lock()
	s.lastHeartbeatAt = time.Now()
	b.mu.Unlock()
	s.deliver(&protocol.Message{Type: protocol.TypeHeartbeatAck})
}

// resolveNameLocked applies the duplicate-name policy: first free of
// name, name-2, name-3, ...
func (b *Broker) resolveNameLocked(requested string) string {
	base := strings.TrimSpace(requested)
	if base == "" {
		base = "agent"
	}
	if _, taken := b.names[base]; !taken {
		return base
	}
	for k := 2; ; k++ {
		candidate := fmt.Sprintf("%s-%d", base, k)
		if _, taken := b.names[candidate]; !taken {
			return candidate
		}
	}
}

func (b *Broker) byNameLocked(name string) *session {
	id, ok := b.names[name]
	if !ok {
		return nil
	}
	return b.agents[id]
}

func (b *Broker) rosterLocked() []protocol.AgentInfo {
	roster := make([]protocol.AgentInfo, 0, len(b.agents))
	for _, s := range b.agents {
		roster = append(roster, *s.info.Clone())
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].Name < roster[j].Name })
	return roster
}

func (b *Broker) allSessionsLocked() []*session {
	out := make([]*session, 0, len(b.agents))
	for _, s := range b.agents {
		out = append(out, s)
	}
	return out
}

func (b *Broker) sessionsExceptLocked(id string) []*session {
	out := make([]*session, 0, len(b.agents))
	for sid, s := range b.agents {
		if sid != id {
			out = append(out, s)
		}
	}
	return out
}

func (b *Broker) channelSessionsLocked(ch *channel) []*session {
	out := make([]*session, 0, len(ch.members))
	for id := range ch.members {
		if s, ok := b.agents[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
