// ABOUTME: Replica maintenance for the client session: applies broker fanout
// ABOUTME: records to the cached roster and reservation map before dispatch.

package client

import "github.com/pi-hive/hive/internal/protocol"

// applyLocked folds one inbound record into the replica. Caller holds s.mu.
// Unknown record types are ignored so newer brokers stay compatible.
func (s *Session) applyLocked(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeRegistered, protocol.TypeAgentList:
		s.agents = make(map[string]*protocol.AgentInfo, len(m.Agents))
		for i := range m.Agents {
			a := m.Agents[i].Clone()
			s.agents[a.ID] = a
		}
		if m.Type == protocol.TypeRegistered {
			s.reservations = m.Reservations.Clone()
		}

	case protocol.TypeAgentJoined:
		if m.Agent != nil {
			s.agents[m.Agent.ID] = m.Agent.Clone()
		}

	case protocol.TypeAgentLeft:
		delete(s.agents, m.ID)

	case protocol.TypeAgentRenamed:
		if a, ok := s.agents[m.ID]; ok {
			a.Name = m.NewName
		}
		if s.self.ID == m.ID {
			s.self.Name = m.NewName
		}

	case protocol.TypeReservationsUpdated:
		s.reservations = m.Reservations.Clone()

	case protocol.TypeStatusChanged:
		if a, ok := s.agents[m.ID]; ok {
			if m.Status != "" {
				a.Status = m.Status
			}
			a.StatusMessage = m.StatusMessage
			if m.LastActivityAt != "" {
				a.LastActivityAt = m.LastActivityAt
			}
			if s.self.ID == m.ID {
				s.self = *a.Clone()
			}
		}

	case protocol.TypeChannelCreated:
		s.addChannelByNameLocked(m.By, m.Channel)

	case protocol.TypeChannelJoined:
		s.addChannelByIDLocked(m.AgentID, m.Channel)

	case protocol.TypeChannelLeft:
		s.removeChannelByIDLocked(m.AgentID, m.Channel)
	}
}

func (s *Session) addChannelByNameLocked(name, channel string) {
	for _, a := range s.agents {
		if a.Name == name {
			s.addChannelLocked(a, channel)
			return
		}
	}
}

func (s *Session) addChannelByIDLocked(id, channel string) {
	if a, ok := s.agents[id]; ok {
		s.addChannelLocked(a, channel)
	}
}

func (s *Session) addChannelLocked(a *protocol.AgentInfo, channel string) {
	for _, c := range a.Channels {
		if c == channel {
			return
		}
	}
	a.Channels = append(a.Channels, channel)
	if s.self.ID == a.ID {
		s.self = *a.Clone()
	}
}

func (s *Session) removeChannelByIDLocked(id, channel string) {
	a, ok := s.agents[id]
	if !ok {
		return
	}
	for i, c := range a.Channels {
		if c == channel {
			a.Channels = append(a.Channels[:i], a.Channels[i+1:]...)
			break
		}
	}
	if s.self.ID == a.ID {
		s.self = *a.Clone()
	}
}
