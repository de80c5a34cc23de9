// ABOUTME: Tagged wire record vocabulary exchanged between agents and the broker.
// ABOUTME: One WebSocket text frame carries exactly one JSON-encoded Message.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Record type tags sent by agents.
const (
	TypeRegister       = "register"
	TypeDM             = "dm"
	TypeDMResponse     = "dm_response"
	TypeBroadcast      = "broadcast"
	TypeChannelCreate  = "channel_create"
	TypeChannelJoin    = "channel_join"
	TypeChannelLeave   = "channel_leave"
	TypeChannelSend    = "channel_send"
	TypeListAgents     = "list_agents"
	TypeListChannels   = "list_channels"
	TypeReserve        = "reserve"
	TypeRelease        = "release"
	TypeRename         = "rename"
	TypePresenceUpdate = "presence_update"
	TypeStatusUpdate   = "status_update"
	TypeHeartbeat      = "heartbeat"
)

// Record type tags sent by the broker. TypeDM, TypeDMResponse and
// TypeBroadcast appear in both directions with different field sets.
const (
	TypeRegistered          = "registered"
	TypeAgentJoined         = "agent_joined"
	TypeAgentLeft           = "agent_left"
	TypeAgentRenamed        = "agent_renamed"
	TypeChannelCreated      = "channel_created"
	TypeChannelJoined       = "channel_joined"
	TypeChannelLeft         = "channel_left"
	TypeChannelMessage      = "channel_message"
	TypeChannelSent         = "channel_sent"
	TypeAgentList           = "agent_list"
	TypeChannelList         = "channel_list"
	TypeReservationsUpdated = "reservations_updated"
	TypeStatusChanged       = "status_changed"
	TypeError               = "error"
	TypeHeartbeatAck        = "heartbeat_ack"
)

// Status is the coarse agent state reported via status_update.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	StatusDone Status = "done"
)

// AgentInfo is the externally visible identity of a connected agent.
type AgentInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role,omitempty"`
	ParentID       string   `json:"parentId,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Status         Status   `json:"status"`
	Channels       []string `json:"channels,omitempty"`
	Interactive    bool     `json:"interactive"`
	StatusMessage  string   `json:"statusMessage,omitempty"`
	LastActivityAt string   `json:"lastActivityAt,omitempty"`
}

// Clone returns a deep copy so callers can hand out AgentInfo values
// without sharing the channels slice.
func (a *AgentInfo) Clone() *AgentInfo {
	cp := *a
	if a.Channels != nil {
		cp.Channels = append([]string(nil), a.Channels...)
	}
	return &cp
}

// ChannelInfo describes a channel and its membership by agent id.
type ChannelInfo struct {
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

// Reservation is one agent's advisory claim on a set of normalized paths.
type Reservation struct {
	Paths  []string `json:"paths"`
	Reason string   `json:"reason,omitempty"`
}

// ReservationMap maps agent id to that agent's reservation. Agents with no
// active reservation are absent.
type ReservationMap map[string]Reservation

// Clone returns a deep copy of the map.
func (m ReservationMap) Clone() ReservationMap {
	if m == nil {
		return nil
	}
	out := make(ReservationMap, len(m))
	for id, r := range m {
		out[id] = Reservation{
			Paths:  append([]string(nil), r.Paths...),
			Reason: r.Reason,
		}
	}
	return out
}

// Message is the single wire record shape. Type selects which fields are
// meaningful; everything else stays at its zero value and is omitted from
// the encoded frame. Unknown fields within a known tag are ignored on decode.
type Message struct {
	Type string `json:"type"`

	// Identity fields (register, agent_left, agent_renamed, status_changed).
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	ParentID    string `json:"parentId,omitempty"`
	CWD         string `json:"cwd,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`

	// Conversational fields (dm, dm_response, broadcast, channel_send).
	To            string `json:"to,omitempty"`
	From          string `json:"from,omitempty"`
	FromName      string `json:"fromName,omitempty"`
	Content       string `json:"content,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	// Channel fields.
	Channel   string `json:"channel,omitempty"`
	By        string `json:"by,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`

	// Reservation fields.
	Paths  []string `json:"paths,omitempty"`
	Reason string   `json:"reason,omitempty"`

	// Rename fields.
	OldName string `json:"oldName,omitempty"`
	NewName string `json:"newName,omitempty"`

	// Presence fields.
	Status         Status `json:"status,omitempty"`
	StatusMessage  string `json:"statusMessage,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`

	// Snapshot payloads.
	Agent        *AgentInfo     `json:"agent,omitempty"`
	Agents       []AgentInfo    `json:"agents,omitempty"`
	Channels     []ChannelInfo  `json:"channels,omitempty"`
	Reservations ReservationMap `json:"reservations,omitempty"`

	// Error payload.
	Message string `json:"message,omitempty"`
}

// Encode serializes a message to a single JSON frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one frame. A nil error guarantees a non-empty Type is not
// required: unknown or absent tags are the receiver's problem, not a decode
// failure. Undecodable payloads return an error the broker answers with
// an "Invalid JSON" error record.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &m, nil
}

// Error builds an error record, echoing the correlation id of the offending
// record when it carried one.
func Error(message, correlationID string) *Message {
	return &Message{Type: TypeError, Message: message, CorrelationID: correlationID}
}
