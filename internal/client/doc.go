// Package client is the agent-side session library for the broker.
//
// # Overview
//
// A Session wraps one WebSocket connection: Dial registers the agent and
// blocks until the broker's registered snapshot arrives, then a read loop
// dispatches every inbound record to listeners while a background goroutine
// heartbeats every 20 seconds.
//
// # Replica
//
// The session caches the roster and the reservation map. Fanout records
// (agent_joined, agent_left, agent_renamed, status_changed, channel events,
// reservations_updated) are folded into the cache before listeners run, so a
// listener reading Roster or Reservations always sees state at least as new
// as the record it was handed. The replica is advisory; the broker stays
// authoritative and ListAgents/ListChannels fetch fresh truth.
//
// # Requests
//
// Helpers that expect a broker reply correlate it and fail on timeout: two
// minutes for DMs (the peer may be mid-task), a few seconds for channel,
// reservation, rename and list operations. Protocol rejections surface as
// *BrokerError carrying the broker's message verbatim.
package client
