// Package broker implements the coordination hub for a multi-agent chat
// network.
//
// # Overview
//
// Every agent process holds one bidirectional WebSocket session with the
// broker. The broker is the only authoritative owner of cross-agent state:
// the live agent registry, the channel table, and the advisory file
// reservation table. All of it is in-memory and dies with the process.
//
// # Sessions
//
// A session starts with a register record; everything before it draws an
// error record and is ignored. After registration the broker routes
// point-to-point DMs, broadcasts, and channel messages, arbitrates
// reservations, and answers list and rename requests. Protocol errors never
// close a session; only transport failure, heartbeat timeout, or the
// administrative DisconnectAgentByName hook do.
//
// # Concurrency
//
// One mutex guards the registry, channel table and reservation table. The
// routing path snapshots recipient lists under the lock and queues outbound
// frames on non-blocking per-session channels, so a slow reader can never
// stall another session.
//
// # Heartbeats
//
// Agents heartbeat every 20 seconds; the reaper sweeps every 30 and evicts
// anything silent for 60. Eviction runs the same idempotent cleanup as a
// transport close: registry entry, channel memberships and reservations go
// together, and everyone else observes reservations_updated and agent_left.
package broker
