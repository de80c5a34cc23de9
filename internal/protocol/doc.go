// Package protocol defines the wire vocabulary shared by the hive broker and
// its client sessions.
//
// # Framing
//
// The transport is WebSocket over loopback TCP. Every text frame carries
// exactly one JSON object with a "type" discriminator; the remaining fields
// depend on the tag. A single flat Message struct covers every tag so the
// broker's routing switch and the client's listener dispatch work off one
// decoded value.
//
// # Direction
//
// Agent → broker tags cover registration, conversational records (dm,
// broadcast, channel_send), channel membership, file reservations, renames,
// presence, and heartbeats. Broker → agent tags cover the registration
// snapshot, roster deltas, routed conversational records, reservation map
// updates, and per-session error records.
//
// # Compatibility
//
// Unknown tags are ignored by the broker; unknown fields within a known tag
// are dropped by encoding/json. Only an undecodable frame is answered with
// an error record, and even that never closes the session.
package protocol
