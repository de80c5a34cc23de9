// Package inbox serializes inbound conversational records into the host
// agent runtime.
//
// The runtime is not safe to interrupt mid-turn, so the contract is narrow:
// each DM, broadcast or channel message lands in exactly one new turn, never
// concurrently, in arrival order. Dispatch waits out a short settle delay
// after each turn; a fresh agent_start cancels the pending dispatch.
//
// A DM carrying a correlation id binds the runtime's next reply: when the
// turn it triggered ends, the last non-empty text block of the last
// assistant message goes back as dm_response. Failure paths answer with
// fixed fallback literals so the requester always gets exactly one response.
package inbox
