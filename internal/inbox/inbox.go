// ABOUTME: Per-agent inbox: serializes inbound DMs, broadcasts and channel
// ABOUTME: messages into the host runtime one at a time, binding correlated replies.

package inbox

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pi-hive/hive/internal/protocol"
)

// Fallback reply literals. The requester of a correlated DM always gets
// exactly one dm_response, even when the runtime produced nothing usable.
const (
	FallbackNoText        = "(agent processing — no text response produced)"
	FallbackDeliverFailed = "(failed to deliver message to agent)"
)

// settleDelay is tuning, not semantics: it gives the runtime a moment to
// begin a follow-on turn of its own before the next record is injected.
const settleDelay = 300 * time.Millisecond

// Runtime is the host LLM runtime's injection surface. Inject is the normal
// path; FollowUp is the retry primitive used when Inject fails.
type Runtime interface {
	Inject(content string) error
	FollowUp(content string) error
}

// Sender emits dm_response records back to the broker. *client.Session
// satisfies it.
type Sender interface {
	RespondDM(to, correlationID, content string) error
}

// TurnMessage is one entry of the runtime's conversation log as handed to
// AgentEnd. Blocks holds the message's text blocks in order.
type TurnMessage struct {
	Role   string
	Blocks []string
}

type pendingReply struct {
	to            string
	correlationID string
}

type item struct {
	label         string
	content       string
	from          string
	correlationID string
}

// Inbox funnels inbound conversational records into the agent's conversation
// strictly one at a time: nothing is dispatched while a runtime turn is
// active, and each dispatch waits out a settle delay that any fresh
// agent_start cancels.
type Inbox struct {
	runtime Runtime
	sender  Sender
	logger  *slog.Logger
	settle  time.Duration

	mu         sync.Mutex
	queue      []item
	turnActive bool
	inFlight   bool
	timer      *time.Timer
	pending    *pendingReply
}

// New creates an inbox bound to a runtime and a reply sender.
func New(runtime Runtime, sender Sender, logger *slog.Logger) *Inbox {
	return &Inbox{
		runtime: runtime,
		sender:  sender,
		logger:  logger.With("component", "inbox"),
		settle:  settleDelay,
	}
}

// HandleRecord enqueues conversational records; everything else passes
// through untouched. Wire it as a session listener.
func (i *Inbox) HandleRecord(m *protocol.Message) {
	var it item
	switch m.Type {
	case protocol.TypeDM:
		it = item{
			label:         fmt.Sprintf("From %s", m.FromName),
			content:       m.Content,
			from:          m.FromName,
			correlationID: m.CorrelationID,
		}
	case protocol.TypeBroadcast:
		it = item{
			label:   fmt.Sprintf("Broadcast from %s", m.FromName),
			content: m.Content,
		}
	case protocol.TypeChannelMessage:
		it = item{
			label:   fmt.Sprintf("#%s from %s", m.Channel, m.FromName),
			content: m.Content,
		}
	default:
		return
	}

	i.mu.Lock()
	i.queue = append(i.queue, it)
	i.scheduleLocked()
	i.mu.Unlock()
}

// AgentStart marks the runtime as mid-turn and cancels any scheduled
// dispatch.
func (i *Inbox) AgentStart() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.turnActive = true
	i.cancelTimerLocked()
}

// AgentEnd marks the turn finished. If the just-finished turn was answering a
// correlated DM, the reply is extracted from the log and sent now. Then the
// next queued record, if any, is scheduled.
func (i *Inbox) AgentEnd(messages []TurnMessage) {
	i.mu.Lock()
	i.turnActive = false
	i.inFlight = false
	pending := i.pending
	i.pending = nil
	i.scheduleLocked()
	i.mu.Unlock()

	if pending == nil {
		return
	}
	reply := extractReply(messages)
	if err := i.sender.RespondDM(pending.to, pending.correlationID, reply); err != nil {
		i.logger.Warn("sending dm_response failed",
			"to", pending.to,
			"correlation_id", pending.correlationID,
			"error", err,
		)
	}
}

// scheduleLocked arms the settle timer when a dispatch is possible. Caller
// holds i.mu.
func (i *Inbox) scheduleLocked() {
	if i.turnActive || i.inFlight || len(i.queue) == 0 || i.timer != nil {
		return
	}
	i.timer = time.AfterFunc(i.settle, i.dispatch)
}

func (i *Inbox) cancelTimerLocked() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// dispatch pops the head of the queue and injects it as a synthetic user
// turn. A DM with a correlation id becomes the pending reply, answered on
// the next AgentEnd.
func (i *Inbox) dispatch() {
	i.mu.Lock()
	i.timer = nil
	if i.turnActive || i.inFlight || len(i.queue) == 0 {
		i.mu.Unlock()
		return
	}
	it := i.queue[0]
	i.queue = i.queue[1:]
	i.inFlight = true
	if it.correlationID != "" {
		i.pending = &pendingReply{to: it.from, correlationID: it.correlationID}
	}
	i.mu.Unlock()

	text := fmt.Sprintf("[%s]: %s", it.label, it.content)
	if err := i.runtime.Inject(text); err != nil {
		i.logger.Warn("injection failed, retrying as follow-up", "error", err)
		if err := i.runtime.FollowUp(text); err != nil {
			i.logger.Error("follow-up injection failed, dropping record", "error", err)
			i.failDispatch()
			return
		}
	}
}

// failDispatch runs when both injection attempts fail: the requester, if
// any, gets the delivery-failure fallback and the queue moves on.
func (i *Inbox) failDispatch() {
	i.mu.Lock()
	i.inFlight = false
	pending := i.pending
	i.pending = nil
	i.scheduleLocked()
	i.mu.Unlock()

	if pending != nil {
		if err := i.sender.RespondDM(pending.to, pending.correlationID, FallbackDeliverFailed); err != nil {
			i.logger.Warn("sending fallback dm_response failed",
				"to", pending.to,
				"error", err,
			)
		}
	}
}

// extractReply pulls the last non-empty text block from the last assistant
// message of the log, falling back to the no-text literal.
func extractReply(messages []TurnMessage) string {
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if messages[idx].Role != "assistant" {
			continue
		}
		blocks := messages[idx].Blocks
		for j := len(blocks) - 1; j >= 0; j-- {
			if text := strings.TrimSpace(blocks[j]); text != "" {
				return text
			}
		}
		break
	}
	return FallbackNoText
}
