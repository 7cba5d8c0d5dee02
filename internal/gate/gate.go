// Package gate decides whether a generation should start a staged thinking run.
package gate

import (
	"sync"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// Reason explains a gate decision. Values are stable and used as metric labels.
type Reason string

const (
	ReasonAdmitted        Reason = "admitted"
	ReasonDisabled        Reason = "disabled"
	ReasonInternal        Reason = "internal_request"
	ReasonRunning         Reason = "pipeline_running"
	ReasonColdStart       Reason = "cold_start"
	ReasonEmptyTranscript Reason = "empty_transcript"
	ReasonNotUserMessage  Reason = "last_not_user"
	ReasonDuplicate       Reason = "duplicate_message"
)

// Reasons lists every reason in rule order.
var Reasons = []Reason{
	ReasonDisabled,
	ReasonInternal,
	ReasonRunning,
	ReasonColdStart,
	ReasonEmptyTranscript,
	ReasonNotUserMessage,
	ReasonDuplicate,
	ReasonAdmitted,
}

// PipelineState is the view of the pipeline the gate needs.
type PipelineState interface {
	Enabled() bool
	Running() bool
}

// Notification is a generation-about-to-start event from the host.
type Notification struct {
	Conversation domain.Conversation
	// Internal is set when the generation was issued by the pipeline itself.
	Internal bool
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Admit  bool
	Reason Reason
	// Key is the message key of the last user turn, when one was computed.
	Key MessageKey
}

// Gate holds the admission state: the last processed message key and the
// cold-start flag armed by Reset.
type Gate struct {
	pipeline PipelineState

	mu           sync.Mutex
	lastKey      MessageKey
	hasLastKey   bool
	suppressNext bool
}

// New creates a gate for the given pipeline.
func New(pipeline PipelineState) *Gate {
	return &Gate{pipeline: pipeline}
}

// Evaluate applies the admission rules in order; the first matching rule
// decides. An admitted message's key is recorded before Evaluate returns, so
// a concurrent notification for the same turn is rejected as a duplicate.
func (g *Gate) Evaluate(n Notification) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pipeline.Enabled() {
		return Decision{Reason: ReasonDisabled}
	}
	if n.Internal {
		return Decision{Reason: ReasonInternal}
	}
	if g.pipeline.Running() {
		return Decision{Reason: ReasonRunning}
	}
	if g.suppressNext {
		g.suppressNext = false
		return Decision{Reason: ReasonColdStart}
	}

	turns := Turns(n.Conversation.Messages)
	if len(turns) == 0 {
		return Decision{Reason: ReasonEmptyTranscript}
	}

	last := turns[len(turns)-1]
	if !last.IsUser() {
		return Decision{Reason: ReasonNotUserMessage}
	}

	key := KeyOf(last, len(turns))
	if g.hasLastKey && key == g.lastKey {
		return Decision{Reason: ReasonDuplicate, Key: key}
	}

	g.lastKey = key
	g.hasLastKey = true
	return Decision{Admit: true, Reason: ReasonAdmitted, Key: key}
}

// Reset forgets the last processed message and suppresses the next
// notification. It is called when the active conversation changes.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastKey = ""
	g.hasLastKey = false
	g.suppressNext = true
}

// LastKey returns the most recently admitted message key.
func (g *Gate) LastKey() (MessageKey, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastKey, g.hasLastKey
}

// Turns drops system entries, which frame the conversation rather than
// belong to it.
func Turns(msgs []domain.ChatMessage) []domain.ChatMessage {
	turns := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleSystem {
			turns = append(turns, m)
		}
	}
	return turns
}
