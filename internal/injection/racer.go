// Package injection attaches a finished pipeline output to exactly one
// outgoing upstream request.
//
// The host exposes two extension points per generation: the outgoing message
// list (chat completions) and the outgoing prompt string (text completions).
// Whichever fires first with a pending output consumes it; the other finds
// the slot empty.
package injection

import (
	"sync"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// Banner heads every injected reasoning block.
const Banner = "[COMPLETED STAGED REASONING - FOLLOW THIS ANALYSIS]"

// Format renders out as the text injected into the upstream request.
func Format(out *domain.PipelineOutput) string {
	return Banner + "\n" + out.AccumulatedThinking + "\n\n" + out.FinalPrompt
}

// Target is an extension point that can receive the injected text.
type Target interface {
	Inject(text string)
	// Point names the extension point for run records and metrics.
	Point() domain.InjectionPoint
}

// Racer holds at most one pending output.
type Racer struct {
	mu      sync.Mutex
	pending *domain.PipelineOutput
}

// NewRacer creates an empty racer.
func NewRacer() *Racer {
	return &Racer{}
}

// SetPending stores out, replacing anything already pending.
func (r *Racer) SetPending(out *domain.PipelineOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = out
}

// Pending reports whether an output is waiting to be consumed.
func (r *Racer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// TryConsume injects the pending output into target and empties the slot.
// It returns the consumed output, or nil when the slot was empty or the
// request was issued by the pipeline itself.
func (r *Racer) TryConsume(target Target, internal bool) *domain.PipelineOutput {
	if internal {
		return nil
	}

	r.mu.Lock()
	out := r.pending
	r.pending = nil
	r.mu.Unlock()

	if out == nil {
		return nil
	}
	target.Inject(Format(out))
	return out
}

// Clear empties the slot and returns whatever was dropped, or nil.
func (r *Racer) Clear() *domain.PipelineOutput {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.pending
	r.pending = nil
	return out
}
