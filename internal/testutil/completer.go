package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

// FakeCompleter is a scripted ports.Completer that records every request.
type FakeCompleter struct {
	// Respond produces the reply for the zero-based call index. When nil,
	// call i answers "analysis <i+1>".
	Respond func(call int, req *ports.CompletionRequest) (string, error)

	// Gate, when non-nil, holds every call until it is closed or the call's
	// context ends.
	Gate chan struct{}

	mu       sync.Mutex
	requests []ports.CompletionRequest
	started  chan struct{}
}

// Complete implements ports.Completer.
func (f *FakeCompleter) Complete(ctx context.Context, req *ports.CompletionRequest) (string, error) {
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, *req)
	started := f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if f.Respond == nil {
		return fmt.Sprintf("analysis %d", call+1), nil
	}
	return f.Respond(call, req)
}

// Started returns a channel that receives once per call as it begins.
func (f *FakeCompleter) Started() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(chan struct{}, 16)
	}
	return f.started
}

// Calls returns the number of requests seen.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Request returns the i-th recorded request.
func (f *FakeCompleter) Request(i int) ports.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

var _ ports.Completer = (*FakeCompleter)(nil)
