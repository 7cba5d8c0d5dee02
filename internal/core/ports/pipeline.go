// Package ports defines the core interfaces for the gateway.
// This file contains the interfaces the staged thinking pipeline depends on.
package ports

import (
	"context"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// CompletionRequest is a single analysis call made on behalf of one stage.
type CompletionRequest struct {
	// System is the system instruction scoping the model to analysis-only output.
	System string
	// User is the substituted stage prompt plus the conversation transcript.
	User string
	// MaxTokens is the per-stage ceiling, distinct from the host's generation budget.
	MaxTokens int
	// Temperature is the sampling temperature.
	Temperature float32
}

// Completer performs one completion request against the stage backend and
// returns the text of the first choice.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// CompleterFunc adapts an ordinary function to the Completer interface.
type CompleterFunc func(ctx context.Context, req *CompletionRequest) (string, error)

// Complete calls f(ctx, req).
func (f CompleterFunc) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	return f(ctx, req)
}

// StageSource resolves the stage document.
type StageSource interface {
	// Load reads and validates the stage document.
	Load(ctx context.Context) (*domain.StageDocument, error)
	// Location describes where the document is read from, for logs and the admin API.
	Location() string
}
