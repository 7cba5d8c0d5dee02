// Package openai adapts the OpenAI wire client to the stage Completer port.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

// ErrEmptyResponse is returned when the backend answers without any choices.
var ErrEmptyResponse = errors.New("backend returned no choices")

// StageBackend runs stage analysis calls as chat completions. Every request
// is marked internal so that the gateway does not treat it as a host generation.
type StageBackend struct {
	client *api.Client
	model  string
}

// NewStageBackend creates a stage backend using client and model.
func NewStageBackend(client *api.Client, model string) *StageBackend {
	return &StageBackend{client: client, model: model}
}

// Complete implements ports.Completer.
func (b *StageBackend) Complete(ctx context.Context, req *ports.CompletionRequest) (string, error) {
	ctx = domain.WithInternal(ctx)

	temperature := req.Temperature
	chatReq := &api.ChatCompletionRequest{
		Model: b.model,
		Messages: []api.ChatCompletionMessage{
			{Role: domain.RoleSystem, Content: req.System},
			{Role: domain.RoleUser, Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq, &api.RequestOptions{
		Headers: http.Header{domain.InternalHeader: {domain.InternalHeaderValue}},
	})
	if err != nil {
		return "", fmt.Errorf("stage completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var _ ports.Completer = (*StageBackend)(nil)
