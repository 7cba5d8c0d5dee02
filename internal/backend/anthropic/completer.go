// Package anthropic adapts the Anthropic Messages client to the stage Completer port.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/anthropic"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

// ErrEmptyResponse is returned when the backend answers without a text block.
var ErrEmptyResponse = errors.New("backend returned no text content")

// StageBackend runs stage analysis calls through the Messages API. The
// system instruction travels as a system block, not as a message.
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
	msgReq := &api.MessagesRequest{
		Model:       b.model,
		Messages:    []api.Message{{Role: domain.RoleUser, Content: api.TextContent(req.User)}},
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	}
	if req.System != "" {
		msgReq.System = api.SystemMessages{{Type: "text", Text: req.System}}
	}

	resp, err := b.client.CreateMessage(ctx, msgReq, &api.RequestOptions{
		Headers: http.Header{domain.InternalHeader: {domain.InternalHeaderValue}},
	})
	if err != nil {
		return "", fmt.Errorf("stage completion: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(text), nil
}

var _ ports.Completer = (*StageBackend)(nil)
