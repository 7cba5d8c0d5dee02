package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/anthropic"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

func TestStageBackend_Complete(t *testing.T) {
	var got api.MessagesRequest
	var internal string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal = r.Header.Get(domain.InternalHeader)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.MessagesResponse{
			Role:    "assistant",
			Content: []api.ResponseContent{{Type: "text", Text: "\n Bob is testing Alice. "}},
		})
	}))
	defer srv.Close()

	backend := NewStageBackend(api.NewClient("sk-ant", api.WithBaseURL(srv.URL)), "claude-3-5-haiku-latest")
	out, err := backend.Complete(context.Background(), &ports.CompletionRequest{
		System:      "analyze only",
		User:        "what happened?",
		MaxTokens:   400,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if out != "Bob is testing Alice." {
		t.Errorf("Complete() = %q", out)
	}
	if internal != domain.InternalHeaderValue {
		t.Errorf("internal header = %q, want %q", internal, domain.InternalHeaderValue)
	}
	if got.Model != "claude-3-5-haiku-latest" || got.MaxTokens != 400 {
		t.Errorf("model = %q, max_tokens = %d", got.Model, got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.Temperature)
	}
	if len(got.System) != 1 || got.System[0].Text != "analyze only" {
		t.Errorf("system = %+v", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != domain.RoleUser || got.Messages[0].Content.String() != "what happened?" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestStageBackend_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.MessagesResponse{Role: "assistant"})
	}))
	defer srv.Close()

	backend := NewStageBackend(api.NewClient("k", api.WithBaseURL(srv.URL)), "m")
	if _, err := backend.Complete(context.Background(), &ports.CompletionRequest{User: "u", MaxTokens: 1}); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Complete() error = %v, want ErrEmptyResponse", err)
	}
}

func TestStageBackend_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	backend := NewStageBackend(api.NewClient("k", api.WithBaseURL(srv.URL)), "m")
	_, err := backend.Complete(context.Background(), &ports.CompletionRequest{User: "u", MaxTokens: 1})

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeRateLimit {
		t.Errorf("Complete() error = %v, want wrapped rate limit error", err)
	}
}
