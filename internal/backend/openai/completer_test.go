package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

func TestStageBackend_Complete(t *testing.T) {
	var got api.ChatCompletionRequest
	var internal string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal = r.Header.Get(domain.InternalHeader)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.ChatCompletionResponse{
			Choices: []api.Choice{{Message: api.ChatCompletionMessage{Role: "assistant", Content: "  Alice asked about the map.\n"}}},
		})
	}))
	defer srv.Close()

	backend := NewStageBackend(api.NewClient("sk", api.WithBaseURL(srv.URL)), "gpt-4o-mini")
	out, err := backend.Complete(context.Background(), &ports.CompletionRequest{
		System:      "analyze only",
		User:        "what happened?",
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if out != "Alice asked about the map." {
		t.Errorf("Complete() = %q", out)
	}
	if internal != domain.InternalHeaderValue {
		t.Errorf("internal header = %q, want %q", internal, domain.InternalHeaderValue)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", got.Model)
	}
	if got.MaxTokens != 500 {
		t.Errorf("max_tokens = %d, want 500", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.Temperature)
	}
	if len(got.Messages) != 2 ||
		got.Messages[0].Role != domain.RoleSystem || got.Messages[0].Content != "analyze only" ||
		got.Messages[1].Role != domain.RoleUser || got.Messages[1].Content != "what happened?" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestStageBackend_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantIs  error
	}{
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"id":"x","choices":[]}`))
			},
			wantIs: ErrEmptyResponse,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			backend := NewStageBackend(api.NewClient("sk", api.WithBaseURL(srv.URL)), "m")
			_, err := backend.Complete(context.Background(), &ports.CompletionRequest{User: "u"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want %v", err, tt.wantIs)
			}
		})
	}
}
