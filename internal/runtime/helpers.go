package runtime

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	anthropicapi "github.com/tjfontaine/staged-thinking-gateway/internal/api/anthropic"
	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/openai"
	anthropicbackend "github.com/tjfontaine/staged-thinking-gateway/internal/backend/anthropic"
	backend "github.com/tjfontaine/staged-thinking-gateway/internal/backend/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage/memory"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage/sqlite"
)

// openStorage creates the storage provider named by cfg.
func openStorage(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Type {
	case "", "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// tracedClient wraps the default transport with OpenTelemetry client spans.
func tracedClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// upstreamClient is the completion API host generations are forwarded to.
func upstreamClient(cfg config.UpstreamConfig, httpClient *http.Client) *api.Client {
	return api.NewClient(cfg.APIKey,
		api.WithBaseURL(cfg.BaseURL),
		api.WithHTTPClient(httpClient))
}

// NewStageBackend creates the completer used by the stages. For the openai
// type, unset backend fields fall back to the upstream configuration.
func NewStageBackend(cfg *config.Config, httpClient *http.Client) (ports.Completer, error) {
	b := cfg.Thinking.Backend
	switch b.Type {
	case "", config.BackendOpenAI:
		baseURL, apiKey := b.BaseURL, b.APIKey
		if baseURL == "" {
			baseURL = cfg.Upstream.BaseURL
		}
		if apiKey == "" {
			apiKey = cfg.Upstream.APIKey
		}
		client := api.NewClient(apiKey,
			api.WithBaseURL(baseURL),
			api.WithHTTPClient(httpClient))
		return backend.NewStageBackend(client, b.Model), nil
	case config.BackendAnthropic:
		client := anthropicapi.NewClient(b.APIKey,
			anthropicapi.WithBaseURL(b.BaseURL),
			anthropicapi.WithHTTPClient(httpClient))
		return anthropicbackend.NewStageBackend(client, b.Model), nil
	default:
		return nil, fmt.Errorf("unknown stage backend type %q", b.Type)
	}
}
