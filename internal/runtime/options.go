package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/tjfontaine/staged-thinking-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/metrics"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage/memory"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage/sqlite"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage for run history and text-completion transcripts.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.storage = store
		return nil
	}
}

// WithMemoryStorage keeps run history and transcripts in process memory.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		g.storage = memory.New()
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithStageSource overrides the stage document source named in the config.
func WithStageSource(source ports.StageSource) Option {
	return func(g *Gateway) error {
		g.stageSource = source
		return nil
	}
}

// WithMetrics sets the Prometheus recorder exposed at /metrics.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(g *Gateway) error {
		g.metrics = recorder
		return nil
	}
}

// WithHTTPClient sets the client used for upstream and stage backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithTraceWriter sets where spans are exported when telemetry is enabled.
func WithTraceWriter(w io.Writer) Option {
	return func(g *Gateway) error {
		g.traceOut = w
		return nil
	}
}

// WithListener serves on ln instead of listening on the configured port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = ln
		return nil
	}
}
