// Package runtime provides the Gateway struct and lifecycle management for
// the staged thinking gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/tjfontaine/staged-thinking-gateway/internal/api/admin"
	"github.com/tjfontaine/staged-thinking-gateway/internal/auth"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	frontdoor "github.com/tjfontaine/staged-thinking-gateway/internal/frontdoor/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/injection"
	"github.com/tjfontaine/staged-thinking-gateway/internal/metrics"
	"github.com/tjfontaine/staged-thinking-gateway/internal/orchestrator"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pipeline"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
	"github.com/tjfontaine/staged-thinking-gateway/internal/server"
	"github.com/tjfontaine/staged-thinking-gateway/internal/stages"
	"github.com/tjfontaine/staged-thinking-gateway/internal/telemetry"
	"github.com/tjfontaine/staged-thinking-gateway/internal/tokens"
)

// Gateway is the main entry point for running the staged thinking gateway.
// It owns configuration, storage, the orchestrator and the HTTP server.
type Gateway struct {
	// Dependencies (injected via options)
	config      ports.ConfigProvider
	storage     ports.StorageProvider
	stageSource ports.StageSource
	metrics     *metrics.Recorder
	httpClient  *http.Client
	traceOut    io.Writer
	listener    net.Listener
	logger      *slog.Logger

	// Internal state
	orch           *orchestrator.Orchestrator
	server         *server.Server
	shutdownTracer telemetry.Shutdown
	addr           net.Addr

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
	mu     sync.RWMutex
}

// New creates a new Gateway with the given options. A config provider is
// required; storage defaults to what the configuration names.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.metrics == nil {
		gw.metrics = metrics.NewRecorder()
	}
	if gw.httpClient == nil {
		gw.httpClient = tracedClient()
	}

	return gw, nil
}

// Start loads configuration, wires the orchestrator and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if g.storage == nil {
		if g.storage, err = openStorage(cfg.Storage); err != nil {
			return err
		}
	}

	tp, shutdown, err := telemetry.Setup(cfg.Telemetry, g.traceOut, g.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	g.shutdownTracer = shutdown

	completer, err := NewStageBackend(cfg, g.httpClient)
	if err != nil {
		return err
	}

	exec := pipeline.NewExecutorFromConfig(cfg.Thinking, completer,
		pipeline.WithLogger(g.logger),
		pipeline.WithObserver(g.metrics),
		pipeline.WithTracerProvider(tp))

	g.orch = orchestrator.New(exec,
		orchestrator.WithLogger(g.logger),
		orchestrator.WithRunStore(g.storage),
		orchestrator.WithMetrics(g.metrics),
		orchestrator.WithTokenCounter(tokens.NewCounter(cfg.Thinking.TokenModel)),
		orchestrator.WithInjectionPosition(injection.Position(cfg.Thinking.InjectionPosition)))

	if err := g.initStages(cfg); err != nil {
		return fmt.Errorf("init stages: %w", err)
	}

	if err := g.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("addr", g.addr.String()),
		slog.Bool("thinking_enabled", cfg.Thinking.Enabled),
		slog.Any("stages", exec.Stages().StageNames()))

	return nil
}

// Orchestrator returns the running orchestrator, or nil before Start.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orch
}

// Addr returns the address the server listens on, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.addr
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var serveErr error
	if g.done != nil {
		select {
		case serveErr = <-g.done:
		case <-ctx.Done():
			serveErr = ctx.Err()
		}
		g.done = nil
	}

	if closer, ok := g.stageSource.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			g.logger.Error("failed to close stage source", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.shutdownTracer != nil {
		if err := g.shutdownTracer(ctx); err != nil {
			g.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	if serveErr != nil {
		g.logger.Error("server stopped with error", slog.String("error", serveErr.Error()))
		return serveErr
	}
	g.logger.Info("gateway shutdown complete")
	return nil
}

// initStages loads the stage document and, when configured, watches it.
// A missing document is not fatal: the pipeline runs without stages until
// the document appears.
func (g *Gateway) initStages(cfg *config.Config) error {
	if g.stageSource == nil {
		src, err := stages.NewFileSource(cfg.Thinking.StagesPath, g.logger)
		if err != nil {
			return err
		}
		g.stageSource = src
	}

	if _, err := g.orch.LoadStages(g.ctx, g.stageSource); err != nil {
		g.logger.Warn("starting without stages",
			slog.String("location", g.stageSource.Location()),
			slog.String("error", err.Error()))
	}

	watcher, ok := g.stageSource.(interface {
		Watch(context.Context, func(*domain.StageDocument, error)) error
	})
	if !cfg.Thinking.WatchStages || !ok {
		return nil
	}
	return watcher.Watch(g.ctx, g.orch.ApplyStages)
}

// watchConfig applies thinking settings from config changes. Server, storage
// and upstream settings take effect on restart.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, applying thinking settings")
		g.orch.ApplyConfig(newCfg.Thinking)
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// startServer mounts the frontdoor, admin API and metrics, then serves in
// the background until the gateway context ends.
func (g *Gateway) startServer(cfg *config.Config) error {
	keys, err := auth.NewKeySet(cfg.Server.AdminKeyHashes)
	if err != nil {
		return fmt.Errorf("admin keys: %w", err)
	}

	g.server = server.New(cfg.Server.Port, cfg.Server.RequestTimeoutDuration(), g.logger)
	r := g.server.Router

	frontdoor.NewHandler(upstreamClient(cfg.Upstream, g.httpClient), g.orch, g.storage, g.logger).Routes(r)
	switch {
	case !keys.Empty():
		r.Mount("/admin", admin.NewServer(g.orch, g.storage, g.stageSource, keys, g.logger))
	case cfg.Server.AdminOpen:
		g.logger.Warn("server.admin_open is set, admin API is unauthenticated")
		r.Mount("/admin", admin.NewServer(g.orch, g.storage, g.stageSource, keys, g.logger))
	default:
		g.logger.Info("no admin key hashes configured, admin API disabled")
	}
	r.Handle("/metrics", g.metrics.Handler())

	ln := g.listener
	if ln == nil {
		if ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
		}
	}
	g.addr = ln.Addr()

	g.done = make(chan error, 1)
	go func() {
		g.done <- g.server.Serve(g.ctx, ln)
	}()
	return nil
}
