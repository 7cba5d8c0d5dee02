package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

const tracerName = "github.com/tjfontaine/staged-thinking-gateway/internal/pipeline"

var (
	// ErrDisabled is returned by Run when staged thinking is switched off.
	ErrDisabled = errors.New("staged thinking is disabled")
	// ErrNoStages is returned by Run when no stage document is loaded.
	ErrNoStages = errors.New("no stages loaded")
	// ErrAlreadyRunning is returned by Run while another run holds the pipeline.
	ErrAlreadyRunning = errors.New("staged thinking pipeline is already running")
)

// Settings are the runtime knobs of the pipeline. They can be swapped while
// the gateway runs; a run uses the settings in effect when it started.
type Settings struct {
	Enabled            bool
	ShowStages         bool
	MaxTokensPerStage  int
	DelayBetweenStages time.Duration
	ContextMessages    int
	MaxPromptChars     int
	StageTimeout       time.Duration
	Temperature        float32
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:            true,
		ShowStages:         true,
		MaxTokensPerStage:  500,
		DelayBetweenStages: 100 * time.Millisecond,
		ContextMessages:    DefaultContextMessages,
		StageTimeout:       60 * time.Second,
		Temperature:        0.7,
	}
}

// StageObserver is notified after every stage attempt.
type StageObserver interface {
	ObserveStage(name string, elapsed time.Duration, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithObserver registers a stage observer, typically the metrics recorder.
func WithObserver(o StageObserver) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// Executor is the staged pipeline controller.
type Executor struct {
	backend  ports.Completer
	logger   *slog.Logger
	tracer   trace.Tracer
	observer StageObserver

	sem     *semaphore.Weighted
	running atomic.Bool

	settings atomic.Pointer[Settings]
	stages   atomic.Pointer[domain.StageDocument]
}

// NewExecutor creates an executor that calls backend for every stage.
func NewExecutor(backend ports.Completer, settings Settings, opts ...Option) *Executor {
	e := &Executor{
		backend: backend,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		sem:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.settings.Store(&settings)
	return e
}

// Settings returns the current settings.
func (e *Executor) Settings() Settings {
	return *e.settings.Load()
}

// UpdateSettings replaces the settings for subsequent runs.
func (e *Executor) UpdateSettings(s Settings) {
	e.settings.Store(&s)
}

// SetStages replaces the stage document for subsequent runs. A nil document
// leaves the pipeline without stages.
func (e *Executor) SetStages(doc *domain.StageDocument) {
	e.stages.Store(doc)
}

// Stages returns the current stage document, or nil.
func (e *Executor) Stages() *domain.StageDocument {
	return e.stages.Load()
}

// Enabled reports whether the current settings allow runs.
func (e *Executor) Enabled() bool {
	return e.Settings().Enabled
}

// Running reports whether a run is in flight.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Run executes every stage against conv and returns the accumulated output.
// Individual stage failures never fail the run; the output simply lacks
// their blocks.
func (e *Executor) Run(ctx context.Context, conv domain.Conversation) (*domain.PipelineOutput, error) {
	settings := e.Settings()
	if !settings.Enabled {
		e.logger.Debug("staged thinking disabled, skipping run")
		return nil, ErrDisabled
	}

	doc := e.Stages()
	if doc == nil || len(doc.Stages) == 0 {
		e.logger.Warn("no stages loaded, skipping run")
		return nil, ErrNoStages
	}

	if !e.sem.TryAcquire(1) {
		e.logger.Info("pipeline already running, skipping run",
			slog.String("conversation_id", conv.ID))
		return nil, ErrAlreadyRunning
	}
	e.running.Store(true)
	defer func() {
		e.running.Store(false)
		e.sem.Release(1)
	}()

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("conversation.id", conv.ID),
			attribute.Int("pipeline.stages", len(doc.Stages)),
		))
	defer span.End()

	start := time.Now()
	transcript := FormatTranscript(conv.Messages, conv.Identity, settings.ContextMessages)
	exec := NewStageExecutor(e.backend, StageExecutorConfig{
		MaxTokens:      settings.MaxTokensPerStage,
		Temperature:    settings.Temperature,
		MaxPromptChars: settings.MaxPromptChars,
		Timeout:        settings.StageTimeout,
	})

	e.logger.Info("beginning staged generation",
		slog.String("conversation_id", conv.ID),
		slog.Int("stages", len(doc.Stages)))

	out := &domain.PipelineOutput{
		FinalPrompt: SubstituteParams(doc.FinalPrompt, conv.Identity),
	}
	var blocks []string

	for i, stage := range doc.Stages {
		content, err := e.runStage(ctx, exec, stage, i, len(doc.Stages), conv.Identity, strings.Join(blocks, "\n\n"), transcript, settings.ShowStages)
		if err != nil {
			out.FailedStages = append(out.FailedStages, stage.Name)
		} else {
			out.StageResults = append(out.StageResults, domain.StageResult{Name: stage.Name, Content: content})
			blocks = append(blocks, FormatBlock(stage.Name, content))
		}

		if i < len(doc.Stages)-1 && settings.DelayBetweenStages > 0 {
			wait(ctx, settings.DelayBetweenStages)
		}
	}

	out.AccumulatedThinking = strings.Join(blocks, "\n\n")

	span.SetAttributes(
		attribute.Int("pipeline.completed_stages", len(out.StageResults)),
		attribute.Int("pipeline.failed_stages", len(out.FailedStages)),
	)
	if len(out.StageResults) == 0 {
		span.SetStatus(codes.Error, "no stage produced output")
	}

	e.logger.Info("all stages complete",
		slog.String("conversation_id", conv.ID),
		slog.Int("completed", len(out.StageResults)),
		slog.Int("failed", len(out.FailedStages)),
		slog.Duration("duration", time.Since(start)))

	return out, nil
}

func (e *Executor) runStage(ctx context.Context, exec *StageExecutor, stage domain.StageDefinition, index, total int, id domain.Identity, previous, transcript string, show bool) (string, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage.name", stage.Name),
			attribute.Int("stage.index", index+1),
		))
	defer span.End()

	e.logger.Info("running stage",
		slog.Int("index", index+1),
		slog.Int("total", total),
		slog.String("stage", stage.Name))

	start := time.Now()
	content, err := exec.Execute(ctx, stage, id, previous, transcript)
	elapsed := time.Since(start)

	if e.observer != nil {
		e.observer.ObserveStage(stage.Name, elapsed, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("stage returned no result",
			slog.String("stage", stage.Name),
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed))
		return "", err
	}

	level := slog.LevelDebug
	if show {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "stage complete",
		slog.String("stage", stage.Name),
		slog.Duration("duration", elapsed),
		slog.String("content", content))

	return content, nil
}

// wait pauses for d or until ctx ends, whichever comes first.
func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
