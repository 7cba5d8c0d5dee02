// Package orchestrator owns the staged thinking state of one gateway process:
// the pipeline executor, the trigger gate and the injection racer. The host
// drives it through one method per lifecycle notification.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/gate"
	"github.com/tjfontaine/staged-thinking-gateway/internal/injection"
	"github.com/tjfontaine/staged-thinking-gateway/internal/metrics"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pipeline"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
	"github.com/tjfontaine/staged-thinking-gateway/internal/tokens"
)

// ManualFailureMessage is returned by RunManual when no thinking was produced.
const ManualFailureMessage = "Staged thinking failed or is disabled."

// runStatusSkipped labels runs the executor refused to start.
const runStatusSkipped = "skipped"

const storeTimeout = 5 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRunStore persists a record of every run.
func WithRunStore(store ports.RunStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithMetrics records gate, run and injection metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithInjectionPosition sets where the message-list target inserts thinking.
func WithInjectionPosition(p injection.Position) Option {
	return func(o *Orchestrator) {
		o.position = p
	}
}

// WithTokenCounter measures injected thinking in tokens of the host model.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(o *Orchestrator) {
		o.tokens = c
	}
}

// Orchestrator is the staged-generation state of the process.
type Orchestrator struct {
	executor *pipeline.Executor
	gate     *gate.Gate
	racer    *injection.Racer
	store    ports.RunStore
	metrics  *metrics.Recorder
	tokens   *tokens.Counter
	logger   *slog.Logger

	mu       sync.Mutex
	position injection.Position
	activeID string
	// pendingRuns maps outputs placed in the racer to their run record IDs.
	pendingRuns map[*domain.PipelineOutput]string
}

// New creates an orchestrator around executor.
func New(executor *pipeline.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:    executor,
		racer:       injection.NewRacer(),
		logger:      slog.Default(),
		position:    injection.PositionAppend,
		pendingRuns: make(map[*domain.PipelineOutput]string),
	}
	o.gate = gate.New(executor)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Executor returns the pipeline executor.
func (o *Orchestrator) Executor() *pipeline.Executor {
	return o.executor
}

// ConversationChanged resets admission state and discards any pending output.
// The next generation notification is suppressed as a cold start.
func (o *Orchestrator) ConversationChanged(id string) {
	o.gate.Reset()
	if dropped := o.racer.Clear(); dropped != nil {
		o.logger.Info("discarding pending thinking on conversation change",
			slog.String("conversation_id", id))
		o.markDropped(dropped)
	}
	o.logger.Debug("conversation changed", slog.String("conversation_id", id))
}

// ObserveConversation tracks the active conversation and calls
// ConversationChanged when id differs from the previous one. It reports
// whether a change was emitted.
func (o *Orchestrator) ObserveConversation(id string) bool {
	o.mu.Lock()
	if o.activeID == id {
		o.mu.Unlock()
		return false
	}
	o.activeID = id
	o.mu.Unlock()

	o.ConversationChanged(id)
	return true
}

// ActiveConversation returns the last conversation passed to ObserveConversation.
func (o *Orchestrator) ActiveConversation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeID
}

// GenerationStarted handles the generation-about-to-start notification. When
// the gate admits it, the pipeline runs to completion before returning and a
// non-empty result becomes the pending output.
func (o *Orchestrator) GenerationStarted(ctx context.Context, conv domain.Conversation, internal bool) (*domain.PipelineOutput, gate.Decision) {
	d := o.gate.Evaluate(gate.Notification{Conversation: conv, Internal: internal})
	o.metrics.ObserveGate(string(d.Reason))

	if !d.Admit {
		o.logger.Debug("generation not admitted",
			slog.String("conversation_id", conv.ID),
			slog.String("reason", string(d.Reason)))
		return nil, d
	}

	out, rec, err := o.run(ctx, conv, domain.RunTriggerAuto)
	if err != nil {
		o.dropStale()
		return nil, d
	}

	if !out.HasThinking() {
		o.logger.Warn("pipeline produced no thinking, nothing to inject",
			slog.String("conversation_id", conv.ID),
			slog.Any("failed_stages", out.FailedStages))
		o.dropStale()
		return out, d
	}

	o.setPending(out, rec.ID)
	return out, d
}

// PromptReadyMessages handles the message-list prompt-ready notification.
func (o *Orchestrator) PromptReadyMessages(msgs *[]domain.Message, internal bool) bool {
	o.mu.Lock()
	position := o.position
	o.mu.Unlock()

	return o.consume(injection.MessageList{Messages: msgs, Position: position}, internal)
}

// PromptReadyText handles the string prompt-ready notification.
func (o *Orchestrator) PromptReadyText(prompt *string, internal bool) bool {
	return o.consume(injection.PromptText{Prompt: prompt}, internal)
}

// GenerationEnded clears any output no extension point consumed.
func (o *Orchestrator) GenerationEnded(internal bool) {
	if internal {
		return
	}
	dropped := o.racer.Clear()
	if dropped == nil {
		return
	}

	o.logger.Warn("injection race miss, pending thinking dropped",
		slog.Int("stages", len(dropped.StageResults)))
	o.metrics.IncInjectionDrop()
	o.markDropped(dropped)
}

// Think runs the pipeline on demand without touching the pending output and
// returns the run record.
func (o *Orchestrator) Think(ctx context.Context, conv domain.Conversation) (*domain.RunRecord, error) {
	_, rec, err := o.run(ctx, conv, domain.RunTriggerManual)
	return rec, err
}

// RunManual is the manual trigger. It returns the accumulated thinking, or
// ManualFailureMessage when the run was refused or produced nothing.
func (o *Orchestrator) RunManual(ctx context.Context, conv domain.Conversation) string {
	out, _, err := o.run(ctx, conv, domain.RunTriggerManual)
	if err != nil || !out.HasThinking() {
		return ManualFailureMessage
	}
	return out.AccumulatedThinking
}

// UpdateSettings replaces the pipeline settings for subsequent runs.
func (o *Orchestrator) UpdateSettings(s pipeline.Settings) {
	o.executor.UpdateSettings(s)
	o.logger.Info("staged thinking settings updated",
		slog.Bool("enabled", s.Enabled),
		slog.Bool("show_stages", s.ShowStages),
		slog.Int("max_tokens_per_stage", s.MaxTokensPerStage),
		slog.Duration("delay_between_stages", s.DelayBetweenStages))
}

// SetStages replaces the stage document for subsequent runs.
func (o *Orchestrator) SetStages(doc *domain.StageDocument) {
	o.executor.SetStages(doc)
	o.logger.Info("stages updated", slog.Any("stages", doc.StageNames()))
}

// LoadStages reads the stage document from src and installs it.
func (o *Orchestrator) LoadStages(ctx context.Context, src ports.StageSource) (*domain.StageDocument, error) {
	doc, err := src.Load(ctx)
	o.ApplyStages(doc, err)
	return doc, err
}

// ApplyStages installs the result of a stage document load. A failed load
// leaves the pipeline without stages until the next successful one.
func (o *Orchestrator) ApplyStages(doc *domain.StageDocument, err error) {
	if err != nil {
		o.logger.Error("stage document unavailable, staged thinking has no stages",
			slog.String("error", err.Error()))
		o.SetStages(nil)
		return
	}
	o.SetStages(doc)
}

// InjectionPosition returns where the message-list target inserts thinking.
func (o *Orchestrator) InjectionPosition() injection.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.position
}

// SetInjectionPosition changes where the message-list target inserts thinking.
func (o *Orchestrator) SetInjectionPosition(p injection.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position = p
}

// ApplyConfig applies a reloaded thinking configuration.
func (o *Orchestrator) ApplyConfig(cfg config.ThinkingConfig) {
	o.UpdateSettings(pipeline.SettingsFromConfig(cfg))
	o.SetInjectionPosition(injection.Position(cfg.InjectionPosition))
}

// Pending reports whether an output is waiting for a prompt-ready notification.
func (o *Orchestrator) Pending() bool {
	return o.racer.Pending()
}

func (o *Orchestrator) run(ctx context.Context, conv domain.Conversation, trigger domain.RunTrigger) (*domain.PipelineOutput, *domain.RunRecord, error) {
	start := time.Now()
	out, err := o.executor.Run(ctx, conv)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.ObserveRun(string(trigger), runStatusSkipped, elapsed)
		level := slog.LevelWarn
		if errors.Is(err, pipeline.ErrDisabled) || errors.Is(err, pipeline.ErrAlreadyRunning) {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "pipeline run skipped",
			slog.String("conversation_id", conv.ID),
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()))
		return nil, nil, err
	}

	o.metrics.ObserveRun(string(trigger), string(domain.StatusOf(out)), elapsed)

	rec := &domain.RunRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Trigger:        trigger,
		Status:         domain.StatusOf(out),
		StageResults:   out.StageResults,
		FailedStages:   out.FailedStages,
		Thinking:       out.AccumulatedThinking,
		FinalPrompt:    out.FinalPrompt,
		Duration:       elapsed,
		CreatedAt:      start,
	}
	if o.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := o.store.SaveRun(sctx, rec); err != nil {
			o.logger.Error("failed to save run",
				slog.String("run_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}

	return out, rec, nil
}

func (o *Orchestrator) setPending(out *domain.PipelineOutput, runID string) {
	o.mu.Lock()
	// SetPending overwrites; whatever was waiting is forgotten.
	clear(o.pendingRuns)
	o.pendingRuns[out] = runID
	o.mu.Unlock()

	o.racer.SetPending(out)
}

func (o *Orchestrator) consume(target injection.Target, internal bool) bool {
	out := o.racer.TryConsume(target, internal)
	if out == nil {
		return false
	}

	point := target.Point()
	o.metrics.IncInjection(string(point))
	attrs := []any{
		slog.String("point", string(point)),
		slog.Int("stages", len(out.StageResults)),
	}
	if o.tokens != nil {
		n := o.tokens.Count(injection.Format(out))
		o.metrics.ObserveInjectedTokens(string(point), n)
		attrs = append(attrs, slog.Int("tokens", n))
	}
	o.logger.Info("injected staged thinking", attrs...)

	if runID := o.takeRunID(out); runID != "" && o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := o.store.MarkInjected(ctx, runID, point); err != nil {
			o.logger.Error("failed to mark run injected",
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	}
	return true
}

// dropStale discards output left over from an earlier generation so an
// admitted run that produced nothing never injects older thinking.
func (o *Orchestrator) dropStale() {
	dropped := o.racer.Clear()
	if dropped == nil {
		return
	}
	o.logger.Warn("stale pending thinking dropped",
		slog.Int("stages", len(dropped.StageResults)))
	o.metrics.IncInjectionDrop()
	o.markDropped(dropped)
}

func (o *Orchestrator) markDropped(out *domain.PipelineOutput) {
	runID := o.takeRunID(out)
	if runID == "" || o.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.MarkDropped(ctx, runID); err != nil {
		o.logger.Error("failed to mark run dropped",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) takeRunID(out *domain.PipelineOutput) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.pendingRuns[out]
	delete(o.pendingRuns, out)
	return id
}
