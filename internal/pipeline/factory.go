package pipeline

import (
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
)

// SettingsFromConfig converts the thinking configuration into pipeline settings.
func SettingsFromConfig(cfg config.ThinkingConfig) Settings {
	return Settings{
		Enabled:            cfg.Enabled,
		ShowStages:         cfg.ShowStages,
		MaxTokensPerStage:  cfg.MaxTokensPerStage,
		DelayBetweenStages: cfg.Delay(),
		ContextMessages:    cfg.ContextMessages,
		MaxPromptChars:     cfg.MaxPromptChars,
		StageTimeout:       cfg.Timeout(),
		Temperature:        float32(cfg.Temperature),
	}
}

// NewExecutorFromConfig creates an executor from the thinking configuration.
// Stages are not loaded; call SetStages once the stage source has been read.
func NewExecutorFromConfig(cfg config.ThinkingConfig, backend ports.Completer, opts ...Option) *Executor {
	return NewExecutor(backend, SettingsFromConfig(cfg), opts...)
}
