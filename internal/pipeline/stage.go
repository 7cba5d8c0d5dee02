package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

// ErrStageExecution matches every StageExecutionError.
var ErrStageExecution = errors.New("stage execution failed")

var errEmptyStage = errors.New("backend returned empty content")

// StageExecutionError reports why a stage contributed nothing.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStageExecution) hold for any stage failure.
func (e *StageExecutionError) Is(target error) bool {
	return target == ErrStageExecution
}

const (
	analysisInstruction = "You are performing staged reasoning for roleplay. Complete ONLY the current analysis stage. " +
		"Be thorough but concise. Do not write the actual narrative yet - only complete the analysis requested."
	firstStageMarker = "(This is the first stage)"
)

// StageExecutorConfig holds the per-call limits for stage requests.
type StageExecutorConfig struct {
	MaxTokens   int
	Temperature float32
	// MaxPromptChars bounds the transcript portion of the user instruction. Zero means unbounded.
	MaxPromptChars int
	// Timeout bounds each backend call. Zero means no limit beyond the caller's context.
	Timeout time.Duration
}

// StageExecutor turns one stage definition into one backend call.
type StageExecutor struct {
	backend ports.Completer
	cfg     StageExecutorConfig
}

// NewStageExecutor creates a stage executor.
func NewStageExecutor(backend ports.Completer, cfg StageExecutorConfig) *StageExecutor {
	return &StageExecutor{backend: backend, cfg: cfg}
}

// Execute runs a single stage. Any failure, including a panic in the
// backend, is returned as a *StageExecutionError.
func (s *StageExecutor) Execute(ctx context.Context, stage domain.StageDefinition, id domain.Identity, previousThinking, transcript string) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			content = ""
			err = &StageExecutionError{Stage: stage.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx = domain.WithInternal(ctx)

	out, err := s.backend.Complete(ctx, &ports.CompletionRequest{
		System:      systemPrompt(previousThinking),
		User:        userPrompt(stage, id, transcript, s.cfg.MaxPromptChars),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", &StageExecutionError{Stage: stage.Name, Err: err}
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", &StageExecutionError{Stage: stage.Name, Err: errEmptyStage}
	}
	return out, nil
}

func systemPrompt(previousThinking string) string {
	if strings.TrimSpace(previousThinking) == "" {
		return analysisInstruction + "\n\n" + firstStageMarker
	}
	return analysisInstruction + "\n\nPrevious thinking stages:\n" + previousThinking
}

func userPrompt(stage domain.StageDefinition, id domain.Identity, transcript string, maxChars int) string {
	return SubstituteParams(stage.Prompt, id) + "\n\nRecent chat context:\n" + truncateTail(transcript, maxChars)
}

// truncateTail keeps the last n runes of s. The newest turns sit at the end
// of the transcript, so they survive truncation.
func truncateTail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// FormatBlock wraps one stage's content in its delimited thinking block.
func FormatBlock(name, content string) string {
	return "<think>\n[" + name + "]\n" + content + "\n</think>"
}
