package domain

import (
	"strings"
	"time"
)

// StageDefinition is one step of the staged reasoning pipeline.
// Prompt is a template containing {{char}} and {{user}} placeholders.
type StageDefinition struct {
	Name   string `json:"name" koanf:"name"`
	Prompt string `json:"prompt" koanf:"prompt"`
}

// StageDocument is the stage source document: the ordered stages and the
// closing instruction appended after the accumulated thinking.
type StageDocument struct {
	Stages      []StageDefinition `json:"stages" koanf:"stages"`
	FinalPrompt string            `json:"finalPrompt" koanf:"finalPrompt"`
}

// StageNames returns the stage names in pipeline order.
func (d *StageDocument) StageNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		names[i] = s.Name
	}
	return names
}

// StageResult is the output of one successful stage.
type StageResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// PipelineOutput is the product of one pipeline run, complete or partial.
type PipelineOutput struct {
	// AccumulatedThinking holds one delimited block per successful stage, in stage order.
	AccumulatedThinking string        `json:"thinking"`
	StageResults        []StageResult `json:"stages"`
	FinalPrompt         string        `json:"final_prompt"`

	// FailedStages names the stages that contributed nothing.
	FailedStages []string `json:"failed_stages,omitempty"`
}

// HasThinking reports whether at least one stage contributed output.
func (o *PipelineOutput) HasThinking() bool {
	return o != nil && strings.TrimSpace(o.AccumulatedThinking) != ""
}

// RunTrigger records what started a pipeline run.
type RunTrigger string

const (
	RunTriggerAuto   RunTrigger = "auto"
	RunTriggerManual RunTrigger = "manual"
)

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed" // every stage contributed
	RunStatusPartial   RunStatus = "partial"   // some stages failed
	RunStatusEmpty     RunStatus = "empty"     // no stage contributed
)

// StatusOf derives the run status from a pipeline output.
func StatusOf(out *PipelineOutput) RunStatus {
	switch {
	case out == nil || len(out.StageResults) == 0:
		return RunStatusEmpty
	case len(out.FailedStages) > 0:
		return RunStatusPartial
	default:
		return RunStatusCompleted
	}
}

// InjectionPoint identifies the host extension point that consumed an output.
type InjectionPoint string

const (
	InjectionPointMessages InjectionPoint = "messages"
	InjectionPointPrompt   InjectionPoint = "prompt"
)

// RunRecord is the persisted history entry of one pipeline run.
type RunRecord struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Trigger        RunTrigger     `json:"trigger"`
	Status         RunStatus      `json:"status"`
	StageResults   []StageResult  `json:"stages"`
	FailedStages   []string       `json:"failed_stages,omitempty"`
	Thinking       string         `json:"thinking"`
	FinalPrompt    string         `json:"final_prompt"`
	InjectedVia    InjectionPoint `json:"injected_via,omitempty"`
	Dropped        bool           `json:"dropped"`
	Duration       time.Duration  `json:"duration_ns"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
