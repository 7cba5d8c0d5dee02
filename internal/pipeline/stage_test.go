package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/testutil"
)

var testIdentity = domain.Identity{CharacterName: "Alice", UserName: "Bob"}

func TestStageExecutor_FirstStage(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	exec := NewStageExecutor(backend, StageExecutorConfig{MaxTokens: 500, Temperature: 0.7})

	got, err := exec.Execute(context.Background(),
		domain.StageDefinition{Name: "Ground Truth", Prompt: "What did {{user}} say to {{char}}?"},
		testIdentity, "", "Bob: Where is the map?")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "analysis 1" {
		t.Errorf("Execute() = %q", got)
	}

	req := backend.Request(0)
	if !strings.HasPrefix(req.System, analysisInstruction) {
		t.Errorf("system prompt missing analysis instruction: %q", req.System)
	}
	if !strings.HasSuffix(req.System, firstStageMarker) {
		t.Errorf("system prompt = %q, want first stage marker", req.System)
	}
	wantUser := "What did Bob say to Alice?\n\nRecent chat context:\nBob: Where is the map?"
	if req.User != wantUser {
		t.Errorf("user prompt = %q, want %q", req.User, wantUser)
	}
	if req.MaxTokens != 500 {
		t.Errorf("MaxTokens = %d, want 500", req.MaxTokens)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
}

func TestStageExecutor_PreviousThinking(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	exec := NewStageExecutor(backend, StageExecutorConfig{MaxTokens: 100})

	prev := FormatBlock("Ground Truth", "Bob asked about the map.")
	if _, err := exec.Execute(context.Background(), domain.StageDefinition{Name: "Strategy", Prompt: "plan"}, testIdentity, prev, ""); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	system := backend.Request(0).System
	if !strings.Contains(system, "Previous thinking stages:\n"+prev) {
		t.Errorf("system prompt = %q, want previous thinking", system)
	}
	if strings.Contains(system, firstStageMarker) {
		t.Error("first stage marker should not appear after a prior stage")
	}
}

func TestStageExecutor_TruncatesTranscript(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	exec := NewStageExecutor(backend, StageExecutorConfig{MaxPromptChars: 10})

	transcript := "Bob: old stuff\n\nAlice: newest!"
	if _, err := exec.Execute(context.Background(), domain.StageDefinition{Name: "S", Prompt: "p"}, testIdentity, "", transcript); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := "p\n\nRecent chat context:\n" + transcript[len(transcript)-10:]
	if got := backend.Request(0).User; got != want {
		t.Errorf("user prompt = %q, want %q", got, want)
	}
}

func TestTruncateTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdef", 0, "abcdef"},
		{"abcdef", 10, "abcdef"},
		{"abcdef", 3, "def"},
		{"héllo wörld", 5, "wörld"},
	}
	for _, tt := range tests {
		if got := truncateTail(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateTail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestStageExecutor_MarksInternal(t *testing.T) {
	var internal bool
	backend := ports.CompleterFunc(func(ctx context.Context, req *ports.CompletionRequest) (string, error) {
		internal = domain.IsInternal(ctx)
		return "ok", nil
	})

	exec := NewStageExecutor(backend, StageExecutorConfig{})
	if _, err := exec.Execute(context.Background(), domain.StageDefinition{Name: "S", Prompt: "p"}, testIdentity, "", ""); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !internal {
		t.Error("backend context should be marked internal")
	}
}

func TestStageExecutor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		backend ports.Completer
		cfg     StageExecutorConfig
		wantIs  error
	}{
		{
			name: "backend error",
			backend: ports.CompleterFunc(func(ctx context.Context, req *ports.CompletionRequest) (string, error) {
				return "", errors.New("connection refused")
			}),
		},
		{
			name: "empty content",
			backend: ports.CompleterFunc(func(ctx context.Context, req *ports.CompletionRequest) (string, error) {
				return "  \n", nil
			}),
			wantIs: errEmptyStage,
		},
		{
			name:    "timeout",
			backend: &testutil.FakeCompleter{Gate: make(chan struct{})},
			cfg:     StageExecutorConfig{Timeout: 20 * time.Millisecond},
			wantIs:  context.DeadlineExceeded,
		},
		{
			name: "panic",
			backend: ports.CompleterFunc(func(ctx context.Context, req *ports.CompletionRequest) (string, error) {
				panic("backend exploded")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewStageExecutor(tt.backend, tt.cfg)
			got, err := exec.Execute(context.Background(), domain.StageDefinition{Name: "Ground Truth", Prompt: "p"}, testIdentity, "", "")

			if got != "" {
				t.Errorf("content = %q, want empty", got)
			}
			if !errors.Is(err, ErrStageExecution) {
				t.Fatalf("error = %v, want ErrStageExecution", err)
			}
			var stageErr *StageExecutionError
			if !errors.As(err, &stageErr) || stageErr.Stage != "Ground Truth" {
				t.Errorf("error = %#v, want StageExecutionError for Ground Truth", err)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestFormatBlock(t *testing.T) {
	want := "<think>\n[Strategy]\nBe honest.\n</think>"
	if got := FormatBlock("Strategy", "Be honest."); got != want {
		t.Errorf("FormatBlock() = %q, want %q", got, want)
	}
}
