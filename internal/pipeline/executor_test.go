package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSettings() Settings {
	s := DefaultSettings()
	s.DelayBetweenStages = 0
	return s
}

func threeStages() *domain.StageDocument {
	return &domain.StageDocument{
		Stages: []domain.StageDefinition{
			{Name: "Ground Truth", Prompt: "What did {{user}} say?"},
			{Name: "Reality Check", Prompt: "What can {{char}} do?"},
			{Name: "Strategy", Prompt: "How should {{char}} respond?"},
		},
		FinalPrompt: "Write {{char}}'s reply to {{user}}.",
	}
}

func testConversation() domain.Conversation {
	return domain.Conversation{
		ID:       "conv-1",
		Identity: testIdentity,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleAssistant, Content: "The tavern is quiet."},
			{Role: domain.RoleUser, Content: "Where is the map?"},
		},
	}
}

// =============================================================================
// Run
// =============================================================================

func TestExecutor_Run_AllStagesInOrder(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	e := NewExecutor(backend, testSettings())
	e.SetStages(threeStages())

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(out.StageResults) != 3 {
		t.Fatalf("len(StageResults) = %d, want 3", len(out.StageResults))
	}
	for i, name := range []string{"Ground Truth", "Reality Check", "Strategy"} {
		if out.StageResults[i].Name != name {
			t.Errorf("StageResults[%d].Name = %q, want %q", i, out.StageResults[i].Name, name)
		}
	}

	want := strings.Join([]string{
		"<think>\n[Ground Truth]\nanalysis 1\n</think>",
		"<think>\n[Reality Check]\nanalysis 2\n</think>",
		"<think>\n[Strategy]\nanalysis 3\n</think>",
	}, "\n\n")
	if out.AccumulatedThinking != want {
		t.Errorf("AccumulatedThinking = %q, want %q", out.AccumulatedThinking, want)
	}
	if out.FinalPrompt != "Write Alice's reply to Bob." {
		t.Errorf("FinalPrompt = %q", out.FinalPrompt)
	}
	if len(out.FailedStages) != 0 {
		t.Errorf("FailedStages = %v, want none", out.FailedStages)
	}

	if backend.Calls() != 3 {
		t.Fatalf("backend calls = %d, want 3", backend.Calls())
	}
	if !strings.Contains(backend.Request(2).System, "[Reality Check]\nanalysis 2") {
		t.Error("third stage should see the second stage's block")
	}
	if !strings.Contains(backend.Request(0).User, "Bob: Where is the map?") {
		t.Errorf("transcript missing from stage prompt: %q", backend.Request(0).User)
	}
}

func TestExecutor_Run_FailedStageSkipped(t *testing.T) {
	backend := &testutil.FakeCompleter{
		Respond: func(call int, req *ports.CompletionRequest) (string, error) {
			if call == 1 {
				return "", errors.New("upstream 500")
			}
			return "ok", nil
		},
	}
	e := NewExecutor(backend, testSettings())
	e.SetStages(threeStages())

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if backend.Calls() != 3 {
		t.Errorf("backend calls = %d, want 3 (later stages still run)", backend.Calls())
	}
	if got := len(out.StageResults); got != 2 {
		t.Fatalf("len(StageResults) = %d, want 2", got)
	}
	if out.StageResults[0].Name != "Ground Truth" || out.StageResults[1].Name != "Strategy" {
		t.Errorf("StageResults = %+v", out.StageResults)
	}
	if strings.Contains(out.AccumulatedThinking, "Reality Check") {
		t.Error("failed stage should not contribute a block")
	}
	if len(out.FailedStages) != 1 || out.FailedStages[0] != "Reality Check" {
		t.Errorf("FailedStages = %v", out.FailedStages)
	}
	if domain.StatusOf(out) != domain.RunStatusPartial {
		t.Errorf("StatusOf = %v, want partial", domain.StatusOf(out))
	}
}

func TestExecutor_Run_AllStagesFail(t *testing.T) {
	backend := &testutil.FakeCompleter{
		Respond: func(call int, req *ports.CompletionRequest) (string, error) {
			return "", errors.New("down")
		},
	}
	e := NewExecutor(backend, testSettings())
	e.SetStages(threeStages())

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.HasThinking() {
		t.Errorf("AccumulatedThinking = %q, want empty", out.AccumulatedThinking)
	}
	if out.FinalPrompt != "Write Alice's reply to Bob." {
		t.Errorf("FinalPrompt = %q, want substituted final prompt", out.FinalPrompt)
	}
	if len(out.FailedStages) != 3 {
		t.Errorf("FailedStages = %v", out.FailedStages)
	}
}

func TestExecutor_Run_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		doc     *domain.StageDocument
		wantErr error
	}{
		{name: "disabled", enabled: false, doc: threeStages(), wantErr: ErrDisabled},
		{name: "no stage document", enabled: true, doc: nil, wantErr: ErrNoStages},
		{name: "empty stage list", enabled: true, doc: &domain.StageDocument{}, wantErr: ErrNoStages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &testutil.FakeCompleter{}
			settings := testSettings()
			settings.Enabled = tt.enabled
			e := NewExecutor(backend, settings)
			e.SetStages(tt.doc)

			out, err := e.Run(context.Background(), testConversation())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if out != nil {
				t.Errorf("Run() output = %+v, want nil", out)
			}
			if backend.Calls() != 0 {
				t.Errorf("backend calls = %d, want 0", backend.Calls())
			}
		})
	}
}

func TestExecutor_Run_SingleFlight(t *testing.T) {
	backend := &testutil.FakeCompleter{Gate: make(chan struct{})}
	started := backend.Started()

	e := NewExecutor(backend, testSettings())
	e.SetStages(&domain.StageDocument{Stages: []domain.StageDefinition{{Name: "Only", Prompt: "p"}}})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = e.Run(context.Background(), testConversation())
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the backend")
	}

	if !e.Running() {
		t.Error("Running() = false while a run is in flight")
	}

	_, err := e.Run(context.Background(), testConversation())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Run() error = %v, want ErrAlreadyRunning", err)
	}

	close(backend.Gate)
	wg.Wait()

	if firstErr != nil {
		t.Errorf("first Run() error = %v", firstErr)
	}
	if backend.Calls() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.Calls())
	}
	if e.Running() {
		t.Error("Running() = true after the run finished")
	}

	if _, err := e.Run(context.Background(), testConversation()); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

func TestExecutor_Run_ReleasesAfterPanic(t *testing.T) {
	backend := ports.CompleterFunc(func(ctx context.Context, req *ports.CompletionRequest) (string, error) {
		panic("boom")
	})
	e := NewExecutor(backend, testSettings())
	e.SetStages(threeStages())

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.FailedStages) != 3 {
		t.Errorf("FailedStages = %v, want all three", out.FailedStages)
	}
	if e.Running() {
		t.Error("pipeline should be released after panicking stages")
	}
}

func TestExecutor_Run_DelayBetweenStages(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	settings := testSettings()
	settings.DelayBetweenStages = 30 * time.Millisecond
	e := NewExecutor(backend, settings)
	e.SetStages(threeStages())

	start := time.Now()
	if _, err := e.Run(context.Background(), testConversation()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Two pauses: none after the final stage.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 60ms", elapsed)
	}
}

func TestExecutor_Run_DelayHonoursCancellation(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	settings := testSettings()
	settings.DelayBetweenStages = time.Hour
	e := NewExecutor(backend, settings)
	e.SetStages(threeStages())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, testConversation())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() blocked in delay after cancellation")
	}
}

func TestExecutor_UpdateSettings(t *testing.T) {
	backend := &testutil.FakeCompleter{}
	e := NewExecutor(backend, testSettings())
	e.SetStages(threeStages())

	s := e.Settings()
	s.Enabled = false
	e.UpdateSettings(s)

	if _, err := e.Run(context.Background(), testConversation()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Run() error = %v, want ErrDisabled", err)
	}

	s.Enabled = true
	s.MaxTokensPerStage = 42
	e.UpdateSettings(s)

	if _, err := e.Run(context.Background(), testConversation()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := backend.Request(0).MaxTokens; got != 42 {
		t.Errorf("MaxTokens = %d, want 42", got)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
	errs   int
}

func (o *recordingObserver) ObserveStage(name string, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, name)
	if err != nil {
		o.errs++
	}
}

func TestExecutor_Observer(t *testing.T) {
	backend := &testutil.FakeCompleter{
		Respond: func(call int, req *ports.CompletionRequest) (string, error) {
			if call == 0 {
				return "", errors.New("fail")
			}
			return "ok", nil
		},
	}
	obs := &recordingObserver{}
	e := NewExecutor(backend, testSettings(), WithObserver(obs))
	e.SetStages(threeStages())

	if _, err := e.Run(context.Background(), testConversation()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(obs.stages) != 3 || obs.errs != 1 {
		t.Errorf("observed %v with %d errors, want 3 stages and 1 error", obs.stages, obs.errs)
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestExecutor_Scenario_GroundTruthStrategy(t *testing.T) {
	backend := &testutil.FakeCompleter{
		Respond: func(call int, req *ports.CompletionRequest) (string, error) {
			switch {
			case strings.HasPrefix(req.User, "Ground truth"):
				return "Bob asked where the map is.", nil
			case strings.HasPrefix(req.User, "Strategy"):
				return "Alice should deflect.", nil
			}
			return "", errors.New("unexpected stage")
		},
	}
	e := NewExecutor(backend, testSettings())
	e.SetStages(&domain.StageDocument{
		Stages: []domain.StageDefinition{
			{Name: "Ground Truth", Prompt: "Ground truth for {{char}}"},
			{Name: "Strategy", Prompt: "Strategy for {{char}}"},
		},
		FinalPrompt: "Now write {{char}}'s reply.",
	})

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "<think>\n[Ground Truth]\nBob asked where the map is.\n</think>\n\n" +
		"<think>\n[Strategy]\nAlice should deflect.\n</think>"
	if out.AccumulatedThinking != want {
		t.Errorf("AccumulatedThinking = %q, want %q", out.AccumulatedThinking, want)
	}
	if out.FinalPrompt != "Now write Alice's reply." {
		t.Errorf("FinalPrompt = %q", out.FinalPrompt)
	}
}

func TestExecutor_Scenario_FailureThenSuccess(t *testing.T) {
	backend := &testutil.FakeCompleter{
		Respond: func(call int, req *ports.CompletionRequest) (string, error) {
			if call == 0 {
				return "", errors.New("timeout")
			}
			return "Alice should deflect.", nil
		},
	}
	e := NewExecutor(backend, testSettings())
	e.SetStages(&domain.StageDocument{
		Stages: []domain.StageDefinition{
			{Name: "Ground Truth", Prompt: "a"},
			{Name: "Strategy", Prompt: "b"},
		},
	})

	out, err := e.Run(context.Background(), testConversation())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.AccumulatedThinking != "<think>\n[Strategy]\nAlice should deflect.\n</think>" {
		t.Errorf("AccumulatedThinking = %q", out.AccumulatedThinking)
	}
	if !strings.Contains(backend.Request(1).System, firstStageMarker) {
		t.Error("Strategy should run as the first contributing stage")
	}
}
