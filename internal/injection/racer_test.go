package injection

import (
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOutput() *domain.PipelineOutput {
	return &domain.PipelineOutput{
		AccumulatedThinking: "<think>\n[Strategy]\nDeflect.\n</think>",
		FinalPrompt:         "Write Alice's reply.",
	}
}

const wantInjected = "[COMPLETED STAGED REASONING - FOLLOW THIS ANALYSIS]\n" +
	"<think>\n[Strategy]\nDeflect.\n</think>\n\nWrite Alice's reply."

func TestFormat(t *testing.T) {
	if got := Format(testOutput()); got != wantInjected {
		t.Errorf("Format() = %q, want %q", got, wantInjected)
	}
}

func TestRacer_ExactlyOnce(t *testing.T) {
	r := NewRacer()
	r.SetPending(testOutput())

	msgs := []domain.Message{{Role: domain.RoleUser, Content: "hi"}}
	prompt := "Alice:"

	if got := r.TryConsume(MessageList{Messages: &msgs}, false); got == nil {
		t.Fatal("first TryConsume() should consume")
	}
	if got := r.TryConsume(PromptText{Prompt: &prompt}, false); got != nil {
		t.Error("second TryConsume() should be a no-op")
	}

	if len(msgs) != 2 || msgs[1].Role != domain.RoleSystem || msgs[1].Content != wantInjected {
		t.Errorf("messages = %+v", msgs)
	}
	if prompt != "Alice:" {
		t.Errorf("prompt = %q, want untouched", prompt)
	}
	if r.Pending() {
		t.Error("slot should be empty after consumption")
	}
}

func TestRacer_PromptFirst(t *testing.T) {
	r := NewRacer()
	r.SetPending(testOutput())

	prompt := "Bob: hi\nAlice:"
	msgs := []domain.Message{{Role: domain.RoleUser, Content: "hi"}}

	if r.TryConsume(PromptText{Prompt: &prompt}, false) == nil {
		t.Fatal("TryConsume() should consume")
	}
	if r.TryConsume(MessageList{Messages: &msgs}, false) != nil {
		t.Error("message list should find the slot empty")
	}

	if prompt != wantInjected+"\n\nBob: hi\nAlice:" {
		t.Errorf("prompt = %q", prompt)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %+v, want untouched", msgs)
	}
}

func TestRacer_InternalRequestsNeverConsume(t *testing.T) {
	r := NewRacer()
	r.SetPending(testOutput())

	msgs := []domain.Message{}
	if r.TryConsume(MessageList{Messages: &msgs}, true) != nil {
		t.Error("internal request should not consume")
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %+v, want untouched", msgs)
	}
	if !r.Pending() {
		t.Error("output should still be pending for the host request")
	}
}

func TestRacer_EmptySlot(t *testing.T) {
	r := NewRacer()
	prompt := "p"
	if r.TryConsume(PromptText{Prompt: &prompt}, false) != nil {
		t.Error("empty slot should not consume")
	}
	if prompt != "p" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestRacer_SetPendingOverwrites(t *testing.T) {
	r := NewRacer()
	r.SetPending(&domain.PipelineOutput{AccumulatedThinking: "old"})
	r.SetPending(&domain.PipelineOutput{AccumulatedThinking: "new"})

	prompt := ""
	got := r.TryConsume(PromptText{Prompt: &prompt}, false)
	if got == nil || got.AccumulatedThinking != "new" {
		t.Errorf("consumed = %+v, want the newer output", got)
	}
	if strings.Contains(prompt, "old") {
		t.Errorf("prompt = %q, should not contain the overwritten output", prompt)
	}
}

func TestRacer_Clear(t *testing.T) {
	r := NewRacer()
	if r.Clear() != nil {
		t.Error("Clear() on empty slot should drop nothing")
	}

	out := testOutput()
	r.SetPending(out)
	if got := r.Clear(); got != out {
		t.Errorf("Clear() = %p, want %p", got, out)
	}
	if r.Pending() {
		t.Error("slot should be empty after Clear()")
	}
}

func TestRacer_ConcurrentConsumers(t *testing.T) {
	r := NewRacer()
	r.SetPending(testOutput())

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt := ""
			if r.TryConsume(PromptText{Prompt: &prompt}, false) != nil {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if consumed != 1 {
		t.Errorf("consumed = %d, want 1", consumed)
	}
}

func TestMessageList_Positions(t *testing.T) {
	base := func() []domain.Message {
		return []domain.Message{
			{Role: domain.RoleSystem, Content: "persona"},
			{Role: domain.RoleUser, Content: "first"},
			{Role: domain.RoleAssistant, Content: "reply"},
			{Role: domain.RoleUser, Content: "second"},
		}
	}

	tests := []struct {
		name     string
		msgs     []domain.Message
		position Position
		wantAt   int
	}{
		{name: "append", msgs: base(), position: PositionAppend, wantAt: 4},
		{name: "default appends", msgs: base(), position: "", wantAt: 4},
		{name: "before last user", msgs: base(), position: PositionBeforeLastUser, wantAt: 3},
		{
			name:     "before last user without user falls back",
			msgs:     []domain.Message{{Role: domain.RoleSystem, Content: "persona"}},
			position: PositionBeforeLastUser,
			wantAt:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := tt.msgs
			before := len(msgs)
			MessageList{Messages: &msgs, Position: tt.position}.Inject("X")

			if len(msgs) != before+1 {
				t.Fatalf("len = %d, want %d", len(msgs), before+1)
			}
			if msgs[tt.wantAt].Content != "X" || msgs[tt.wantAt].Role != domain.RoleSystem {
				t.Errorf("messages[%d] = %+v, want injected system message", tt.wantAt, msgs[tt.wantAt])
			}
		})
	}
}

func TestTargets_Point(t *testing.T) {
	if (MessageList{}).Point() != domain.InjectionPointMessages {
		t.Error("MessageList point")
	}
	if (PromptText{}).Point() != domain.InjectionPointPrompt {
		t.Error("PromptText point")
	}
}
