package gate

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePipeline struct {
	enabled bool
	running bool
}

func (p *fakePipeline) Enabled() bool { return p.enabled }
func (p *fakePipeline) Running() bool { return p.running }

func userTurn(content string) domain.Conversation {
	return domain.Conversation{
		ID: "c1",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleAssistant, Content: "hello"},
			{Role: domain.RoleUser, Content: content},
		},
	}
}

func TestGate_Rules(t *testing.T) {
	tests := []struct {
		name      string
		pipeline  fakePipeline
		coldStart bool
		n         Notification
		want      Reason
	}{
		{
			name:     "disabled wins over everything",
			pipeline: fakePipeline{enabled: false, running: true},
			n:        Notification{Conversation: userTurn("hi"), Internal: true},
			want:     ReasonDisabled,
		},
		{
			name:     "internal request",
			pipeline: fakePipeline{enabled: true, running: true},
			n:        Notification{Conversation: userTurn("hi"), Internal: true},
			want:     ReasonInternal,
		},
		{
			name:      "running before cold start",
			pipeline:  fakePipeline{enabled: true, running: true},
			coldStart: true,
			n:         Notification{Conversation: userTurn("hi")},
			want:      ReasonRunning,
		},
		{
			name:      "cold start ignores transcript",
			pipeline:  fakePipeline{enabled: true},
			coldStart: true,
			n:         Notification{Conversation: userTurn("hi")},
			want:      ReasonColdStart,
		},
		{
			name:     "empty transcript",
			pipeline: fakePipeline{enabled: true},
			n:        Notification{Conversation: domain.Conversation{ID: "c1"}},
			want:     ReasonEmptyTranscript,
		},
		{
			name:     "only system entries",
			pipeline: fakePipeline{enabled: true},
			n: Notification{Conversation: domain.Conversation{Messages: []domain.ChatMessage{
				{Role: domain.RoleSystem, Content: "You are Alice."},
			}}},
			want: ReasonEmptyTranscript,
		},
		{
			name:     "last turn from character",
			pipeline: fakePipeline{enabled: true},
			n: Notification{Conversation: domain.Conversation{Messages: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "hi"},
				{Role: domain.RoleAssistant, Content: "hello"},
			}}},
			want: ReasonNotUserMessage,
		},
		{
			name:     "trailing system entry is not a turn",
			pipeline: fakePipeline{enabled: true},
			n: Notification{Conversation: domain.Conversation{Messages: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "hi"},
				{Role: domain.RoleSystem, Content: "[Write the next reply]"},
			}}},
			want: ReasonAdmitted,
		},
		{
			name:     "admit",
			pipeline: fakePipeline{enabled: true},
			n:        Notification{Conversation: userTurn("hi")},
			want:     ReasonAdmitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.pipeline
			g := New(&p)
			if tt.coldStart {
				g.Reset()
			}

			got := g.Evaluate(tt.n)
			if got.Reason != tt.want {
				t.Errorf("Reason = %v, want %v", got.Reason, tt.want)
			}
			if got.Admit != (tt.want == ReasonAdmitted) {
				t.Errorf("Admit = %v for reason %v", got.Admit, got.Reason)
			}
		})
	}
}

func TestGate_Idempotent(t *testing.T) {
	g := New(&fakePipeline{enabled: true})
	conv := userTurn("Where is the map?")

	first := g.Evaluate(Notification{Conversation: conv})
	if !first.Admit {
		t.Fatalf("first Evaluate() = %+v, want admit", first)
	}

	second := g.Evaluate(Notification{Conversation: conv})
	if second.Admit || second.Reason != ReasonDuplicate {
		t.Errorf("second Evaluate() = %+v, want duplicate", second)
	}
	if second.Key != first.Key {
		t.Errorf("keys differ: %q vs %q", second.Key, first.Key)
	}

	next := userTurn("Where is the map?")
	next.Messages = append(next.Messages,
		domain.ChatMessage{Role: domain.RoleAssistant, Content: "Hidden."},
		domain.ChatMessage{Role: domain.RoleUser, Content: "And the key?"})
	if d := g.Evaluate(Notification{Conversation: next}); !d.Admit {
		t.Errorf("new user turn Evaluate() = %+v, want admit", d)
	}
}

func TestGate_ColdStartClearsAfterOneNotification(t *testing.T) {
	g := New(&fakePipeline{enabled: true})
	conv := userTurn("hi")

	if d := g.Evaluate(Notification{Conversation: conv}); !d.Admit {
		t.Fatalf("Evaluate() = %+v, want admit", d)
	}

	g.Reset()
	if _, ok := g.LastKey(); ok {
		t.Error("Reset() should clear the last key")
	}

	if d := g.Evaluate(Notification{Conversation: conv}); d.Reason != ReasonColdStart {
		t.Errorf("first after reset = %v, want cold_start", d.Reason)
	}
	// The same turn is admissible again: Reset forgot it.
	if d := g.Evaluate(Notification{Conversation: conv}); !d.Admit {
		t.Errorf("second after reset = %+v, want admit", d)
	}
}

func TestGate_ConcurrentAdmitsOnce(t *testing.T) {
	g := New(&fakePipeline{enabled: true})
	conv := userTurn("hi")

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Evaluate(Notification{Conversation: conv}).Admit {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("admitted = %d, want 1", admitted)
	}
}

func TestKeyOf(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		a, b  domain.ChatMessage
		na    int
		nb    int
		equal bool
	}{
		{
			name:  "same timestamp different content",
			a:     domain.ChatMessage{Content: "a", SentAt: at},
			b:     domain.ChatMessage{Content: "b", SentAt: at},
			na:    1,
			nb:    5,
			equal: true,
		},
		{
			name:  "different timestamps",
			a:     domain.ChatMessage{Content: "a", SentAt: at},
			b:     domain.ChatMessage{Content: "a", SentAt: at.Add(time.Second)},
			na:    1,
			nb:    1,
			equal: false,
		},
		{
			name:  "no timestamp same content and length",
			a:     domain.ChatMessage{Content: "hello"},
			b:     domain.ChatMessage{Content: "hello"},
			na:    3,
			nb:    3,
			equal: true,
		},
		{
			name:  "no timestamp shared prefix",
			a:     domain.ChatMessage{Content: "I want to go to the market today"},
			b:     domain.ChatMessage{Content: "I want to go to the market tomorrow"},
			na:    3,
			nb:    3,
			equal: false,
		},
		{
			name:  "no timestamp different length",
			a:     domain.ChatMessage{Content: "yes"},
			b:     domain.ChatMessage{Content: "yes"},
			na:    3,
			nb:    5,
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyOf(tt.a, tt.na) == KeyOf(tt.b, tt.nb); got != tt.equal {
				t.Errorf("keys equal = %v, want %v (%q, %q)", got, tt.equal, KeyOf(tt.a, tt.na), KeyOf(tt.b, tt.nb))
			}
		})
	}
}
