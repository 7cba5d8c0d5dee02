package tokens

import (
	"strings"
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestCounter_Count(t *testing.T) {
	tests := []struct {
		name  string
		model string
	}{
		{name: "known model", model: "gpt-4o-mini"},
		{name: "legacy model", model: "gpt-3.5-turbo"},
		{name: "local model falls back to an encoding", model: "llama-3.1-8b-instruct"},
		{name: "no model", model: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCounter(tt.model)
			if !c.Exact() {
				t.Fatalf("NewCounter(%q) should load an encoding", tt.model)
			}
			if got := c.Count(""); got != 0 {
				t.Errorf("Count(\"\") = %d, want 0", got)
			}

			short := c.Count("<think>\n[Strategy]\nDeflect.\n</think>")
			long := c.Count(strings.Repeat("Alice considers the hidden map. ", 20))
			if short <= 0 {
				t.Errorf("Count(short) = %d, want > 0", short)
			}
			if long <= short {
				t.Errorf("Count(long) = %d, want more than %d", long, short)
			}
		})
	}
}

func TestCounter_Nil(t *testing.T) {
	var c *Counter
	if c.Count("anything") != 0 || c.Exact() || c.Model() != "" {
		t.Error("nil counter should count nothing")
	}
}

func TestCounter_EstimateWithoutCodec(t *testing.T) {
	c := &Counter{model: "custom"}
	if got := c.Count("abcdefgh"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := c.Count("a"); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-2024-08-06", tokenizer.O200kBase},
		{"gpt-4-turbo", tokenizer.Cl100kBase},
		{"text-davinci-003", tokenizer.P50kBase},
		{"qwen2.5-72b", tokenizer.O200kBase},
	}
	for _, tt := range tests {
		if got := modelToEncoding(tt.model); got != tt.want {
			t.Errorf("modelToEncoding(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
