package runtime

import (
	"net/http"
	"testing"

	anthropicbackend "github.com/tjfontaine/staged-thinking-gateway/internal/backend/anthropic"
	backend "github.com/tjfontaine/staged-thinking-gateway/internal/backend/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
)

func TestNewStageBackend(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		check   func(t *testing.T, got any)
		wantErr bool
	}{
		{
			name: "default is openai",
			typ:  "",
			check: func(t *testing.T, got any) {
				if _, ok := got.(*backend.StageBackend); !ok {
					t.Errorf("backend = %T, want openai", got)
				}
			},
		},
		{
			name: "anthropic",
			typ:  config.BackendAnthropic,
			check: func(t *testing.T, got any) {
				if _, ok := got.(*anthropicbackend.StageBackend); !ok {
					t.Errorf("backend = %T, want anthropic", got)
				}
			},
		},
		{name: "unknown", typ: "gemini", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Thinking.Backend.Type = tt.typ
			cfg.Thinking.Backend.Model = "m"

			got, err := NewStageBackend(cfg, http.DefaultClient)
			if tt.wantErr {
				if err == nil {
					t.Error("NewStageBackend() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStageBackend() error = %v", err)
			}
			tt.check(t, got)
		})
	}
}
