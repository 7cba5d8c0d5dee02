package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "plain error becomes server error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "server_error",
		},
		{
			name:       "invalid request",
			err:        domain.ErrInvalidRequest("messages is required").WithParam("messages"),
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "wrapped rate limit",
			err:        fmt.Errorf("upstream: %w", domain.NewAPIError(domain.ErrorTypeRateLimit, "slow down").WithCode(domain.ErrorCodeRateLimitExceeded)),
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
			wantCode:   "rate_limit_exceeded",
		},
		{
			name:       "truncated output",
			err:        domain.NewAPIError(domain.ErrorTypeMaxTokens, "cut").WithCode(domain.ErrorCodeOutputTruncated),
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantCode:   "max_tokens_exceeded",
		},
		{
			name:       "upstream failure",
			err:        domain.ErrUpstream("connection refused"),
			wantStatus: http.StatusBadGateway,
			wantType:   "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := FormatError(tt.err)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
					Code    string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrAuthentication("invalid API key"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
