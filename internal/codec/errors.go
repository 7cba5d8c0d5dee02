// Package codec writes canonical domain errors in the OpenAI error format.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// ErrorResponse is a serialized error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer(err.Error())
}

// FormatError formats an error as an OpenAI API error response.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	errObj := map[string]interface{}{
		"message": apiErr.Message,
		"type":    openAIErrorType(apiErr.Type),
	}
	if code := openAIErrorCode(apiErr.Code); code != "" {
		errObj["code"] = code
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}

	body, _ := json.Marshal(map[string]interface{}{
		"error": errObj,
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func openAIErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeContextLength, domain.ErrorTypeMaxTokens:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_denied"
	case domain.ErrorTypeNotFound:
		return "not_found"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

func openAIErrorCode(c domain.ErrorCode) string {
	switch c {
	case domain.ErrorCodeMaxTokensExceeded, domain.ErrorCodeOutputTruncated:
		return "max_tokens_exceeded"
	default:
		return string(c)
	}
}

// WriteError writes err as an OpenAI-format JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
