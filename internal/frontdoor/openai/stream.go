package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tjfontaine/staged-thinking-gateway/internal/codec"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		codec.WriteError(w, domain.ErrServer("streaming not supported"))
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

// writeEvent writes one SSE data line and reports whether the client is still there.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, chunk any) bool {
	data, err := json.Marshal(chunk)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func finishStream(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// drain consumes the rest of a stream so its reader goroutine can exit.
func drain[T any](events <-chan T) {
	for range events {
	}
}
