// Package openai is the gateway's host surface: an OpenAI-compatible frontdoor
// that turns every completion request into one generation cycle of the
// staged thinking orchestrator before forwarding it upstream.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	api "github.com/tjfontaine/staged-thinking-gateway/internal/api/openai"
	"github.com/tjfontaine/staged-thinking-gateway/internal/codec"
	"github.com/tjfontaine/staged-thinking-gateway/internal/conversation"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/orchestrator"
	"github.com/tjfontaine/staged-thinking-gateway/internal/server"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage"
)

// Upstream is the completion API host generations are forwarded to.
type Upstream interface {
	CreateChatCompletion(ctx context.Context, req *api.ChatCompletionRequest, opts *api.RequestOptions) (*api.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *api.ChatCompletionRequest, opts *api.RequestOptions) (<-chan api.StreamResult, error)
	CreateCompletion(ctx context.Context, req *api.CompletionRequest, opts *api.RequestOptions) (*api.CompletionResponse, error)
	StreamCompletion(ctx context.Context, req *api.CompletionRequest, opts *api.RequestOptions) (<-chan api.CompletionStreamResult, error)
	ListModels(ctx context.Context, opts *api.RequestOptions) (*api.ModelList, error)
}

var _ Upstream = (*api.Client)(nil)

// Handler serves the OpenAI-compatible routes.
type Handler struct {
	upstream Upstream
	orch     *orchestrator.Orchestrator
	recorder *conversation.Recorder
	logger   *slog.Logger
}

// NewHandler creates a frontdoor handler. store keeps text-completion
// transcripts and may be nil when only chat completions are served.
func NewHandler(upstream Upstream, orch *orchestrator.Orchestrator, store storage.ConversationStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		upstream: upstream,
		orch:     orch,
		recorder: conversation.NewRecorder(store, logger),
		logger:   logger,
	}
}

// Routes registers the frontdoor endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleChatCompletion)
	r.Post("/v1/completions", h.HandleCompletion)
	r.Get("/v1/models", h.HandleListModels)
}

// HandleChatCompletion runs one generation cycle whose prompt is a message list.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)

	var req api.ChatCompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		codec.WriteError(w, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages"))
		return
	}

	internal := isInternal(r)
	meta := req.Metadata
	req.Metadata = nil

	conv := domain.Conversation{
		ID:       conversationID(r, req.User),
		Identity: identityFrom(r, meta),
		Messages: transcriptOf(req.Messages),
	}
	stampLastUser(conv.Messages, sentAt(meta))

	msgs := toDomainMessages(req.Messages)
	injected := h.beginGeneration(ctx, conv, internal, func() bool {
		return h.orch.PromptReadyMessages(&msgs, internal)
	})
	defer h.orch.GenerationEnded(internal)
	req.Messages = fromDomainMessages(msgs)

	server.AddLogField(ctx, "frontdoor", "openai")
	server.AddLogField(ctx, "requested_model", req.Model)
	if injected {
		server.AddLogField(ctx, "injected", "messages")
	}

	opts := upstreamOptions(r, internal)
	if req.Stream {
		h.streamChat(w, r, &req, opts)
		return
	}

	resp, err := h.upstream.CreateChatCompletion(ctx, &req, opts)
	if err != nil {
		h.logger.Error("chat completion failed",
			slog.String("request_id", requestID),
			slog.String("requested_model", req.Model),
			slog.String("error", err.Error()))
		server.AddError(ctx, err)
		codec.WriteError(w, upstreamError(err))
		return
	}

	server.AddLogField(ctx, "served_model", resp.Model)
	writeJSON(w, http.StatusOK, resp)
}

// HandleCompletion runs one generation cycle whose prompt is a single string.
// The transcript is reconstructed from the conversation store.
func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)

	var req api.CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		codec.WriteError(w, domain.ErrInvalidRequest("prompt must not be empty").WithParam("prompt"))
		return
	}

	internal := isInternal(r)
	meta := req.Metadata
	req.Metadata = nil

	conv := domain.Conversation{
		ID:       conversationID(r, req.User),
		Identity: identityFrom(r, meta),
	}

	userTurn := meta[MetaUserMessage]
	if userTurn == "" {
		userTurn = req.Prompt
	}
	turnSentAt := sentAt(meta)
	if !internal {
		history, err := h.recorder.RecordUserTurn(ctx, conv.ID, userTurn, turnSentAt, map[string]string{
			MetaCharacterName: conv.Identity.CharacterName,
			MetaUserName:      conv.Identity.UserName,
		})
		if err != nil {
			h.logger.Warn("failed to record user turn",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()))
		}
		conv.Messages = history
	}
	if len(conv.Messages) == 0 {
		conv.Messages = []domain.ChatMessage{{Role: domain.RoleUser, Content: userTurn}}
	}
	stampLastUser(conv.Messages, turnSentAt)

	injected := h.beginGeneration(ctx, conv, internal, func() bool {
		return h.orch.PromptReadyText(&req.Prompt, internal)
	})
	defer h.orch.GenerationEnded(internal)

	server.AddLogField(ctx, "frontdoor", "openai")
	server.AddLogField(ctx, "requested_model", req.Model)
	if injected {
		server.AddLogField(ctx, "injected", "prompt")
	}

	opts := upstreamOptions(r, internal)
	var text string
	if req.Stream {
		text = h.streamCompletion(w, r, &req, opts)
	} else {
		resp, err := h.upstream.CreateCompletion(ctx, &req, opts)
		if err != nil {
			h.logger.Error("completion failed",
				slog.String("request_id", requestID),
				slog.String("requested_model", req.Model),
				slog.String("error", err.Error()))
			server.AddError(ctx, err)
			codec.WriteError(w, upstreamError(err))
			return
		}
		if len(resp.Choices) > 0 {
			text = resp.Choices[0].Text
		}
		server.AddLogField(ctx, "served_model", resp.Model)
		writeJSON(w, http.StatusOK, resp)
	}

	if !internal && text != "" {
		if _, err := h.recorder.Append(ctx, conv.ID, domain.RoleAssistant, text, nil); err != nil {
			h.logger.Warn("failed to record completion",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()))
		}
	}
}

// HandleListModels proxies the upstream model list.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.upstream.ListModels(r.Context(), upstreamOptions(r, isInternal(r)))
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, upstreamError(err))
		return
	}
	if list.Object == "" {
		list.Object = "list"
	}
	writeJSON(w, http.StatusOK, list)
}

// beginGeneration emits the notifications that precede the upstream call:
// conversation tracking, generation-about-to-start, then prompt-ready.
func (h *Handler) beginGeneration(ctx context.Context, conv domain.Conversation, internal bool, promptReady func() bool) bool {
	if !internal {
		h.orch.ObserveConversation(conv.ID)
	}

	_, decision := h.orch.GenerationStarted(ctx, conv, internal)
	server.AddLogField(ctx, "conversation_id", conv.ID)
	server.AddLogField(ctx, "gate", string(decision.Reason))

	return promptReady()
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req *api.ChatCompletionRequest, opts *api.RequestOptions) {
	ctx := r.Context()
	events, err := h.upstream.StreamChatCompletion(ctx, req, opts)
	if err != nil {
		server.AddError(ctx, err)
		codec.WriteError(w, upstreamError(err))
		return
	}

	flusher, ok := startStream(w)
	if !ok {
		drain(events)
		return
	}

	for event := range events {
		if event.Err != nil {
			h.streamFailed(ctx, event.Err)
			break
		}
		if !writeEvent(w, flusher, event.Chunk) {
			break
		}
	}
	drain(events)
	finishStream(w, flusher)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, req *api.CompletionRequest, opts *api.RequestOptions) string {
	ctx := r.Context()
	events, err := h.upstream.StreamCompletion(ctx, req, opts)
	if err != nil {
		server.AddError(ctx, err)
		codec.WriteError(w, upstreamError(err))
		return ""
	}

	flusher, ok := startStream(w)
	if !ok {
		drain(events)
		return ""
	}

	var text strings.Builder
	for event := range events {
		if event.Err != nil {
			h.streamFailed(ctx, event.Err)
			break
		}
		if len(event.Chunk.Choices) > 0 {
			text.WriteString(event.Chunk.Choices[0].Text)
		}
		if !writeEvent(w, flusher, event.Chunk) {
			break
		}
	}
	drain(events)
	finishStream(w, flusher)
	return text.String()
}

func (h *Handler) streamFailed(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		h.logger.Info("stream canceled by client",
			slog.String("request_id", server.GetRequestID(ctx)))
		return
	}
	h.logger.Error("stream event error",
		slog.String("request_id", server.GetRequestID(ctx)),
		slog.String("error", err.Error()))
	server.AddError(ctx, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, domain.ErrInvalidRequest("failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// upstreamError keeps canonical errors from the client and wraps transport failures.
func upstreamError(err error) error {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrUpstream(err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
