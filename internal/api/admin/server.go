// Package admin serves the operator API under /admin: the manual trigger,
// run history, stage reload and a view of the effective settings.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/staged-thinking-gateway/internal/auth"
	"github.com/tjfontaine/staged-thinking-gateway/internal/codec"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
	"github.com/tjfontaine/staged-thinking-gateway/internal/orchestrator"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pipeline"
	"github.com/tjfontaine/staged-thinking-gateway/internal/server"
	"github.com/tjfontaine/staged-thinking-gateway/internal/storage"
)

// Server is the admin HTTP handler. Mount it under /admin.
type Server struct {
	router    *chi.Mux
	orch      *orchestrator.Orchestrator
	runs      storage.RunStore
	stages    ports.StageSource
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the admin API. Requests must carry a key from keys unless
// the set is empty. stages may be nil when no stage source is configured.
func NewServer(orch *orchestrator.Orchestrator, runs storage.RunStore, stages ports.StageSource, keys *auth.KeySet, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		orch:      orch,
		runs:      runs,
		stages:    stages,
		logger:    logger,
		startTime: time.Now(),
	}
	s.router.Use(server.AuthMiddleware(keys))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Post("/think", s.handleThink)
	s.router.Post("/conversation/reset", s.handleReset)
	s.router.Get("/runs", s.handleListRuns)
	s.router.Get("/runs/{id}", s.handleGetRun)
	s.router.Get("/stages", s.handleStages)
	s.router.Post("/stages/reload", s.handleReloadStages)
	s.router.Get("/settings", s.handleSettings)
	s.router.Get("/stats", s.handleStats)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ThinkResponse summarizes a manual run.
type ThinkResponse struct {
	Summary      string               `json:"summary"`
	RunID        string               `json:"run_id,omitempty"`
	Status       domain.RunStatus     `json:"status,omitempty"`
	Stages       []domain.StageResult `json:"stages,omitempty"`
	FailedStages []string             `json:"failed_stages,omitempty"`
	FinalPrompt  string               `json:"final_prompt,omitempty"`
	DurationMS   int64                `json:"duration_ms"`
	Error        string               `json:"error,omitempty"`
}

// handleThink runs the pipeline on the posted conversation. It never touches
// the pending injection slot.
func (s *Server) handleThink(w http.ResponseWriter, r *http.Request) {
	var conv domain.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON: "+err.Error()))
		return
	}
	if len(conv.Messages) == 0 {
		codec.WriteError(w, domain.ErrInvalidRequest("conversation has no messages").WithParam("messages"))
		return
	}

	rec, err := s.orch.Think(r.Context(), conv)
	if err != nil {
		server.AddError(r.Context(), err)
		writeJSON(w, thinkErrorStatus(err), ThinkResponse{
			Summary: orchestrator.ManualFailureMessage,
			Error:   err.Error(),
		})
		return
	}

	resp := ThinkResponse{
		Summary:      rec.Thinking,
		RunID:        rec.ID,
		Status:       rec.Status,
		Stages:       rec.StageResults,
		FailedStages: rec.FailedStages,
		FinalPrompt:  rec.FinalPrompt,
		DurationMS:   rec.Duration.Milliseconds(),
	}
	if rec.Status == domain.RunStatusEmpty {
		resp.Summary = orchestrator.ManualFailureMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func thinkErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrDisabled), errors.Is(err, pipeline.ErrNoStages):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type resetRequest struct {
	ConversationID string `json:"conversation_id"`
}

// handleReset signals a conversation change. The next generation is
// treated as a cold start.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON: "+err.Error()))
			return
		}
	}

	if req.ConversationID == "" {
		s.orch.ConversationChanged(s.orch.ActiveConversation())
	} else if !s.orch.ObserveConversation(req.ConversationID) {
		s.orch.ConversationChanged(req.ConversationID)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "reset",
		"conversation_id": s.orch.ActiveConversation(),
	})
}

type runList struct {
	Object string              `json:"object"`
	Data   []*domain.RunRecord `json:"data"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		ConversationID: r.URL.Query().Get("conversation_id"),
		Limit:          storage.DefaultListLimit,
	}
	for param, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := r.URL.Query().Get(param)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			codec.WriteError(w, domain.ErrInvalidRequest(param+" must be a non-negative integer").WithParam(param))
			return
		}
		*dst = n
	}

	runs, err := s.runs.ListRuns(r.Context(), opts)
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, domain.ErrServer("failed to list runs"))
		return
	}
	if runs == nil {
		runs = []*domain.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runList{Object: "list", Data: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		codec.WriteError(w, domain.ErrNotFound("run not found: "+id))
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, domain.ErrServer("failed to load run"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type stagesResponse struct {
	Location    string                   `json:"location,omitempty"`
	Loaded      bool                     `json:"loaded"`
	Stages      []domain.StageDefinition `json:"stages"`
	FinalPrompt string                   `json:"finalPrompt"`
}

func (s *Server) stagesView() stagesResponse {
	resp := stagesResponse{Stages: []domain.StageDefinition{}}
	if s.stages != nil {
		resp.Location = s.stages.Location()
	}
	if doc := s.orch.Executor().Stages(); doc != nil {
		resp.Loaded = true
		resp.Stages = doc.Stages
		resp.FinalPrompt = doc.FinalPrompt
	}
	return resp
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stagesView())
}

func (s *Server) handleReloadStages(w http.ResponseWriter, r *http.Request) {
	if s.stages == nil {
		codec.WriteError(w, domain.ErrServer("no stage source configured").WithStatusCode(http.StatusServiceUnavailable))
		return
	}

	if _, err := s.orch.LoadStages(r.Context(), s.stages); err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, domain.ErrServer(err.Error()).WithStatusCode(http.StatusServiceUnavailable))
		return
	}
	s.logger.Info("stages reloaded via admin API", slog.String("location", s.stages.Location()))
	writeJSON(w, http.StatusOK, s.stagesView())
}

type settingsResponse struct {
	Enabled              bool    `json:"enabled"`
	ShowStages           bool    `json:"show_stages"`
	MaxTokensPerStage    int     `json:"max_tokens_per_stage"`
	DelayBetweenStagesMS int64   `json:"delay_between_stages"`
	ContextMessages      int     `json:"context_messages"`
	MaxPromptChars       int     `json:"max_prompt_chars"`
	StageTimeout         string  `json:"stage_timeout"`
	Temperature          float32 `json:"temperature"`
	InjectionPosition    string  `json:"injection_position"`

	ActiveConversation string `json:"active_conversation,omitempty"`
	Running            bool   `json:"running"`
	Pending            bool   `json:"pending"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	exec := s.orch.Executor()
	cfg := exec.Settings()
	writeJSON(w, http.StatusOK, settingsResponse{
		Enabled:              cfg.Enabled,
		ShowStages:           cfg.ShowStages,
		MaxTokensPerStage:    cfg.MaxTokensPerStage,
		DelayBetweenStagesMS: cfg.DelayBetweenStages.Milliseconds(),
		ContextMessages:      cfg.ContextMessages,
		MaxPromptChars:       cfg.MaxPromptChars,
		StageTimeout:         cfg.StageTimeout.String(),
		Temperature:          cfg.Temperature,
		InjectionPosition:    string(s.orch.InjectionPosition()),
		ActiveConversation:   s.orch.ActiveConversation(),
		Running:              exec.Running(),
		Pending:              s.orch.Pending(),
	})
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
