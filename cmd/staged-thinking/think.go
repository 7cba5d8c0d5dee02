package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/orchestrator"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pipeline"
	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
	"github.com/tjfontaine/staged-thinking-gateway/internal/runtime"
	"github.com/tjfontaine/staged-thinking-gateway/internal/stages"
)

// ThinkCmd is the manual trigger from the command line. The transcript file
// holds a conversation: {"id", "identity": {...}, "messages": [{role, content}]}.
type ThinkCmd struct {
	Transcript string `short:"t" required:"" type:"existingfile" help:"Conversation JSON file"`
	Stages     string `short:"s" type:"path" help:"Stage document (defaults to thinking.stages_path)"`
	JSON       bool   `help:"Print the full run record as JSON"`
}

func (t *ThinkCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	conv, err := readConversation(t.Transcript)
	if err != nil {
		return err
	}

	stagesPath := t.Stages
	if stagesPath == "" {
		stagesPath = cfg.Thinking.StagesPath
	}
	src, err := stages.NewFileSource(stagesPath, g.Logger)
	if err != nil {
		return err
	}

	completer, err := runtime.NewStageBackend(cfg, http.DefaultClient)
	if err != nil {
		return err
	}
	exec := pipeline.NewExecutorFromConfig(cfg.Thinking, completer, pipeline.WithLogger(g.Logger))
	orch := orchestrator.New(exec, orchestrator.WithLogger(g.Logger))

	ctx := context.Background()
	if _, err := orch.LoadStages(ctx, src); err != nil {
		return err
	}

	if !t.JSON {
		fmt.Fprintln(os.Stdout, orch.RunManual(ctx, conv))
		return nil
	}

	rec, err := orch.Think(ctx, conv)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func readConversation(path string) (domain.Conversation, error) {
	var conv domain.Conversation

	f, err := os.Open(path)
	if err != nil {
		return conv, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return conv, fmt.Errorf("read transcript: %w", err)
	}
	if err := json.Unmarshal(data, &conv); err != nil {
		return conv, fmt.Errorf("parse transcript %s: %w", path, err)
	}
	if len(conv.Messages) == 0 {
		return conv, fmt.Errorf("transcript %s has no messages", path)
	}
	return conv, nil
}
