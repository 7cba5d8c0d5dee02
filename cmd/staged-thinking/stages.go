package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/tjfontaine/staged-thinking-gateway/internal/pkg/config"
	"github.com/tjfontaine/staged-thinking-gateway/internal/stages"
)

// StagesCmd loads the stage document the gateway would use and lists it.
type StagesCmd struct {
	Path string `arg:"" optional:"" type:"path" help:"Stage document (defaults to thinking.stages_path)"`
}

func (s *StagesCmd) Run(g *Global, root *CLI) error {
	path := s.Path
	if path == "" {
		cfg, err := config.Load(root.Config)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Thinking.StagesPath
	}

	src, err := stages.NewFileSource(path, g.Logger)
	if err != nil {
		return err
	}
	doc, err := src.Load(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d stages\n\n", src.Location(), len(doc.Stages))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tPROMPT")
	for i, stage := range doc.Stages {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, stage.Name, preview(stage.Prompt, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nfinal prompt: %s\n", preview(doc.FinalPrompt, 80))
	return nil
}

func preview(s string, max int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' {
			r[i] = ' '
		}
	}
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max-3]) + "..."
}
