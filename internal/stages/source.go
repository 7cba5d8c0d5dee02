// Package stages loads the stage document that drives the staged thinking pipeline.
//
// The document is YAML (or JSON, which the YAML parser also accepts):
//
//	stages:
//	  - name: Ground Truth
//	    prompt: "As {{char}}, list what {{user}} actually said..."
//	  - name: Strategy
//	    prompt: "..."
//	finalPrompt: "Now write {{char}}'s reply following the analysis above."
//
// It is read from exactly one configured path. A missing or unparseable file
// is reported as ErrStageSourceUnavailable and leaves the pipeline without
// stages until the next successful load.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/ports"
)

var (
	// ErrStageSourceUnavailable means no stage document could be read from the configured location.
	ErrStageSourceUnavailable = errors.New("stage source unavailable")
	// ErrNoStages means the document was read but lists no stages.
	ErrNoStages = errors.New("stage document has no stages")
)

// FileSource reads the stage document from a single file path.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFileSource creates a source for the document at path.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("stage document path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	return &FileSource{path: abs, logger: logger}, nil
}

// Location returns the absolute document path.
func (s *FileSource) Location() string {
	return s.path
}

// Load reads and validates the document.
func (s *FileSource) Load(ctx context.Context) (*domain.StageDocument, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(s.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStageSourceUnavailable, s.path, err)
	}

	var doc domain.StageDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStageSourceUnavailable, s.path, err)
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}

	s.logger.Info("stages loaded",
		slog.String("path", s.path),
		slog.Int("count", len(doc.Stages)))

	return &doc, nil
}

// Validate checks that the document has at least one fully specified stage.
func Validate(doc *domain.StageDocument) error {
	if doc == nil || len(doc.Stages) == 0 {
		return ErrNoStages
	}
	for i, st := range doc.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("stage %d: name is required", i+1)
		}
		if strings.TrimSpace(st.Prompt) == "" {
			return fmt.Errorf("stage %d (%s): prompt is required", i+1, st.Name)
		}
	}
	return nil
}

// Watch reloads the document whenever its file changes and passes the result
// to onChange. The parent directory is watched so that editors which replace
// the file by rename are picked up too.
func (s *FileSource) Watch(ctx context.Context, onChange func(*domain.StageDocument, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.logger.Info("watching stage document for changes", slog.String("path", s.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("stage watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				s.logger.Info("stage document changed, reloading", slog.String("path", event.Name))
				doc, err := s.Load(ctx)
				if err != nil {
					s.logger.Error("failed to reload stages",
						slog.String("error", err.Error()),
						slog.String("path", s.path))
				}
				onChange(doc, err)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("stage watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the document.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

var _ ports.StageSource = (*FileSource)(nil)
