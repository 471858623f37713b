package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymind/relaymind/internal/domain"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/statestore"
)

// SOPEngine stores workflow templates and runs them. Templates are keyed
// by name; registering a higher version replaces the served template, and
// runs already instantiated keep executing their snapshot.
type SOPEngine struct {
	mu        sync.RWMutex
	templates map[string]*workflow.Template

	executor *Executor
	store    statestore.Store // nil disables run persistence
	logger   *slog.Logger
}

// NewSOPEngine creates an engine with no templates loaded.
func NewSOPEngine(executor *Executor, store statestore.Store, logger *slog.Logger) *SOPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SOPEngine{
		templates: make(map[string]*workflow.Template),
		executor:  executor,
		store:     store,
		logger:    logger,
	}
}

// Register validates and stores a template. A template with a version not
// above the stored one is rejected so rollbacks are explicit.
func (e *SOPEngine) Register(tpl *workflow.Template) error {
	if err := tpl.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.templates[tpl.Name]; ok && tpl.Version <= cur.Version {
		return fmt.Errorf("%w: template %q version %d is not above stored version %d",
			domain.ErrValidation, tpl.Name, tpl.Version, cur.Version)
	}
	e.templates[tpl.Name] = tpl
	return nil
}

// LoadDir parses every .yaml file in the filesystem root as a template.
func (e *SOPEngine) LoadDir(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		tpl, err := workflow.ParseTemplate(data)
		if err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		if err := e.Register(tpl); err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		e.logger.Info("loaded workflow template", "name", tpl.Name, "version", tpl.Version)
	}
	return nil
}

// Lookup returns the stored template by name.
func (e *SOPEngine) Lookup(name string) (*workflow.Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", name, domain.ErrNotFound)
	}
	return tpl, nil
}

// List returns the stored templates sorted by name.
func (e *SOPEngine) List() []*workflow.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*workflow.Template, 0, len(e.templates))
	for _, tpl := range e.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instantiate expands a stored template into a fresh DAG with a generated
// run ID.
func (e *SOPEngine) Instantiate(name string, params map[string]string) (*workflow.DAG, error) {
	tpl, err := e.Lookup(name)
	if err != nil {
		return nil, err
	}
	return tpl.Instantiate(uuid.NewString(), params)
}

// Execute instantiates and runs a stored template end to end, persisting
// the run result when a store is configured.
func (e *SOPEngine) Execute(ctx context.Context, name string, params map[string]string) (*workflow.RunResult, error) {
	d, err := e.Instantiate(name, params)
	if err != nil {
		return nil, err
	}

	e.logger.Info("workflow run starting", "template", name, "run_id", d.ID, "tasks", len(d.Tasks))
	res, runErr := e.executor.Run(ctx, d)

	if e.store != nil && res != nil {
		if err := e.store.SaveRunResult(ctx, res); err != nil {
			e.logger.Error("persist run result failed", "run_id", d.ID, "error", err)
		}
	}
	if runErr != nil {
		return res, runErr
	}

	e.logger.Info("workflow run finished",
		"template", name, "run_id", d.ID, "succeeded", res.Succeeded(), "failed", len(res.Failed))
	return res, nil
}
