// Package catalog holds the set of models a compare run may target.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Model describes one selectable model.
type Model struct {
	ID          string `koanf:"id" json:"id" yaml:"id"`
	Provider    string `koanf:"provider" json:"provider" yaml:"provider"`
	UpstreamID  string `koanf:"upstream_id" json:"upstreamId,omitempty" yaml:"upstream_id,omitempty"`
	DisplayName string `koanf:"display_name" json:"displayName,omitempty" yaml:"display_name,omitempty"`
}

// Upstream returns the id sent to the provider.
func (m Model) Upstream() string {
	if m.UpstreamID != "" {
		return m.UpstreamID
	}
	return m.ID
}

// Catalog is a concurrency-safe, replaceable model list.
type Catalog struct {
	mu     sync.RWMutex
	models []Model
	byID   map[string]Model
}

// New builds a catalog from the given models.
func New(models []Model) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(models); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps the catalog contents after validating them.
func (c *Catalog) Replace(models []Model) error {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		if m.ID == "" {
			return fmt.Errorf("model entry missing id")
		}
		if m.Provider == "" {
			return fmt.Errorf("model %q missing provider", m.ID)
		}
		if _, dup := byID[m.ID]; dup {
			return fmt.Errorf("model %q listed twice", m.ID)
		}
		byID[m.ID] = m
	}

	c.mu.Lock()
	c.models = slices.Clone(models)
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// List returns the models in configured order.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.models)
}

// Validate checks that every id is known and appears once.
func (c *Catalog) Validate(ids []string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok {
			return fmt.Errorf("unknown model: %q", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate model: %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// LoadFunc reads the model list from its source.
type LoadFunc func() ([]Model, error)

// Watch reloads the catalog whenever the file at path changes.
// It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, path string, load LoadFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
				models, err := load()
				if err != nil {
					logger.Error("failed to reload model catalog", "error", err)
					return
				}
				if err := c.Replace(models); err != nil {
					logger.Error("rejected model catalog", "error", err)
					return
				}
				logger.Info("model catalog reloaded", "models", len(models))
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}
