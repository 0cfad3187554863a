// Package provider defines the streaming contract between the compare
// engine and model backends.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// Message is one turn of the conversation sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// EventKind discriminates provider stream events.
type EventKind int

// Event kinds.
const (
	KindText EventKind = iota
	KindReasoning
	KindUsage
	KindDone
	KindError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindReasoning:
		return "reasoning"
	case KindUsage:
		return "usage"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a single provider-native stream event.
type Event struct {
	Kind  EventKind
	Text  string
	Usage *core.Usage
	Err   error
}

// Stream is a lazily produced sequence of events for one model.
// Recv returns io.EOF after the last event.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Adapter opens model streams. Canceling ctx aborts a blocked Recv.
type Adapter interface {
	Stream(ctx context.Context, modelID string, messages []Message) (Stream, error)
}

// Router dispatches each model to the adapter registered for its provider.
type Router struct {
	catalog *catalog.Catalog

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRouter creates a router over the given catalog.
func NewRouter(c *catalog.Catalog) *Router {
	return &Router{catalog: c, adapters: make(map[string]Adapter)}
}

// Register binds a provider name to an adapter.
func (r *Router) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Providers lists registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stream resolves modelID through the catalog and opens the upstream stream.
func (r *Router) Stream(ctx context.Context, modelID string, messages []Message) (Stream, error) {
	m, ok := r.catalog.Lookup(modelID)
	if !ok {
		return nil, fmt.Errorf("unknown model: %q", modelID)
	}

	r.mu.RLock()
	a, ok := r.adapters[m.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", m.Provider)
	}

	return a.Stream(ctx, m.Upstream(), messages)
}
