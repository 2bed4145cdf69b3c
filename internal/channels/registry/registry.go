// Package registry maps channel ids to their plugins. The registry is
// built once at startup and read-only afterwards, so lookups from the
// gateway and the outbound pipeline need no locking. Adding a
// transport means registering one more plugin value; dispatch logic
// never changes.
package registry

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// Registry is an immutable channel-id to plugin table.
type Registry struct {
	plugins map[string]*pluginsdk.Plugin
}

// Builder accumulates plugins before the registry is sealed.
type Builder struct {
	logger  *slog.Logger
	plugins map[string]*pluginsdk.Plugin
}

// NewBuilder creates an empty registry builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{
		logger:  logger.With("component", "channels"),
		plugins: make(map[string]*pluginsdk.Plugin),
	}
}

// Register adds a plugin. Later registrations of the same id win,
// which keeps test setup simple; production wiring registers each
// channel once.
func (b *Builder) Register(p *pluginsdk.Plugin) *Builder {
	b.plugins[strings.ToLower(p.ID)] = p
	b.logger.Info("channel registered", "id", p.ID, "label", p.Label)
	return b
}

// Build seals the builder into a read-only registry.
func (b *Builder) Build() *Registry {
	plugins := make(map[string]*pluginsdk.Plugin, len(b.plugins))
	for id, p := range b.plugins {
		plugins[id] = p
	}
	return &Registry{plugins: plugins}
}

// Get returns the plugin for a channel id.
func (r *Registry) Get(id string) (*pluginsdk.Plugin, error) {
	p, ok := r.plugins[strings.ToLower(id)]
	if !ok {
		return nil, &resilience.NotFoundError{Kind: "channel", ID: id}
	}
	return p, nil
}

// IDs returns all registered channel ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns all registered plugins in id order.
func (r *Registry) All() []*pluginsdk.Plugin {
	out := make([]*pluginsdk.Plugin, 0, len(r.plugins))
	for _, id := range r.IDs() {
		out = append(out, r.plugins[id])
	}
	return out
}
