package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/logger"
)

// Plugin is a loaded plugin: its specification and the factory creating
// instances. Each instance gets its own function table and codec registry.
type Plugin struct {
	Spec     *core.Specification
	Factory  core.Factory
	Path     string
	ModTime  time.Time
	LoadedAt time.Time
}

// Key returns the plugin key
func (p *Plugin) Key() string { return p.Spec.Key() }

// New creates a connector instance
func (p *Plugin) New() core.Connector { return p.Factory() }

// Registry holds the loaded plugins. Entries are replaced as a whole, so a
// node holding a *Plugin keeps a consistent view across reloads.
type Registry struct {
	plugins map[string]*Plugin
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		logger:  logger.Get().With(zap.String("component", "plugin_registry")),
	}
}

// Put registers p, replacing any plugin with the same key. The replaced
// plugin is returned.
func (r *Registry) Put(p *Plugin) *Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.Key()
	previous := r.plugins[key]
	r.plugins[key] = p
	if previous != nil {
		r.logger.Info("plugin replaced", zap.String("plugin", key), zap.String("path", p.Path))
	} else {
		r.logger.Info("plugin registered", zap.String("plugin", key), zap.String("path", p.Path))
	}
	return previous
}

// Remove unregisters the plugin with key
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[key]; !exists {
		return false
	}
	delete(r.plugins, key)
	r.logger.Info("plugin unregistered", zap.String("plugin", key))
	return true
}

// RemovePath unregisters every plugin loaded from path and returns their keys
func (r *Registry) RemovePath(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key, p := range r.plugins {
		if p.Path == path {
			delete(r.plugins, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// Find returns the plugin with id. Empty group or version match any; among
// several matches the highest version wins.
func (r *Registry) Find(id, group, version string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Plugin
	for _, p := range r.plugins {
		s := p.Spec
		if s.ID != id || (group != "" && s.Group != group) || (version != "" && s.Version != version) {
			continue
		}
		if best == nil || compareVersions(s.Version, best.Spec.Version) > 0 ||
			(s.Version == best.Spec.Version && s.Group < best.Spec.Group) {
			best = p
		}
	}
	if best == nil {
		return nil, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("plugin %s not found", describe(id, group, version))).
			WithDetail("plugin_id", id)
	}
	return best, nil
}

// Get returns the plugin with key
func (r *Registry) Get(key string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[key]
	return p, ok
}

// List returns every plugin ordered by key
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of plugins
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func describe(id, group, version string) string {
	s := id
	if group != "" {
		s = group + ":" + s
	}
	if version != "" {
		s += "@" + version
	}
	return s
}

// compareVersions compares dotted versions numerically where possible
func compareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x == y {
			continue
		}
		nx, okx := atoi(x)
		ny, oky := atoi(y)
		if okx && oky {
			if nx < ny {
				return -1
			}
			return 1
		}
		if x < y {
			return -1
		}
		return 1
	}
	return 0
}

func splitVersion(v string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == '.' || v[i] == '-' {
			parts = append(parts, v[start:i])
			start = i + 1
		}
	}
	return parts
}

func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
