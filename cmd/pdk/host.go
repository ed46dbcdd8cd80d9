package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/internal/loader"
	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/logger"
)

// host is a registry filled with the builtin and on-disk bundles
type host struct {
	cfg      *config.RuntimeConfig
	logger   *zap.Logger
	registry *registry.Registry
	loader   *loader.Loader
}

func newHost(ctx context.Context, cfg *config.RuntimeConfig) (*host, error) {
	log := logger.Get()
	reg := registry.NewRegistry()
	l := loader.New(reg, registry.GetCatalog(), loader.Options{
		Dir:            cfg.Plugins.Dir,
		RunningDir:     cfg.Plugins.RunningDir,
		Concurrency:    cfg.Plugins.Concurrency,
		ReloadInterval: cfg.Plugins.ReloadInterval,
	}, log)
	l.SetListeners(loader.Listeners{
		OnFailed: func(path string, err error) {
			log.Warn("bundle not loaded", zap.String("path", path), zap.Error(err))
		},
	})

	if cfg.Plugins.Builtins {
		l.LoadBuiltins()
	}
	if info, err := os.Stat(cfg.Plugins.Dir); err == nil && info.IsDir() {
		if _, err := l.Load(ctx); err != nil {
			return nil, err
		}
	}
	return &host{cfg: cfg, logger: log, registry: reg, loader: l}, nil
}

// plugin resolves a reference of the form [group:]id[@version]
func (h *host) plugin(ref string) (*registry.Plugin, error) {
	id, group, version := parsePluginRef(ref)
	if id == "" {
		return nil, fmt.Errorf("plugin reference %q names no id", ref)
	}
	return h.registry.Find(id, group, version)
}

func parsePluginRef(ref string) (id, group, version string) {
	id = strings.TrimSpace(ref)
	if i := strings.LastIndex(id, "@"); i >= 0 {
		id, version = id[:i], id[i+1:]
	}
	if i := strings.LastIndex(id, ":"); i >= 0 {
		group, id = id[:i], id[i+1:]
	}
	return id, group, version
}

// readDataMap reads a YAML map from path and applies key=value overrides
func readDataMap(path string, sets []string) (core.DataMap, error) {
	m := core.DataMap{}
	if path != "" {
		if err := config.Load(path, &m); err != nil {
			return nil, err
		}
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		m[k] = v
	}
	return m, nil
}
