// Package loader discovers plugin bundles and registers them.
//
// A bundle is a YAML manifest naming a compiled-in implementation. Every
// bundle is probed in isolation: a fresh connector instance registers its
// functions into its own table and codec registry, and a failure or panic
// only excludes that bundle.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
)

// Options configures a Loader
type Options struct {
	// Dir is scanned for *.yaml and *.yml manifests
	Dir string
	// RunningDir receives the working copies of loaded bundles
	RunningDir     string
	Concurrency    int
	ReloadInterval time.Duration
}

// Listeners observe loading. Every callback is optional.
type Listeners struct {
	// OnBundleFound may veto loading a new or changed bundle by returning false
	OnBundleFound func(path string) bool
	OnLoaded      func(spec *core.Specification)
	OnFailed      func(path string, err error)
	OnCompleted   func(result *Result)
}

// Failure is a bundle that could not be loaded
type Failure struct {
	Path string
	Err  error
}

// Result summarises one Load call
type Result struct {
	Loaded    []*core.Specification
	Failed    []Failure
	Removed   []string
	Unchanged int
}

type bundleState struct {
	modTime time.Time
	running string
}

// failure remembers the modification time a failure was observed at, so an
// unchanged broken bundle is not probed on every scan
type failure struct {
	err     error
	modTime time.Time
}

// Loader loads bundles into a registry
type Loader struct {
	opts      Options
	registry  *registry.Registry
	catalog   *registry.Catalog
	logger    *zap.Logger
	listeners Listeners

	// mu serialises Load calls
	mu          sync.Mutex
	seen        map[string]bundleState
	failures    map[string]failure
	initialised bool

	cron *cron.Cron
}

// New creates a loader registering into reg and resolving implementations
// from cat
func New(reg *registry.Registry, cat *registry.Catalog, opts Options, log *zap.Logger) *Loader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		opts:     opts,
		registry: reg,
		catalog:  cat,
		logger:   log.With(zap.String("component", "plugin_loader")),
		seen:     make(map[string]bundleState),
		failures: make(map[string]failure),
	}
}

// SetListeners replaces the listeners
func (l *Loader) SetListeners(ls Listeners) {
	l.mu.Lock()
	l.listeners = ls
	l.mu.Unlock()
}

// Failures returns the bundles whose last load failed, by path
func (l *Loader) Failures() map[string]error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]error, len(l.failures))
	for k, v := range l.failures {
		out[k] = v.err
	}
	return out
}

// Load scans the bundle directory. New and changed bundles are (re)loaded,
// bundles whose file disappeared are unregistered.
func (l *Loader) Load(ctx context.Context) (*Result, error) {
	paths, err := scan(l.opts.Dir)
	if err != nil {
		return nil, err
	}
	return l.load(ctx, paths, true)
}

// LoadBundles loads an explicit list of manifests
func (l *Loader) LoadBundles(ctx context.Context, paths []string) (*Result, error) {
	return l.load(ctx, paths, false)
}

func scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("read bundle directory %s", dir))
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type candidate struct {
	path    string
	modTime time.Time
	plugin  *registry.Plugin
	running string
	err     error
}

func (l *Loader) load(ctx context.Context, paths []string, prune bool) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.prepareRunningDir(); err != nil {
		return nil, err
	}

	result := &Result{}
	found := make(map[string]bool, len(paths))
	var work []*candidate
	for _, p := range paths {
		found[p] = true
		info, err := os.Stat(p)
		if err != nil {
			work = append(work, &candidate{path: p, err: errors.Wrap(err, errors.ErrorTypePluginLoad, "stat bundle")})
			continue
		}
		if st, ok := l.seen[p]; ok && st.modTime.Equal(info.ModTime()) {
			result.Unchanged++
			continue
		}
		if f, failed := l.failures[p]; failed && f.modTime.Equal(info.ModTime()) {
			result.Unchanged++
			continue
		}
		if l.listeners.OnBundleFound != nil && !l.listeners.OnBundleFound(p) {
			l.logger.Info("bundle vetoed by listener", zap.String("path", p))
			continue
		}
		work = append(work, &candidate{path: p, modTime: info.ModTime()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, c := range work {
		if c.err != nil {
			continue
		}
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.plugin, c.running, c.err = l.loadBundle(c.path, c.modTime)
			return nil // one bundle never fails the batch
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range work {
		if c.err != nil {
			l.fail(result, c.path, c.modTime, c.err)
			continue
		}
		l.install(c)
		result.Loaded = append(result.Loaded, c.plugin.Spec)
		if l.listeners.OnLoaded != nil {
			l.listeners.OnLoaded(c.plugin.Spec)
		}
	}

	if prune {
		l.prune(found, result)
	}

	observability.SetPluginsLoaded(l.registry.Len())
	l.logger.Info("bundle scan completed",
		zap.Int("loaded", len(result.Loaded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("unchanged", result.Unchanged))
	if l.listeners.OnCompleted != nil {
		l.listeners.OnCompleted(result)
	}
	return result, nil
}

func (l *Loader) fail(result *Result, path string, modTime time.Time, err error) {
	l.failures[path] = failure{err: err, modTime: modTime}
	if st, ok := l.seen[path]; ok {
		l.unregister(path, st)
		delete(l.seen, path)
	}
	result.Failed = append(result.Failed, Failure{Path: path, Err: err})
	l.logger.Warn("bundle failed to load", zap.String("path", path), zap.Error(err))
	if l.listeners.OnFailed != nil {
		l.listeners.OnFailed(path, err)
	}
}

func (l *Loader) install(c *candidate) {
	if st, ok := l.seen[c.path]; ok {
		// the manifest may have changed identity, drop the old entry first
		l.unregister(c.path, st)
	}
	l.registry.Put(c.plugin)
	l.seen[c.path] = bundleState{modTime: c.modTime, running: c.running}
	delete(l.failures, c.path)
}

func (l *Loader) prune(found map[string]bool, result *Result) {
	for path := range l.failures {
		if !found[path] && !strings.HasPrefix(path, "builtin:") {
			delete(l.failures, path)
		}
	}
	for path, st := range l.seen {
		if found[path] {
			continue
		}
		result.Removed = append(result.Removed, l.unregister(path, st)...)
		delete(l.seen, path)
	}
	sort.Strings(result.Removed)
}

func (l *Loader) unregister(path string, st bundleState) []string {
	keys := l.registry.RemovePath(path)
	if st.running != "" {
		if err := os.Remove(st.running); err != nil && !os.IsNotExist(err) {
			l.logger.Debug("failed to remove running copy", zap.String("path", st.running), zap.Error(err))
		}
	}
	return keys
}

// prepareRunningDir empties the running folder on the first load
func (l *Loader) prepareRunningDir() error {
	if l.initialised || l.opts.RunningDir == "" {
		l.initialised = true
		return nil
	}
	if err := os.RemoveAll(l.opts.RunningDir); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "clear running directory")
	}
	if err := os.MkdirAll(l.opts.RunningDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create running directory")
	}
	l.initialised = true
	return nil
}

// loadBundle reads, copies and probes one bundle
func (l *Loader) loadBundle(path string, modTime time.Time) (*registry.Plugin, string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // bundle paths come from the configured directory
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypePluginLoad, "read bundle").WithDetail("path", path)
	}

	running := ""
	if l.opts.RunningDir != "" {
		running = filepath.Join(l.opts.RunningDir, uuid.NewString()+filepath.Ext(path))
		if err := os.WriteFile(running, data, 0o600); err != nil {
			return nil, "", errors.Wrap(err, errors.ErrorTypePluginLoad, "copy bundle").WithDetail("path", path)
		}
	}

	plugin, err := l.resolve(data)
	if err != nil {
		if running != "" {
			_ = os.Remove(running)
		}
		return nil, "", errors.Wrap(err, errors.ErrorTypePluginLoad, "load bundle").WithDetail("path", path)
	}
	plugin.Path = path
	plugin.ModTime = modTime
	return plugin, running, nil
}

// resolve parses a manifest, binds its implementation and probes it
func (l *Loader) resolve(manifest []byte) (*registry.Plugin, error) {
	spec, err := core.ParseManifest(manifest)
	if err != nil {
		return nil, err
	}
	desc, err := l.catalog.Lookup(spec.Implementation)
	if err != nil {
		return nil, err
	}
	if spec.DataTypes == nil && len(desc.Manifest) > 0 {
		defaults, err := core.ParseManifest(desc.Manifest)
		if err != nil {
			return nil, fmt.Errorf("default manifest of %s: %w", desc.Implementation, err)
		}
		spec.DataTypes = defaults.DataTypes
	}

	caps, err := Probe(desc.Factory)
	if err != nil {
		return nil, err
	}
	for _, name := range spec.Declared {
		c, _ := core.ParseCapability(name)
		if !containsCapability(caps, c) {
			l.logger.Warn("declared capability is not registered",
				zap.String("plugin", spec.Key()), zap.String("capability", name))
		}
	}

	return &registry.Plugin{
		Spec:     spec.WithCapabilities(caps),
		Factory:  desc.Factory,
		LoadedAt: time.Now(),
	}, nil
}

// Probe creates a throwaway instance and returns the capabilities it
// registers. A panic is reported as an error.
func Probe(factory core.Factory) (caps []core.Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypePluginLoad, "capability probe panicked: %v", r)
		}
	}()
	conn := factory()
	if conn == nil {
		return nil, errors.New(errors.ErrorTypePluginLoad, "factory returned nil")
	}
	fns := &core.Functions{}
	conn.RegisterCapabilities(fns, codec.NewRegistry())
	return fns.Capabilities(), nil
}

func containsCapability(caps []core.Capability, c core.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

// LoadBuiltins registers the default manifest of every compiled-in connector
func (l *Loader) LoadBuiltins() *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := &Result{}
	for _, d := range l.catalog.Descriptors() {
		if len(d.Manifest) == 0 {
			continue
		}
		path := "builtin:" + d.Implementation
		plugin, err := l.resolve(d.Manifest)
		if err != nil {
			l.fail(result, path, time.Time{}, errors.Wrap(err, errors.ErrorTypePluginLoad, "load builtin"))
			continue
		}
		plugin.Path = path
		l.registry.Put(plugin)
		result.Loaded = append(result.Loaded, plugin.Spec)
		if l.listeners.OnLoaded != nil {
			l.listeners.OnLoaded(plugin.Spec)
		}
	}
	observability.SetPluginsLoaded(l.registry.Len())
	return result
}

// Start re-scans the bundle directory every ReloadInterval until Stop
func (l *Loader) Start(ctx context.Context) error {
	l.cron = cron.New()
	spec := fmt.Sprintf("@every %s", l.opts.ReloadInterval)
	if _, err := l.cron.AddFunc(spec, func() {
		if _, err := l.Load(ctx); err != nil {
			l.logger.Warn("scheduled bundle scan failed", zap.Error(err))
		}
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "schedule bundle scan")
	}
	l.cron.Start()
	l.logger.Info("bundle polling started", zap.Duration("interval", l.opts.ReloadInterval))
	return nil
}

// Stop stops polling and waits for a running scan to finish
func (l *Loader) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
	l.logger.Info("bundle polling stopped")
}
