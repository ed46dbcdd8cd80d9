package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRuntimeDefaults(t *testing.T) {
	cfg, err := LoadRuntime("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntimeConfig(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Flow.StreamRetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Flow.StreamMaxDuration)
}

func TestLoadRuntimeFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
plugins:
  dir: /opt/pdk/plugins
  load_at_runtime: true
  reload_interval: 30s
offsets:
  driver: sqlite
  path: /var/lib/pdk/offsets.db
flow:
  event_batch_size: 250
`), 0o600))

	t.Setenv("PDK_FLOW_QUEUE_SIZE", "8")

	cfg, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/opt/pdk/plugins", cfg.Plugins.Dir)
	assert.True(t, cfg.Plugins.LoadAtRuntime)
	assert.Equal(t, 30*time.Second, cfg.Plugins.ReloadInterval)
	assert.Equal(t, "sqlite", cfg.Offsets.Driver)
	assert.Equal(t, 250, cfg.Flow.EventBatchSize)
	assert.Equal(t, 8, cfg.Flow.QueueSize)
	assert.Equal(t, 10, cfg.Flow.SampleSize)
}

func TestLoadRuntimeMissingFile(t *testing.T) {
	_, err := LoadRuntime(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RuntimeConfig)
		ok     bool
	}{
		{"defaults", func(*RuntimeConfig) {}, true},
		{"unknown driver", func(c *RuntimeConfig) { c.Offsets.Driver = "redis" }, false},
		{"sqlite without path", func(c *RuntimeConfig) { c.Offsets.Driver = "sqlite"; c.Offsets.Path = "" }, false},
		{"zero batch", func(c *RuntimeConfig) { c.Flow.EventBatchSize = 0 }, false},
		{"zero queue", func(c *RuntimeConfig) { c.Flow.QueueSize = 0 }, false},
		{"negative delay", func(c *RuntimeConfig) { c.Flow.StreamRetryDelay = -time.Second }, false},
		{"negative max duration", func(c *RuntimeConfig) { c.Flow.StreamMaxDuration = -time.Second }, false},
		{"reload without interval", func(c *RuntimeConfig) {
			c.Plugins.LoadAtRuntime = true
			c.Plugins.ReloadInterval = 0
		}, false},
		{"zero concurrency", func(c *RuntimeConfig) { c.Plugins.Concurrency = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRuntimeConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSubstituteEnv(t *testing.T) {
	t.Setenv("PDK_TEST_USER", "replicator")
	assert.Equal(t, "user=replicator", SubstituteEnv("user=${PDK_TEST_USER}"))
	assert.Equal(t, "port=5432", SubstituteEnv("port=${PDK_TEST_UNSET:-5432}"))
	assert.Equal(t, "x=", SubstituteEnv("x=${PDK_TEST_UNSET}"))
	assert.Equal(t, "a ${open", SubstituteEnv("a ${open"))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	in := DefaultRuntimeConfig()
	require.NoError(t, Save(path, in))

	out := &RuntimeConfig{}
	require.NoError(t, Load(path, out))
	assert.Equal(t, in.Flow, out.Flow)
	assert.Equal(t, in.Offsets, out.Offsets)
}
