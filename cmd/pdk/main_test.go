package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/internal/loader"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
)

func TestParsePluginRef(t *testing.T) {
	tests := []struct {
		ref                  string
		id, group, version string
	}{
		{"mysql", "mysql", "", ""},
		{"mysql@1.0.0", "mysql", "", "1.0.0"},
		{"io.nebula.pdk:mysql", "mysql", "io.nebula.pdk", ""},
		{"io.nebula.pdk:mysql@1.0.0", "mysql", "io.nebula.pdk", "1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, group, version := parsePluginRef(tt.ref)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.group, group)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestReadDataMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: localhost\nport: 5432\n"), 0o600))

	m, err := readDataMap(path, []string{"password=s=cret", "port=6543"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", m.String("host"))
	assert.Equal(t, "s=cret", m.String("password"))
	assert.Equal(t, 6543, m.Int("port", 0))

	_, err = readDataMap("", []string{"novalue"})
	require.Error(t, err)
}

func TestBuiltinManifestsParse(t *testing.T) {
	descriptors := registry.GetCatalog().Descriptors()
	require.Len(t, descriptors, 5)
	for _, d := range descriptors {
		t.Run(d.Implementation, func(t *testing.T) {
			spec, err := core.ParseManifest(d.Manifest)
			require.NoError(t, err)
			require.NotNil(t, spec.DataTypes)
			assert.Positive(t, spec.DataTypes.Len())
			_, err = loader.Probe(d.Factory)
			require.NoError(t, err)
		})
	}
}

func builtin(t *testing.T, implementation string) *registry.Plugin {
	t.Helper()
	d, err := registry.Lookup(implementation)
	require.NoError(t, err)
	spec, err := core.ParseManifest(d.Manifest)
	require.NoError(t, err)
	caps, err := loader.Probe(d.Factory)
	require.NoError(t, err)
	return &registry.Plugin{Spec: spec.WithCapabilities(caps), Factory: d.Factory, Path: "builtin:" + implementation, LoadedAt: time.Now()}
}

func TestPredictMySQLToPostgres(t *testing.T) {
	rows, err := predict(builtin(t, "mysql"), builtin(t, "postgres"))
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	bySource := map[string]prediction{}
	for _, r := range rows {
		bySource[r.Source] = r
	}
	bigint, ok := bySource["bigint"]
	require.True(t, ok)
	assert.NotEmpty(t, bigint.Target)

	var buf bytes.Buffer
	require.NoError(t, writePredictions(&buf, "mysql", "postgres", rows))
	assert.Contains(t, buf.String(), "SOURCE")
	assert.Contains(t, buf.String(), "bigint")
}

func TestWriteTestItems(t *testing.T) {
	var buf bytes.Buffer
	err := writeTestItems(&buf, "p", []core.TestItem{
		{Item: core.TestItemConnection, Result: core.TestSuccessful},
		{Item: core.TestItemWrite, Result: core.TestFailed, Information: "denied"},
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "denied")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version", "--env-file", ""})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "pdk v"+version)
}
