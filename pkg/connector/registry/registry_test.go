package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

func plugin(id, group, version, path string) *Plugin {
	return &Plugin{
		Spec:    &core.Specification{ID: id, Group: group, Version: version, Implementation: id},
		Factory: func() core.Connector { return nil },
		Path:    path,
	}
}

func TestRegistryFindPicksHighestVersion(t *testing.T) {
	r := NewRegistry()
	r.Put(plugin("mysql", "io.pdk", "1.2", "a.yaml"))
	r.Put(plugin("mysql", "io.pdk", "1.10", "b.yaml"))
	r.Put(plugin("postgres", "io.pdk", "1.0", "c.yaml"))

	p, err := r.Find("mysql", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10", p.Spec.Version)

	p, err = r.Find("mysql", "io.pdk", "1.2")
	require.NoError(t, err)
	assert.Equal(t, "a.yaml", p.Path)

	_, err = r.Find("oracle", "", "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRegistryReplaceAndRemove(t *testing.T) {
	r := NewRegistry()
	first := plugin("mysql", "io.pdk", "1.0", "a.yaml")
	assert.Nil(t, r.Put(first))

	second := plugin("mysql", "io.pdk", "1.0", "a.yaml")
	assert.Same(t, first, r.Put(second))

	got, ok := r.Get(second.Key())
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())

	r.Put(plugin("kafka", "io.pdk", "1.0", "a.yaml"))
	assert.Equal(t, []string{"io.pdk:kafka@1.0", "io.pdk:mysql@1.0"}, r.RemovePath("a.yaml"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Remove("io.pdk:mysql@1.0"))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(Descriptor{Implementation: "x", Factory: func() core.Connector { return nil }}))
	assert.Error(t, c.Register(Descriptor{Implementation: "x", Factory: func() core.Connector { return nil }}))
	assert.Error(t, c.Register(Descriptor{Implementation: "y"}))

	_, err := c.Lookup("x")
	assert.NoError(t, err)
	_, err = c.Lookup("z")
	assert.Error(t, err)
	assert.Len(t, c.Descriptors(), 1)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 1, compareVersions("1.10", "1.9"))
	assert.Equal(t, 0, compareVersions("2.0.1", "2.0.1"))
	assert.Equal(t, -1, compareVersions("1.0", "1.0.1"))
	assert.Equal(t, -1, compareVersions("1.0-alpha", "1.0-beta"))
}
