package core

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-pdk/pkg/mapping"
)

// Specification identifies a plugin and declares what it can do. It is
// immutable once loaded.
type Specification struct {
	ID             string                 `yaml:"id" json:"id"`
	Group          string                 `yaml:"group" json:"group"`
	Version        string                 `yaml:"version" json:"version"`
	Name           string                 `yaml:"name" json:"name"`
	Icon           string                 `yaml:"icon,omitempty" json:"icon,omitempty"`
	Implementation string                 `yaml:"implementation" json:"implementation"`
	Description    string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Declared       []string               `yaml:"capabilities,omitempty" json:"declared,omitempty"`
	ConfigOptions  map[string]interface{} `yaml:"configOptions,omitempty" json:"configOptions,omitempty"`
	DataTypes      *mapping.Mapping       `yaml:"dataTypes,omitempty" json:"-"`

	// Capabilities is the probed set of registered functions
	Capabilities []Capability `yaml:"-" json:"capabilities"`
}

// ParseManifest reads a bundle manifest
func ParseManifest(data []byte) (*Specification, error) {
	var spec Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the identity fields and declared capability names
func (s *Specification) Validate() error {
	var missing []string
	if s.ID == "" {
		missing = append(missing, "id")
	}
	if s.Group == "" {
		missing = append(missing, "group")
	}
	if s.Version == "" {
		missing = append(missing, "version")
	}
	if s.Implementation == "" {
		missing = append(missing, "implementation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("manifest is missing %s", strings.Join(missing, ", "))
	}
	for _, name := range s.Declared {
		if _, ok := ParseCapability(name); !ok {
			return fmt.Errorf("manifest declares unknown capability %q", name)
		}
	}
	return nil
}

// Key uniquely identifies the plugin
func (s *Specification) Key() string {
	return Key(s.ID, s.Group, s.Version)
}

// Key builds a plugin key from its identity
func Key(id, group, version string) string {
	return group + ":" + id + "@" + version
}

// Has reports whether the probed capabilities include c
func (s *Specification) Has(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilityNames returns the probed capabilities as names
func (s *Specification) CapabilityNames() []string {
	out := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		out = append(out, c.String())
	}
	return out
}

// WithCapabilities returns a copy of s carrying the probed capabilities
func (s *Specification) WithCapabilities(caps []Capability) *Specification {
	c := *s
	c.Capabilities = append([]Capability(nil), caps...)
	return &c
}
