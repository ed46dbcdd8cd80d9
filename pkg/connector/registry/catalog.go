// Package registry holds the compiled-in connector descriptors and the
// registry of loaded plugins.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

// Descriptor is a connector implementation compiled into the binary. Bundle
// manifests refer to it by Implementation.
type Descriptor struct {
	Implementation string
	Factory        core.Factory
	// Manifest is the default bundle manifest
	Manifest []byte
}

// Catalog maps implementation names to descriptors
type Catalog struct {
	descriptors map[string]Descriptor
	mu          sync.RWMutex
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{descriptors: make(map[string]Descriptor)}
}

// Register adds a descriptor
func (c *Catalog) Register(d Descriptor) error {
	if d.Implementation == "" || d.Factory == nil {
		return errors.New(errors.ErrorTypeConfig, "descriptor needs an implementation name and a factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.descriptors[d.Implementation]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("implementation %s already registered", d.Implementation))
	}
	c.descriptors[d.Implementation] = d
	return nil
}

// Lookup returns the descriptor for an implementation name
func (c *Catalog) Lookup(implementation string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, exists := c.descriptors[implementation]
	if !exists {
		return Descriptor{}, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("implementation %s is not compiled in", implementation))
	}
	return d, nil
}

// Descriptors returns every descriptor ordered by implementation name
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Implementation < out[j].Implementation })
	return out
}

// Global catalog instance, filled from connector packages' init functions
var globalCatalog = NewCatalog()

// Register adds a descriptor to the global catalog
func Register(d Descriptor) error {
	return globalCatalog.Register(d)
}

// MustRegister is Register for init functions
func MustRegister(d Descriptor) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Lookup finds a descriptor in the global catalog
func Lookup(implementation string) (Descriptor, error) {
	return globalCatalog.Lookup(implementation)
}

// GetCatalog returns the global catalog
func GetCatalog() *Catalog {
	return globalCatalog
}
