package modhost

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps module slugs to the compiled-in implementations the host is
// willing to run. A module on disk without a catalog entry has no boot hook
// and fails validation.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]PluginFactory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]PluginFactory)}
}

// Register adds the factory for a slug.
func (c *Catalog) Register(slug string, factory PluginFactory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrFactoryNil, slug)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[slug]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryAlreadyExists, slug)
	}
	c.factories[slug] = factory
	return nil
}

// MustRegister is Register for package initialisation; it panics on error.
func (c *Catalog) MustRegister(slug string, factory PluginFactory) {
	if err := c.Register(slug, factory); err != nil {
		panic(err)
	}
}

// Resolve builds a fresh implementation for slug. It returns nil when no
// factory is registered.
func (c *Catalog) Resolve(slug string) Plugin {
	c.mu.RLock()
	factory, ok := c.factories[slug]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// Slugs returns the registered slugs in sorted order.
func (c *Catalog) Slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for slug := range c.factories {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
