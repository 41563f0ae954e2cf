package modhost

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// RuntimeStatus is the lifecycle state of a module inside the running host.
type RuntimeStatus string

const (
	StatusLoading  RuntimeStatus = "loading"
	StatusActive   RuntimeStatus = "active"
	StatusError    RuntimeStatus = "error"
	StatusDisabled RuntimeStatus = "disabled"
)

// InstallStatus is the persisted deployment state of a module.
type InstallStatus string

const (
	InstallInstalled InstallStatus = "installed"
	InstallDBReady   InstallStatus = "db_ready"
	InstallActive    InstallStatus = "active"
	InstallDisabled  InstallStatus = "disabled"
	InstallCorrupted InstallStatus = "corrupted"
)

// Valid reports whether s is a known install status.
func (s InstallStatus) Valid() bool {
	switch s {
	case InstallInstalled, InstallDBReady, InstallActive, InstallDisabled, InstallCorrupted:
		return true
	}
	return false
}

// runtimeTransitions lists every allowed runtime status change. A module in
// error stays there until it is unregistered and registered again.
var runtimeTransitions = map[RuntimeStatus][]RuntimeStatus{
	StatusLoading:  {StatusActive, StatusError},
	StatusActive:   {StatusDisabled},
	StatusDisabled: {StatusLoading},
}

func canTransition(from, to RuntimeStatus) bool {
	for _, allowed := range runtimeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RegisteredModule is a registry entry: the descriptor plus runtime and
// install state.
type RegisteredModule struct {
	Descriptor    *Descriptor   `json:"descriptor"`
	Status        RuntimeStatus `json:"status"`
	InstallStatus InstallStatus `json:"installStatus,omitempty"`
	HasBackend    bool          `json:"hasBackend"`
	HasFrontend   bool          `json:"hasFrontend"`
	InstalledAt   time.Time     `json:"installedAt,omitempty"`
	ActivatedAt   time.Time     `json:"activatedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

// Slug returns the slug of the registered module.
func (m RegisteredModule) Slug() string {
	return m.Descriptor.Slug
}

// Filter narrows Registry.GetAll. Zero fields match everything.
type Filter struct {
	Status        RuntimeStatus
	InstallStatus InstallStatus
}

func (f Filter) matches(m *RegisteredModule) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.InstallStatus != "" && m.InstallStatus != f.InstallStatus {
		return false
	}
	return true
}

// Registry is the in-memory record of every known module. One registry
// exists per host process; it is constructed explicitly and passed to the
// components that need it.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*RegisteredModule
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*RegisteredModule),
		now:     timecache.CachedTime,
	}
}

// Register adds a module. The initial status must be loading or disabled,
// and the slug must not already be registered.
func (r *Registry) Register(desc *Descriptor, initial RuntimeStatus) error {
	if desc == nil {
		return ErrDescriptorNil
	}
	if initial != StatusLoading && initial != StatusDisabled {
		return fmt.Errorf("%w: %s", ErrInvalidInitialStatus, initial)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[desc.Slug]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyRegistered, desc.Slug)
	}
	now := r.now()
	r.modules[desc.Slug] = &RegisteredModule{
		Descriptor:  desc.Clone(),
		Status:      initial,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	return nil
}

// UpdateStatus moves a module to a new runtime status. cause is recorded as
// the module's last error when moving to error.
func (r *Registry) UpdateStatus(slug string, status RuntimeStatus, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, slug)
	}
	if !canTransition(m.Status, status) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, slug, m.Status, status)
	}
	now := r.now()
	m.Status = status
	m.UpdatedAt = now
	switch status {
	case StatusActive:
		m.ActivatedAt = now
		m.LastError = ""
	case StatusError:
		if cause != nil {
			m.LastError = cause.Error()
		}
	case StatusLoading:
		m.LastError = ""
	}
	return nil
}

// SetInstallStatus records the persisted deployment status of a module.
func (r *Registry) SetInstallStatus(slug string, status InstallStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, slug)
	}
	m.InstallStatus = status
	m.UpdatedAt = r.now()
	return nil
}

// SetPayload records which subtrees a module shipped.
func (r *Registry) SetPayload(slug string, hasBackend, hasFrontend bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, slug)
	}
	m.HasBackend = hasBackend
	m.HasFrontend = hasFrontend
	return nil
}

// ReplaceDescriptor swaps in re-read manifest metadata without touching the
// runtime status.
func (r *Registry) ReplaceDescriptor(desc *Descriptor) error {
	if desc == nil {
		return ErrDescriptorNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[desc.Slug]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, desc.Slug)
	}
	m.Descriptor = desc.Clone()
	m.UpdatedAt = r.now()
	return nil
}

// Get returns a snapshot of one module.
func (r *Registry) Get(slug string) (RegisteredModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[slug]
	if !ok {
		return RegisteredModule{}, false
	}
	return m.snapshot(), true
}

// GetAll returns snapshots of the modules matching filter, sorted by slug.
func (r *Registry) GetAll(filter Filter) []RegisteredModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredModule, 0, len(r.modules))
	for _, m := range r.modules {
		if filter.matches(m) {
			out = append(out, m.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Slug < out[j].Descriptor.Slug })
	return out
}

// Unregister forgets a module.
func (r *Registry) Unregister(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[slug]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, slug)
	}
	delete(r.modules, slug)
	return nil
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (m *RegisteredModule) snapshot() RegisteredModule {
	c := *m
	c.Descriptor = m.Descriptor.Clone()
	return c
}
