package modhost

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
)

const loaderSource = "modhost.loader"

// LoaderConfig controls discovery and boot behaviour.
type LoaderConfig struct {
	// Root is the directory scanned for module subdirectories.
	Root string

	// HostVersion is compared against the host version modules require.
	HostVersion string

	// IgnoreList holds slugs that are discovered but never loaded.
	IgnoreList []string

	// FailFast aborts LoadAll on the first module that cannot be loaded.
	FailFast bool

	// ModuleConfig overrides keys of a module's defaultConfig, by slug.
	ModuleConfig map[string]map[string]any
}

// EnablementSource decides whether a discovered module should boot. known is
// false when the source has no decision for slug, in which case the manifest
// enabled flag is used.
type EnablementSource interface {
	ModuleEnabled(ctx context.Context, slug string) (enabled, known bool, err error)
}

// LoadReport describes the outcome of LoadAll.
type LoadReport struct {
	// Order is the boot order that was attempted.
	Order []string
	// Booted lists the modules that reached active, in boot order.
	Booted []string
	// Failed maps each module that did not boot to the reason.
	Failed map[string]error
	// Ignored lists modules skipped because of the ignore list.
	Ignored []string
	// Skipped lists disabled modules that were registered but not booted.
	Skipped []string
	// Warnings holds non-fatal validation findings by slug.
	Warnings map[string][]string
	// ResolutionError is set when dependency resolution failed and the
	// loader fell back to declaration order.
	ResolutionError error
}

// UnloadReport describes the outcome of UnloadAll.
type UnloadReport struct {
	Stopped []string
	Failed  map[string]error
}

// BootStartPayload is emitted with EventBootStart.
type BootStartPayload struct {
	Order []string
}

// ReadyPayload is emitted with EventReady.
type ReadyPayload struct {
	Booted []string
	Failed []string
}

// ShutdownPayload is emitted with EventShutdown.
type ShutdownPayload struct {
	Modules []string
}

// LoaderOption configures optional collaborators of a Loader.
type LoaderOption func(*Loader)

// WithEnablementSource consults src for every discovered module.
func WithEnablementSource(src EnablementSource) LoaderOption {
	return func(l *Loader) { l.enablement = src }
}

// WithJobScheduler hands jobs to booted modules and stops their jobs on
// deactivation.
func WithJobScheduler(jobs JobScheduler) LoaderOption {
	return func(l *Loader) { l.jobs = jobs }
}

// WithEventEmitter replaces the bus as the destination of lifecycle
// CloudEvents.
func WithEventEmitter(emitter EventEmitter) LoaderOption {
	return func(l *Loader) { l.emitter = emitter }
}

// Loader discovers modules on disk and boots them in dependency order. All
// operations are serialized: no two boot or shutdown hooks ever run at the
// same time.
type Loader struct {
	cfg        LoaderConfig
	catalog    *Catalog
	registry   *Registry
	bus        *Bus
	logger     Logger
	jobs       JobScheduler
	enablement EnablementSource
	emitter    EventEmitter

	mu        sync.Mutex
	booted    []string
	instances map[string]Plugin
}

// NewLoader wires a loader. A nil bus or logger is replaced by a private bus
// and a no-op logger.
func NewLoader(cfg LoaderConfig, catalog *Catalog, registry *Registry, bus *Bus, logger Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = NopLogger()
	}
	if bus == nil {
		bus = NewBus(logger)
	}
	if catalog == nil {
		catalog = NewCatalog()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	l := &Loader{
		cfg:       cfg,
		catalog:   catalog,
		registry:  registry,
		bus:       bus,
		logger:    logger,
		emitter:   bus,
		instances: make(map[string]Plugin),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the registry the loader records module state in.
func (l *Loader) Registry() *Registry { return l.registry }

// Bus returns the bus handed to booted modules.
func (l *Loader) Bus() *Bus { return l.bus }

// Booted returns the currently active modules in boot order.
func (l *Loader) Booted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.booted)
}

type candidate struct {
	desc *Descriptor
	impl Plugin
}

// LoadAll discovers every module under the root, validates it, resolves the
// boot order and boots the enabled modules one at a time.
//
// Modules that fail validation, compatibility, dependency checks or their
// boot hook are recorded in the report and marked error in the registry;
// the rest of the batch continues. With FailFast the first failure stops
// the batch and is returned.
func (l *Loader) LoadAll(ctx context.Context) (*LoadReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := &LoadReport{
		Failed:   make(map[string]error),
		Warnings: make(map[string][]string),
	}

	dirs, err := DiscoverModuleDirs(l.cfg.Root)
	if err != nil {
		return report, err
	}

	var (
		candidates []candidate
		known      = make(map[string]bool)
	)
	for _, dir := range dirs {
		c, skip, err := l.discover(ctx, dir, report, known)
		if err != nil {
			if l.cfg.FailFast {
				return report, err
			}
			continue
		}
		if skip {
			continue
		}
		candidates = append(candidates, c)
	}

	candidates, err = l.pruneUnsatisfied(ctx, candidates, known, report)
	if err != nil && l.cfg.FailFast {
		return report, err
	}

	descs := make([]*Descriptor, len(candidates))
	bySlug := make(map[string]candidate, len(candidates))
	for i, c := range candidates {
		descs[i] = c.desc
		bySlug[c.desc.Slug] = c
	}

	order, err := ResolveOrder(descs)
	cycle := make(map[string]bool)
	if err != nil {
		report.ResolutionError = err
		l.logger.Error("Dependency resolution failed, failing cycle members and ordering the rest", "error", err)
		EmitLifecycle(ctx, l.emitter, l.logger, EventTypeResolutionFailed, loaderSource, map[string]any{
			"error": err.Error(),
		})
		if l.cfg.FailFast {
			return report, err
		}
		if members, ok := ContextValue(err, "modules"); ok {
			if list, ok := members.([]string); ok {
				for _, m := range list {
					cycle[m] = true
				}
			}
		}
		order = fallbackOrder(descs, cycle)
	}
	report.Order = order

	if err := l.bus.Emit(ctx, EventBootStart, BootStartPayload{Order: slices.Clone(order)}); err != nil {
		l.logger.Warn("Failed to emit boot start", "error", err)
	}

	for _, slug := range order {
		c := bySlug[slug]
		if cycle[slug] {
			l.fail(ctx, c.desc, report.ResolutionError, report)
			if l.cfg.FailFast {
				return report, report.ResolutionError
			}
			continue
		}
		if err := l.bootOne(ctx, c); err != nil {
			report.Failed[slug] = err
			if l.cfg.FailFast {
				return report, err
			}
			continue
		}
		report.Booted = append(report.Booted, slug)
	}

	failed := make([]string, 0, len(report.Failed))
	for slug := range report.Failed {
		failed = append(failed, slug)
	}
	slices.Sort(failed)
	if err := l.bus.Emit(ctx, EventReady, ReadyPayload{Booted: slices.Clone(report.Booted), Failed: failed}); err != nil {
		l.logger.Warn("Failed to emit ready", "error", err)
	}
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeLoadCompleted, loaderSource, map[string]any{
		"booted":  report.Booted,
		"failed":  failed,
		"ignored": report.Ignored,
		"skipped": report.Skipped,
	})
	l.logger.Info("Modules loaded", "booted", len(report.Booted), "failed", len(failed), "ignored", len(report.Ignored), "skipped", len(report.Skipped))
	return report, nil
}

// discover reads one module directory and decides what to do with it. skip
// is true for ignored and disabled modules.
func (l *Loader) discover(ctx context.Context, dir string, report *LoadReport, known map[string]bool) (candidate, bool, error) {
	desc, err := LoadDescriptor(dir)
	if err != nil {
		key := filepath.Base(dir)
		report.Failed[key] = err
		l.logger.Error("Failed to read module manifest", "dir", dir, "error", err)
		return candidate{}, false, err
	}

	if slices.Contains(l.cfg.IgnoreList, desc.Slug) {
		report.Ignored = append(report.Ignored, desc.Slug)
		l.logger.Info("Module ignored", "module", desc.Slug)
		return candidate{}, true, nil
	}

	if known[desc.Slug] {
		err := NewValidationError(desc.Slug, []FieldViolation{{Field: "name", Message: "declared by more than one module"}})
		report.Failed[desc.Slug+"@"+filepath.Base(dir)] = err
		l.logger.Error("Duplicate module slug", "module", desc.Slug, "dir", dir)
		return candidate{}, false, err
	}

	impl := l.catalog.Resolve(desc.Slug)
	warnings, err := ValidateDescriptor(desc, impl)
	if len(warnings) > 0 {
		report.Warnings[desc.Slug] = warnings
		for _, w := range warnings {
			l.logger.Warn("Module descriptor warning", "module", desc.Slug, "warning", w)
		}
	}
	if err == nil {
		err = CheckHostCompatibility(desc.Slug, desc.RequiredHostVersion(), l.cfg.HostVersion)
	}
	if err != nil {
		if ValidSlug(desc.Slug) {
			known[desc.Slug] = true
			l.fail(ctx, desc, err, report)
		} else {
			report.Failed[filepath.Base(dir)] = err
			l.logger.Error("Module rejected", "dir", dir, "error", err)
		}
		return candidate{}, false, err
	}
	known[desc.Slug] = true

	enabled, err := l.enabled(ctx, desc)
	if err != nil {
		l.logger.Warn("Enablement lookup failed, using manifest flag", "module", desc.Slug, "error", err)
	}
	if !enabled {
		l.registerFresh(ctx, desc, StatusDisabled)
		report.Skipped = append(report.Skipped, desc.Slug)
		l.logger.Info("Module disabled, not booting", "module", desc.Slug)
		return candidate{}, true, nil
	}

	return candidate{desc: desc, impl: impl}, false, nil
}

func (l *Loader) enabled(ctx context.Context, desc *Descriptor) (bool, error) {
	if l.enablement == nil {
		return desc.Enabled, nil
	}
	enabled, known, err := l.enablement.ModuleEnabled(ctx, desc.Slug)
	if err != nil || !known {
		return desc.Enabled, err
	}
	return enabled, nil
}

// pruneUnsatisfied removes candidates whose dependencies cannot boot in this
// batch. A dependency that was never discovered is missing; one that was
// discovered but is disabled, ignored or failed is inactive. Removal repeats
// until every remaining candidate has its dependencies among the remaining
// candidates.
func (l *Loader) pruneUnsatisfied(ctx context.Context, candidates []candidate, known map[string]bool, report *LoadReport) ([]candidate, error) {
	var first error
	for {
		present := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			present[c.desc.Slug] = true
		}
		kept := candidates[:0:0]
		removed := false
		for _, c := range candidates {
			var err error
			var missing []MissingDependency
			for _, dep := range c.desc.DependsOn() {
				if present[dep] {
					continue
				}
				if known[dep] {
					if err == nil {
						err = NewInactiveDependencyError(c.desc.Slug, dep)
					}
					continue
				}
				missing = append(missing, MissingDependency{Dependent: c.desc.Slug, Dependency: dep})
			}
			if len(missing) > 0 {
				err = NewMissingDependencyError(missing)
			}
			if err != nil {
				l.fail(ctx, c.desc, err, report)
				if first == nil {
					first = err
				}
				removed = true
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
		if !removed {
			return candidates, first
		}
	}
}

// bootOne registers a module as loading and runs its boot hook. The caller
// holds l.mu.
func (l *Loader) bootOne(ctx context.Context, c candidate) error {
	desc := c.desc
	if !l.registerFresh(ctx, desc, StatusLoading) {
		err := NewInvalidStateError(desc.Slug, string(StatusActive), "boot")
		l.logger.Warn("Module already active", "module", desc.Slug)
		return err
	}

	for _, dep := range desc.DependsOn() {
		if m, ok := l.registry.Get(dep); !ok || m.Status != StatusActive {
			err := NewInactiveDependencyError(desc.Slug, dep)
			l.markError(ctx, desc.Slug, err)
			return err
		}
	}

	impl := c.impl
	if impl == nil {
		impl = l.catalog.Resolve(desc.Slug)
	}
	host := &HostContext{
		Descriptor:  desc.Clone(),
		Bus:         l.bus,
		Logger:      WithModule(l.logger, desc.Slug),
		Config:      l.moduleConfig(desc),
		Jobs:        l.jobs,
		HostVersion: l.cfg.HostVersion,
	}

	l.logger.Debug("Booting module", "module", desc.Slug, "version", desc.Version)
	if err := l.runBoot(ctx, desc.Slug, impl, host); err != nil {
		l.markError(ctx, desc.Slug, err)
		return err
	}

	if err := l.registry.UpdateStatus(desc.Slug, StatusActive, nil); err != nil {
		return err
	}
	l.booted = append(l.booted, desc.Slug)
	l.instances[desc.Slug] = impl
	l.logger.Info("Module booted", "module", desc.Slug, "version", desc.Version)
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeModuleBooted, loaderSource, map[string]any{
		"module":  desc.Slug,
		"version": desc.Version,
	})
	return nil
}

// runBoot invokes the boot hook, converting errors and panics into a boot
// error.
func (l *Loader) runBoot(ctx context.Context, slug string, impl Plugin, host *HostContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Debug("Boot hook panic", "module", slug, "stack", string(debug.Stack()))
			err = NewBootError(slug, fmt.Errorf("panic: %v", r))
		}
	}()
	if impl == nil {
		return NewBootError(slug, fmt.Errorf("no implementation registered"))
	}
	if bootErr := impl.Boot(ctx, host); bootErr != nil {
		return NewBootError(slug, bootErr)
	}
	return nil
}

func (l *Loader) runShutdown(ctx context.Context, slug string, impl Plugin) (err error) {
	s, ok := impl.(Shutdowner)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = NewShutdownError(slug, fmt.Errorf("panic: %v", r))
		}
	}()
	if shutdownErr := s.Shutdown(ctx); shutdownErr != nil {
		return NewShutdownError(slug, shutdownErr)
	}
	return nil
}

// registerFresh registers desc with the given status. Entries in error or
// disabled are replaced; an active entry is left alone and false is
// returned.
func (l *Loader) registerFresh(ctx context.Context, desc *Descriptor, status RuntimeStatus) bool {
	if existing, ok := l.registry.Get(desc.Slug); ok {
		if existing.Status == StatusActive || existing.Status == StatusLoading {
			return false
		}
		if existing.Status == StatusDisabled && status == StatusLoading {
			_ = l.registry.ReplaceDescriptor(desc)
			if err := l.registry.UpdateStatus(desc.Slug, StatusLoading, nil); err != nil {
				return false
			}
			l.registered(ctx, desc, status)
			return true
		}
		_ = l.registry.Unregister(desc.Slug)
	}
	if err := l.registry.Register(desc, status); err != nil {
		l.logger.Error("Failed to register module", "module", desc.Slug, "error", err)
		return false
	}
	l.registered(ctx, desc, status)
	return true
}

func (l *Loader) registered(ctx context.Context, desc *Descriptor, status RuntimeStatus) {
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeModuleRegistered, loaderSource, map[string]any{
		"module":  desc.Slug,
		"version": desc.Version,
		"status":  string(status),
	})
}

// fallbackOrder orders a batch whose resolution failed on a cycle. Cycle
// members come first so they are failed before their dependents are
// reached. The remaining modules are ordered with their edges into the
// cycle dropped; the dependency guard in bootOne rejects those dependents.
func fallbackOrder(descs []*Descriptor, cycle map[string]bool) []string {
	order := make([]string, 0, len(descs))
	rest := make([]*Descriptor, 0, len(descs))
	for _, d := range descs {
		if cycle[d.Slug] {
			order = append(order, d.Slug)
			continue
		}
		c := d.Clone()
		c.Dependencies.Modules = slices.DeleteFunc(c.Dependencies.Modules, func(dep string) bool { return cycle[dep] })
		rest = append(rest, c)
	}
	sorted, err := ResolveOrder(rest)
	if err != nil {
		for _, d := range rest {
			sorted = append(sorted, d.Slug)
		}
	}
	return append(order, sorted...)
}

// fail records a module that could not be loaded: it is registered as
// loading and moved straight to error so the failure is visible.
func (l *Loader) fail(ctx context.Context, desc *Descriptor, err error, report *LoadReport) {
	report.Failed[desc.Slug] = err
	l.logger.Error("Module rejected", "module", desc.Slug, "code", string(CodeOf(err)), "error", err)
	if l.registerFresh(ctx, desc, StatusLoading) {
		l.markError(ctx, desc.Slug, err)
	}
}

func (l *Loader) markError(ctx context.Context, slug string, cause error) {
	if err := l.registry.UpdateStatus(slug, StatusError, cause); err != nil {
		l.logger.Warn("Failed to record module error", "module", slug, "error", err)
	}
	l.logger.Error("Module failed", "module", slug, "error", cause)
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeModuleFailed, loaderSource, map[string]any{
		"module": slug,
		"code":   string(CodeOf(cause)),
		"error":  cause.Error(),
	})
}

func (l *Loader) moduleConfig(desc *Descriptor) map[string]any {
	cfg := make(map[string]any, len(desc.DefaultConfig))
	for k, v := range desc.DefaultConfig {
		cfg[k] = v
	}
	for k, v := range l.cfg.ModuleConfig[desc.Slug] {
		cfg[k] = v
	}
	return cfg
}

// UnloadAll shuts every active module down in reverse boot order. A failing
// shutdown hook is logged and the remaining modules still shut down.
func (l *Loader) UnloadAll(ctx context.Context) *UnloadReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := &UnloadReport{Failed: make(map[string]error)}
	modules := slices.Clone(l.booted)
	slices.Reverse(modules)

	if err := l.bus.Emit(ctx, EventShutdown, ShutdownPayload{Modules: slices.Clone(modules)}); err != nil {
		l.logger.Warn("Failed to emit shutdown", "error", err)
	}

	for _, slug := range modules {
		if err := l.stopOne(ctx, slug); err != nil {
			report.Failed[slug] = err
		}
		report.Stopped = append(report.Stopped, slug)
	}
	l.booted = nil

	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeUnloadCompleted, loaderSource, map[string]any{
		"stopped": report.Stopped,
	})
	return report
}

// stopOne runs the shutdown hook, stops jobs and marks the module disabled.
// The returned error is the shutdown hook failure, which has already been
// logged; the module is disabled either way.
func (l *Loader) stopOne(ctx context.Context, slug string) error {
	impl := l.instances[slug]
	delete(l.instances, slug)

	err := l.runShutdown(ctx, slug, impl)
	if err != nil {
		l.logger.Error("Module shutdown failed", "module", slug, "error", err)
	}
	if l.jobs != nil {
		if n := l.jobs.StopModule(slug); n > 0 {
			l.logger.Debug("Stopped module jobs", "module", slug, "jobs", n)
		}
	}
	if uerr := l.registry.UpdateStatus(slug, StatusDisabled, nil); uerr != nil {
		l.logger.Warn("Failed to record module shutdown", "module", slug, "error", uerr)
	}
	l.booted = slices.DeleteFunc(l.booted, func(s string) bool { return s == slug })
	l.logger.Info("Module stopped", "module", slug)
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeModuleStopped, loaderSource, map[string]any{
		"module": slug,
	})
	return err
}

// Activate boots a single module that is not yet active. Its dependencies
// must already be active.
func (l *Loader) Activate(ctx context.Context, slug string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.registry.Get(slug); ok && m.Status == StatusActive {
		return nil
	}
	if slices.Contains(l.cfg.IgnoreList, slug) {
		return NewInvalidStateError(slug, "ignored", "activate")
	}

	desc, err := LoadDescriptor(filepath.Join(l.cfg.Root, slug))
	if err != nil {
		if HasCode(err, CodeValidation) {
			return err
		}
		return NewNotFoundError(slug)
	}
	if desc.Slug != slug {
		return NewValidationError(slug, []FieldViolation{{Field: "name", Message: fmt.Sprintf("manifest declares %q", desc.Slug)}})
	}

	impl := l.catalog.Resolve(slug)
	if _, err := ValidateDescriptor(desc, impl); err != nil {
		return err
	}
	if err := CheckHostCompatibility(slug, desc.RequiredHostVersion(), l.cfg.HostVersion); err != nil {
		return err
	}
	for _, dep := range desc.DependsOn() {
		if m, ok := l.registry.Get(dep); !ok || m.Status != StatusActive {
			return NewInactiveDependencyError(slug, dep)
		}
	}
	return l.bootOne(ctx, candidate{desc: desc, impl: impl})
}

// Deactivate shuts one active module down. It refuses while other active
// modules depend on it.
func (l *Loader) Deactivate(ctx context.Context, slug string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.registry.Get(slug)
	if !ok {
		return NewNotFoundError(slug)
	}
	if m.Status != StatusActive {
		return NewInvalidStateError(slug, string(m.Status), "deactivate")
	}

	var dependents []string
	for _, other := range l.registry.GetAll(Filter{Status: StatusActive}) {
		if slices.Contains(other.Descriptor.DependsOn(), slug) {
			dependents = append(dependents, other.Slug())
		}
	}
	if len(dependents) > 0 {
		return NewActiveDependentsError(slug, dependents)
	}

	if err := l.stopOne(ctx, slug); err != nil {
		l.logger.Warn("Module deactivated with shutdown error", "module", slug, "error", err)
	}
	return nil
}

// Reload re-reads a module's manifest and replaces the registry metadata
// (display data, menus, default config) without touching runtime status.
// An active module re-announces its menus.
func (l *Loader) Reload(ctx context.Context, slug string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.registry.Get(slug)
	if !ok {
		return NewNotFoundError(slug)
	}
	desc, err := LoadDescriptor(filepath.Join(l.cfg.Root, slug))
	if err != nil {
		if HasCode(err, CodeValidation) {
			return err
		}
		return NewNotFoundError(slug)
	}
	if desc.Slug != slug {
		return NewValidationError(slug, []FieldViolation{{Field: "name", Message: fmt.Sprintf("manifest declares %q", desc.Slug)}})
	}
	if _, err := ValidateDescriptor(desc, l.catalog.Resolve(slug)); err != nil {
		return err
	}
	if err := l.registry.ReplaceDescriptor(desc); err != nil {
		return err
	}

	if m.Status == StatusActive {
		if err := l.bus.Emit(ctx, EventRegisterMenu, MenuRegistration{Module: slug, Items: desc.Menus}); err != nil {
			l.logger.Warn("Failed to re-announce menus", "module", slug, "error", err)
		}
	}
	l.logger.Info("Module manifest reloaded", "module", slug, "version", desc.Version)
	EmitLifecycle(ctx, l.emitter, l.logger, EventTypeModuleReloaded, loaderSource, map[string]any{
		"module":  slug,
		"version": desc.Version,
	})
	return nil
}
