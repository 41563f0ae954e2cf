// Package admin is the operator surface of the module host: listing,
// uploading, activating, migrating and removing modules, both as a Go API
// and over HTTP.
package admin

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/installer"
	"github.com/GoCodeAlone/modhost/migrations"
	"github.com/GoCodeAlone/modhost/store"
)

const source = "modhost.admin"

// DataRemoval selects what Uninstall deletes besides the module files.
type DataRemoval string

const (
	// KeepData removes the module row and tenant links but keeps the module
	// tables and the script records, so a reinstall finds its schema in
	// place.
	KeepData DataRemoval = "keep"
	// CoreOnly also deletes the script records.
	CoreOnly DataRemoval = "core_only"
	// FullRemoval also runs the module's uninstall scripts.
	FullRemoval DataRemoval = "full"
)

// Valid reports whether d is a known mode.
func (d DataRemoval) Valid() bool {
	switch d {
	case KeepData, CoreOnly, FullRemoval:
		return true
	}
	return false
}

// Config holds the service switches.
type Config struct {
	// AllowFileOperations enables Upload, Uninstall and Reload.
	AllowFileOperations bool
}

// ModuleView is a module as an operator sees it.
type ModuleView struct {
	Slug          string                `json:"slug"`
	DisplayName   string                `json:"displayName"`
	Version       string                `json:"version"`
	InstallStatus modhost.InstallStatus `json:"installStatus,omitempty"`
	RuntimeStatus modhost.RuntimeStatus `json:"runtimeStatus,omitempty"`
	HasBackend    bool                  `json:"hasBackend"`
	HasFrontend   bool                  `json:"hasFrontend"`
	// Intact is false when a live directory the module shipped is missing.
	Intact      bool      `json:"intact"`
	InstalledAt time.Time `json:"installedAt,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// ModuleStatus is the detailed view of one module.
type ModuleStatus struct {
	ModuleView
	Migrations        []migrations.Record `json:"migrations"`
	PendingMigrations []string            `json:"pendingMigrations"`
	PendingSeeds      []string            `json:"pendingSeeds"`
	Menus             []modhost.MenuItem  `json:"menus"`
	Tenants           []store.TenantLink  `json:"tenants"`
	Dependencies      []string            `json:"dependencies,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithJobScheduler lets tenant deactivation stop module jobs.
func WithJobScheduler(jobs modhost.JobScheduler) Option {
	return func(s *Service) { s.jobs = jobs }
}

// WithContributions keeps the contribution collector in sync with
// deactivation and removal.
func WithContributions(c *Contributions) Option {
	return func(s *Service) { s.contributions = c }
}

// WithEventEmitter publishes admin CloudEvents through emitter.
func WithEventEmitter(emitter modhost.EventEmitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// Service implements the administrative operations on top of the loader,
// the installer, the migration executor and the store.
type Service struct {
	cfg       Config
	loader    *modhost.Loader
	store     *store.Store
	installer *installer.Installer
	executor  *migrations.Executor
	logger    modhost.Logger

	jobs          modhost.JobScheduler
	contributions *Contributions
	emitter       modhost.EventEmitter
}

// NewService wires the service.
func NewService(cfg Config, loader *modhost.Loader, st *store.Store, inst *installer.Installer, exec *migrations.Executor, logger modhost.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = modhost.NopLogger()
	}
	s := &Service{cfg: cfg, loader: loader, store: st, installer: inst, executor: exec, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) gate(operation string) error {
	if !s.cfg.AllowFileOperations {
		return modhost.NewOperationForbiddenError(operation)
	}
	return nil
}

func (s *Service) statusChanged(ctx context.Context, slug string, from, to modhost.InstallStatus) {
	if from == to {
		return
	}
	if reg := s.loader.Registry(); reg != nil {
		_ = reg.SetInstallStatus(slug, to)
	}
	modhost.EmitLifecycle(ctx, s.emitter, s.logger, modhost.EventTypeStatusChanged, source, map[string]any{
		"module": slug,
		"from":   string(from),
		"to":     string(to),
	})
}

func (s *Service) setStatus(ctx context.Context, slug string, from, to modhost.InstallStatus) error {
	if err := s.store.SetInstallStatus(ctx, slug, to); err != nil {
		return err
	}
	s.statusChanged(ctx, slug, from, to)
	return nil
}

func (s *Service) intact(m *store.Module) bool {
	if m.HasBackend && !dirExists(s.installer.LiveDir(installer.Backend, m.Slug)) {
		return false
	}
	if m.HasFrontend && !dirExists(s.installer.LiveDir(installer.Frontend, m.Slug)) {
		return false
	}
	return true
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func (s *Service) view(m *store.Module) ModuleView {
	v := ModuleView{
		Slug:          m.Slug,
		DisplayName:   m.DisplayName,
		Version:       m.Version,
		InstallStatus: m.Status,
		HasBackend:    m.HasBackend,
		HasFrontend:   m.HasFrontend,
		Intact:        s.intact(m),
		InstalledAt:   m.InstalledAt,
		ActivatedAt:   m.ActivatedAt,
		UpdatedAt:     m.UpdatedAt,
		LastError:     m.LastError,
	}
	if rm, ok := s.loader.Registry().Get(m.Slug); ok {
		v.RuntimeStatus = rm.Status
		if v.LastError == "" {
			v.LastError = rm.LastError
		}
	}
	return v
}

// List returns every installed module plus modules the runtime knows that
// have no install record, ordered by slug.
func (s *Service) List(ctx context.Context) ([]ModuleView, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	views := make([]ModuleView, 0, len(rows))
	for i := range rows {
		seen[rows[i].Slug] = true
		views = append(views, s.view(&rows[i]))
	}
	for _, rm := range s.loader.Registry().GetAll(modhost.Filter{}) {
		if seen[rm.Slug()] {
			continue
		}
		views = append(views, ModuleView{
			Slug:          rm.Slug(),
			DisplayName:   rm.Descriptor.DisplayName,
			Version:       rm.Descriptor.Version,
			RuntimeStatus: rm.Status,
			HasBackend:    true,
			Intact:        dirExists(s.installer.LiveDir(installer.Backend, rm.Slug())),
			LastError:     rm.LastError,
		})
	}
	slices.SortFunc(views, func(a, b ModuleView) int {
		switch {
		case a.Slug < b.Slug:
			return -1
		case a.Slug > b.Slug:
			return 1
		}
		return 0
	})
	return views, nil
}

// Upload installs a package. slug may be empty to take the manifest name.
// An update of an active module refreshes its manifest metadata; a
// re-upload of a corrupted module repairs it back to installed.
func (s *Service) Upload(ctx context.Context, slug string, pkg io.Reader) (*installer.Result, error) {
	if err := s.gate("upload"); err != nil {
		return nil, err
	}
	var previous modhost.InstallStatus
	if slug != "" {
		if row, err := s.store.Get(ctx, slug); err == nil {
			previous = row.Status
		}
	}
	res, err := s.installer.InstallReader(ctx, slug, pkg)
	if err != nil {
		return nil, err
	}
	slug = res.Descriptor.Slug
	switch {
	case res.Fresh:
		s.statusChanged(ctx, slug, "", modhost.InstallInstalled)
	case previous == modhost.InstallCorrupted:
		s.statusChanged(ctx, slug, previous, modhost.InstallInstalled)
	}
	if rm, ok := s.loader.Registry().Get(slug); ok {
		_ = s.loader.Registry().SetPayload(slug, res.HasBackend, res.HasFrontend)
		if rm.Status == modhost.StatusActive {
			if err := s.loader.Reload(ctx, slug); err != nil {
				s.logger.Warn("Updated module manifest could not be reloaded", "module", slug, "error", err)
			}
		}
	}
	return res, nil
}

// Activate boots a module and marks it active.
func (s *Service) Activate(ctx context.Context, slug string) error {
	row, err := s.store.Get(ctx, slug)
	if err != nil && !modhost.HasCode(err, modhost.CodeNotFound) {
		return err
	}
	if row != nil && row.Status == modhost.InstallCorrupted {
		return modhost.NewInvalidStateError(slug, string(row.Status), "activate")
	}

	if err := s.loader.Activate(ctx, slug); err != nil {
		if row != nil {
			_ = s.store.SetLastError(ctx, slug, err.Error())
		}
		return err
	}
	if row == nil {
		return nil
	}
	_ = s.loader.Registry().SetPayload(slug, row.HasBackend, row.HasFrontend)
	return s.setStatus(ctx, slug, row.Status, modhost.InstallActive)
}

// Deactivate shuts a module down for every tenant and stops its jobs.
func (s *Service) Deactivate(ctx context.Context, slug string) error {
	if err := s.loader.Deactivate(ctx, slug); err != nil {
		return err
	}
	if s.contributions != nil {
		s.contributions.Forget(slug)
	}
	row, err := s.store.Get(ctx, slug)
	if err != nil {
		if modhost.HasCode(err, modhost.CodeNotFound) {
			return nil
		}
		return err
	}
	return s.setStatus(ctx, slug, row.Status, modhost.InstallDisabled)
}

// EnableForTenant enables an installed module for one tenant.
func (s *Service) EnableForTenant(ctx context.Context, slug, tenant string) error {
	if _, err := s.store.Get(ctx, slug); err != nil {
		return err
	}
	return s.store.SetTenantEnabled(ctx, slug, tenant, true)
}

// DeactivateForTenant disables a module for one tenant. When no tenant has
// it enabled anymore its background jobs are stopped; the number of stopped
// jobs is returned.
func (s *Service) DeactivateForTenant(ctx context.Context, slug, tenant string) (int, error) {
	if _, err := s.store.Get(ctx, slug); err != nil {
		return 0, err
	}
	if err := s.store.SetTenantEnabled(ctx, slug, tenant, false); err != nil {
		return 0, err
	}
	remaining, err := s.store.CountEnabledTenants(ctx, slug)
	if err != nil {
		return 0, err
	}
	if remaining > 0 || s.jobs == nil {
		return 0, nil
	}
	stopped := s.jobs.StopModule(slug)
	if stopped > 0 {
		s.logger.Info("No tenant uses the module anymore, jobs stopped", "module", slug, "jobs", stopped)
	}
	return stopped, nil
}

// RunMigrations applies pending migrations.
func (s *Service) RunMigrations(ctx context.Context, slug string) (*migrations.RunReport, error) {
	return s.runScripts(ctx, slug, migrations.Migration)
}

// RunSeeds applies pending seeds.
func (s *Service) RunSeeds(ctx context.Context, slug string) (*migrations.RunReport, error) {
	return s.runScripts(ctx, slug, migrations.Seed)
}

// Setup applies pending migrations, then seeds.
func (s *Service) Setup(ctx context.Context, slug string) ([]*migrations.RunReport, error) {
	row, err := s.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	reports, err := s.executor.RunAll(ctx, slug)
	if err != nil {
		_ = s.store.SetLastError(ctx, slug, err.Error())
		return reports, err
	}
	return reports, s.markReady(ctx, row)
}

func (s *Service) runScripts(ctx context.Context, slug string, typ migrations.ScriptType) (*migrations.RunReport, error) {
	row, err := s.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	report, err := s.executor.Run(ctx, slug, typ)
	if err != nil {
		_ = s.store.SetLastError(ctx, slug, err.Error())
		return report, err
	}
	return report, s.markReady(ctx, row)
}

// markReady promotes a freshly installed module once its scripts ran.
func (s *Service) markReady(ctx context.Context, row *store.Module) error {
	if row.Status != modhost.InstallInstalled {
		return nil
	}
	return s.setStatus(ctx, row.Slug, row.Status, modhost.InstallDBReady)
}

// Status returns the detailed state of one module.
func (s *Service) Status(ctx context.Context, slug string) (*ModuleStatus, error) {
	row, err := s.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	st := &ModuleStatus{ModuleView: s.view(row)}

	if st.Migrations, err = s.executor.History(ctx, slug); err != nil {
		return nil, err
	}
	if st.Tenants, err = s.store.Tenants(ctx, slug); err != nil {
		return nil, err
	}

	recorded := make(map[migrations.ScriptType]map[string]bool)
	for _, rec := range st.Migrations {
		if recorded[rec.Type] == nil {
			recorded[rec.Type] = make(map[string]bool)
		}
		recorded[rec.Type][rec.Filename] = true
	}
	dir := s.installer.LiveDir(installer.Backend, slug)
	for _, typ := range []migrations.ScriptType{migrations.Migration, migrations.Seed} {
		scripts, err := migrations.Scripts(filepath.Join(dir, typ.Dir()))
		if err != nil {
			return nil, err
		}
		var pending []string
		for _, name := range scripts {
			if !recorded[typ][name] {
				pending = append(pending, name)
			}
		}
		if typ == migrations.Migration {
			st.PendingMigrations = pending
		} else {
			st.PendingSeeds = pending
		}
	}

	if rm, ok := s.loader.Registry().Get(slug); ok {
		st.Menus = rm.Descriptor.Menus
		st.Dependencies = rm.Descriptor.DependsOn()
	}
	if s.contributions != nil {
		if menu := s.contributions.MenuOf(slug); len(menu) > 0 {
			st.Menus = menu
		}
	}
	return st, nil
}

// Uninstall removes a module. confirm must equal the slug.
func (s *Service) Uninstall(ctx context.Context, slug, confirm string, mode DataRemoval) error {
	if err := s.gate("uninstall"); err != nil {
		return err
	}
	if confirm != slug {
		return modhost.NewConfirmationMismatchError(slug, confirm)
	}
	if mode == "" {
		mode = KeepData
	}
	if !mode.Valid() {
		return modhost.NewInvalidStateError(slug, string(mode), "uninstall")
	}
	if _, err := s.store.Get(ctx, slug); err != nil {
		return err
	}

	reg := s.loader.Registry()
	if rm, ok := reg.Get(slug); ok && rm.Status == modhost.StatusActive {
		if err := s.loader.Deactivate(ctx, slug); err != nil {
			return err
		}
	}
	if s.contributions != nil {
		s.contributions.Forget(slug)
	}

	if mode == FullRemoval {
		if _, err := s.executor.RunUninstall(ctx, slug); err != nil {
			return err
		}
	}
	if err := s.installer.Remove(ctx, slug); err != nil && !modhost.HasCode(err, modhost.CodeNotFound) {
		return err
	}
	if mode != KeepData {
		if _, err := s.executor.Forget(ctx, slug); err != nil {
			return err
		}
	}
	if _, err := s.store.Delete(ctx, slug); err != nil {
		return err
	}
	_ = reg.Unregister(slug)

	s.logger.Info("Module uninstalled", "module", slug, "dataRemoval", string(mode))
	modhost.EmitLifecycle(ctx, s.emitter, s.logger, modhost.EventTypeStatusChanged, source, map[string]any{
		"module":      slug,
		"to":          "uninstalled",
		"dataRemoval": string(mode),
	})
	return nil
}

// Reload re-reads the manifest of a module and refreshes the stored
// metadata without touching its files.
func (s *Service) Reload(ctx context.Context, slug string) error {
	if err := s.gate("reload"); err != nil {
		return err
	}
	return s.Refresh(ctx, slug)
}

// Refresh is Reload without the file-operations gate. The manifest watcher
// uses it for changes made on disk.
func (s *Service) Refresh(ctx context.Context, slug string) error {
	if err := s.loader.Reload(ctx, slug); err != nil {
		return err
	}
	rm, ok := s.loader.Registry().Get(slug)
	if !ok {
		return nil
	}
	err := s.store.SetVersionInfo(ctx, slug, rm.Descriptor.Version, rm.Descriptor.DisplayName)
	if err != nil && !modhost.HasCode(err, modhost.CodeNotFound) {
		return err
	}
	return nil
}

// Reconcile marks modules whose live directories are gone as corrupted and
// copies persisted statuses into the registry. It returns the slugs that
// were newly marked corrupted.
func (s *Service) Reconcile(ctx context.Context) ([]string, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for i := range rows {
		m := &rows[i]
		if m.Status != modhost.InstallCorrupted && !s.intact(m) {
			if err := s.setStatus(ctx, m.Slug, m.Status, modhost.InstallCorrupted); err != nil {
				return corrupted, err
			}
			s.logger.Warn("Module files are missing, marked corrupted", "module", m.Slug)
			corrupted = append(corrupted, m.Slug)
			m.Status = modhost.InstallCorrupted
		}
		reg := s.loader.Registry()
		if _, ok := reg.Get(m.Slug); ok {
			_ = reg.SetInstallStatus(m.Slug, m.Status)
			_ = reg.SetPayload(m.Slug, m.HasBackend, m.HasFrontend)
		}
	}
	return corrupted, nil
}
