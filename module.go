// Package modhost is a plugin runtime for multi-tenant hosts.
//
// It discovers independently packaged modules on disk, validates their
// descriptors, orders them by dependency and boots them one at a time into
// the running host. Modules talk back to the host through a lifecycle event
// bus, registering routes, menus, dashboards, permissions and notification
// channels while they boot.
//
// Basic usage:
//
//	catalog := modhost.NewCatalog()
//	catalog.Register("billing", func() modhost.Plugin { return &billing.Plugin{} })
//
//	loader := modhost.NewLoader(modhost.LoaderConfig{
//		Root:        "modules/backend",
//		HostVersion: "1.4.0",
//	}, catalog, registry, bus, logger)
//	report, err := loader.LoadAll(ctx)
//
// Loaded module code runs with full host privileges: the Catalog decides
// which implementations exist, nothing is sandboxed.
package modhost

import "context"

// Plugin is the boot hook every module implementation provides.
//
// Boot is called once per activation, after all dependencies of the module
// have booted. The host context gives the module its descriptor, its
// configuration and the event bus it uses to register itself with the host.
// Boot must not return until the module is ready; the loader waits for it
// before starting the next module.
type Plugin interface {
	Boot(ctx context.Context, host *HostContext) error
}

// Shutdowner is an optional interface for modules that release resources on
// deactivation. Shutdown is called in reverse dependency order.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// PluginFactory creates a fresh module implementation. Factories are
// registered in a Catalog under the module slug.
type PluginFactory func() Plugin

// JobScheduler is the subset of the background job scheduler modules can use
// while booting.
type JobScheduler interface {
	// ScheduleRecurring registers fn under a cron expression for a module and
	// returns the job id.
	ScheduleRecurring(module, name, spec string, fn func(ctx context.Context) error) (string, error)

	// StopModule removes every job the module registered and returns how many
	// were removed.
	StopModule(module string) int
}

// HostContext is handed to a module's boot hook.
type HostContext struct {
	Descriptor  *Descriptor
	Bus         *Bus
	Logger      Logger
	Config      map[string]any
	Jobs        JobScheduler
	HostVersion string
}

// Slug returns the slug of the module being booted.
func (h *HostContext) Slug() string {
	if h.Descriptor == nil {
		return ""
	}
	return h.Descriptor.Slug
}

// RegisterRoutes announces HTTP routes owned by the module.
func (h *HostContext) RegisterRoutes(ctx context.Context, routes ...Route) error {
	return h.Bus.Emit(ctx, EventRegisterRoutes, RouteRegistration{Module: h.Slug(), Routes: routes})
}

// RegisterMenu announces menu contributions. When items is empty the menus
// declared in the manifest are used.
func (h *HostContext) RegisterMenu(ctx context.Context, items ...MenuItem) error {
	if len(items) == 0 && h.Descriptor != nil {
		items = h.Descriptor.Menus
	}
	return h.Bus.Emit(ctx, EventRegisterMenu, MenuRegistration{Module: h.Slug(), Items: items})
}

func (h *HostContext) RegisterDashboard(ctx context.Context, widgets ...DashboardWidget) error {
	return h.Bus.Emit(ctx, EventRegisterDashboard, DashboardRegistration{Module: h.Slug(), Widgets: widgets})
}

func (h *HostContext) RegisterPermissions(ctx context.Context, permissions ...Permission) error {
	return h.Bus.Emit(ctx, EventRegisterPermissions, PermissionRegistration{Module: h.Slug(), Permissions: permissions})
}

func (h *HostContext) RegisterNotificationChannel(ctx context.Context, channel NotificationChannel) error {
	return h.Bus.Emit(ctx, EventRegisterNotifications, NotificationRegistration{Module: h.Slug(), Channel: channel})
}

// ScheduleJob registers a recurring background job owned by the module.
func (h *HostContext) ScheduleJob(name, spec string, fn func(ctx context.Context) error) (string, error) {
	if h.Jobs == nil {
		return "", ErrJobsUnavailable
	}
	return h.Jobs.ScheduleRecurring(h.Slug(), name, spec, fn)
}
