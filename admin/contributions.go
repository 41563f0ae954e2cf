package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/modhost"
)

// RoutePrefix is where module routes are mounted: /m/{slug}/...
const RoutePrefix = "/m"

// ErrChannelNotFound is returned by Notify for an unknown channel.
var ErrChannelNotFound = errors.New("notification channel not found")

// ModuleMenu is the menu of one module.
type ModuleMenu struct {
	Module string             `json:"module"`
	Items  []modhost.MenuItem `json:"items"`
}

// ModuleWidget is a dashboard widget tagged with its module.
type ModuleWidget struct {
	Module string `json:"module"`
	modhost.DashboardWidget
}

// ModulePermission is a permission tagged with its module.
type ModulePermission struct {
	Module string `json:"module"`
	modhost.Permission
}

type contribution struct {
	routeList   []modhost.Route
	routes      http.Handler
	menu        []modhost.MenuItem
	widgets     []modhost.DashboardWidget
	permissions []modhost.Permission
	channels    map[string]modhost.NotificationChannel
}

// Contributions collects what booted modules register through the bus:
// routes, menus, dashboard widgets, permissions and notification channels.
type Contributions struct {
	bus    *modhost.Bus
	logger modhost.Logger

	mu      sync.RWMutex
	modules map[string]*contribution
	subs    []modhost.Subscription
}

// NewContributions subscribes to the registration events of bus. The
// shutdown event clears everything.
func NewContributions(bus *modhost.Bus, logger modhost.Logger) (*Contributions, error) {
	if logger == nil {
		logger = modhost.NopLogger()
	}
	c := &Contributions{bus: bus, logger: logger, modules: make(map[string]*contribution)}
	listeners := map[modhost.EventName]modhost.Listener{
		modhost.EventRegisterRoutes:        c.onRoutes,
		modhost.EventRegisterMenu:          c.onMenu,
		modhost.EventRegisterDashboard:     c.onDashboard,
		modhost.EventRegisterPermissions:   c.onPermissions,
		modhost.EventRegisterNotifications: c.onNotification,
		modhost.EventShutdown:              c.onShutdown,
	}
	for event, fn := range listeners {
		sub, err := bus.On(event, fn)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", event, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

// Close unsubscribes from the bus.
func (c *Contributions) Close() {
	for _, sub := range c.subs {
		c.bus.Off(sub.Event, sub.ID)
	}
	c.subs = nil
}

// module returns the entry of slug, creating it. Callers hold mu.
func (c *Contributions) module(slug string) *contribution {
	m, ok := c.modules[slug]
	if !ok {
		m = &contribution{channels: make(map[string]modhost.NotificationChannel)}
		c.modules[slug] = m
	}
	return m
}

func (c *Contributions) onRoutes(_ context.Context, payload any) error {
	reg, ok := payload.(modhost.RouteRegistration)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	for _, rt := range reg.Routes {
		if rt.Handler == nil {
			return fmt.Errorf("route %s %s of %s has no handler", rt.Method, rt.Path, reg.Module)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.module(reg.Module)
	m.routeList = append(m.routeList, reg.Routes...)
	m.routes = buildRouter(m.routeList)
	c.logger.Debug("Module routes registered", "module", reg.Module, "routes", len(reg.Routes))
	return nil
}

// buildRouter creates a fresh router on every registration so requests in
// flight keep using the router they started with.
func buildRouter(routes []modhost.Route) http.Handler {
	r := chi.NewRouter()
	for _, rt := range routes {
		path := "/" + strings.TrimPrefix(rt.Path, "/")
		if rt.Method == "" {
			r.Handle(path, rt.Handler)
			continue
		}
		r.Method(strings.ToUpper(rt.Method), path, rt.Handler)
	}
	return r
}

func (c *Contributions) onMenu(_ context.Context, payload any) error {
	reg, ok := payload.(modhost.MenuRegistration)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.module(reg.Module).menu = append([]modhost.MenuItem(nil), reg.Items...)
	return nil
}

func (c *Contributions) onDashboard(_ context.Context, payload any) error {
	reg, ok := payload.(modhost.DashboardRegistration)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.module(reg.Module)
	m.widgets = append(m.widgets, reg.Widgets...)
	return nil
}

func (c *Contributions) onPermissions(_ context.Context, payload any) error {
	reg, ok := payload.(modhost.PermissionRegistration)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.module(reg.Module)
	m.permissions = append(m.permissions, reg.Permissions...)
	return nil
}

func (c *Contributions) onNotification(_ context.Context, payload any) error {
	reg, ok := payload.(modhost.NotificationRegistration)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if reg.Channel.Name == "" || reg.Channel.Send == nil {
		return fmt.Errorf("notification channel of %s needs a name and a sender", reg.Module)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for slug, other := range c.modules {
		if _, taken := other.channels[reg.Channel.Name]; taken && slug != reg.Module {
			return fmt.Errorf("notification channel %q is already provided by %s", reg.Channel.Name, slug)
		}
	}
	c.module(reg.Module).channels[reg.Channel.Name] = reg.Channel
	return nil
}

func (c *Contributions) onShutdown(context.Context, any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules = make(map[string]*contribution)
	return nil
}

// Forget drops everything slug contributed.
func (c *Contributions) Forget(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modules, slug)
}

func (c *Contributions) slugs() []string {
	slugs := make([]string, 0, len(c.modules))
	for slug := range c.modules {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Menus returns every module menu ordered by module.
func (c *Contributions) Menus() []ModuleMenu {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ModuleMenu
	for _, slug := range c.slugs() {
		if items := c.modules[slug].menu; len(items) > 0 {
			out = append(out, ModuleMenu{Module: slug, Items: append([]modhost.MenuItem(nil), items...)})
		}
	}
	return out
}

// MenuOf returns the menu of one module.
func (c *Contributions) MenuOf(slug string) []modhost.MenuItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.modules[slug]; ok {
		return append([]modhost.MenuItem(nil), m.menu...)
	}
	return nil
}

// Widgets returns every dashboard widget ordered by module.
func (c *Contributions) Widgets() []ModuleWidget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ModuleWidget
	for _, slug := range c.slugs() {
		for _, w := range c.modules[slug].widgets {
			out = append(out, ModuleWidget{Module: slug, DashboardWidget: w})
		}
	}
	return out
}

// Permissions returns every permission ordered by module.
func (c *Contributions) Permissions() []ModulePermission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ModulePermission
	for _, slug := range c.slugs() {
		for _, p := range c.modules[slug].permissions {
			out = append(out, ModulePermission{Module: slug, Permission: p})
		}
	}
	return out
}

// Channels returns the names of the registered notification channels.
func (c *Contributions) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, m := range c.modules {
		for name := range m.channels {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Notify delivers message through the named channel.
func (c *Contributions) Notify(ctx context.Context, channel, recipient, message string) error {
	c.mu.RLock()
	var ch modhost.NotificationChannel
	found := false
	for _, m := range c.modules {
		if ch, found = m.channels[channel]; found {
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return ch.Send(ctx, recipient, message)
}

// Handler serves module routes under RoutePrefix/{slug}. Routes of a module
// disappear as soon as it is forgotten.
func (c *Contributions) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc(RoutePrefix+"/{slug}", c.dispatch)
	r.HandleFunc(RoutePrefix+"/{slug}/*", c.dispatch)
	return r
}

func (c *Contributions) dispatch(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	c.mu.RLock()
	var routes http.Handler
	if m, ok := c.modules[slug]; ok {
		routes = m.routes
	}
	c.mu.RUnlock()
	if routes == nil {
		writeError(w, modhost.NewNotFoundError(slug))
		return
	}

	// The module router matches paths relative to its prefix and starts
	// with a routing context of its own.
	prefix := RoutePrefix + "/" + slug
	req := r.Clone(context.WithValue(r.Context(), chi.RouteCtxKey, (*chi.Context)(nil)))
	req.URL.Path = "/" + strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	req.URL.RawPath = ""
	routes.ServeHTTP(w, req)
}
