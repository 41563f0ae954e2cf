package modhost

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventName identifies a lifecycle event. The set of names is fixed.
type EventName string

const (
	EventBootStart             EventName = "boot:start"
	EventReady                 EventName = "ready"
	EventShutdown              EventName = "shutdown"
	EventRegisterRoutes        EventName = "register:routes"
	EventRegisterMenu          EventName = "register:menu"
	EventRegisterDashboard     EventName = "register:dashboard"
	EventRegisterPermissions   EventName = "register:permissions"
	EventRegisterNotifications EventName = "register:notifications"

	EventAuthResolved   EventName = "auth:resolved"
	EventTenantResolved EventName = "tenant:resolved"
	EventAudit          EventName = "audit"
)

// DeliveryMode says how Emit hands an event to its listeners.
type DeliveryMode int

const (
	// DeliverSync calls listeners one at a time, in subscription order, and
	// returns after the last one.
	DeliverSync DeliveryMode = iota

	// DeliverFireAndForget starts every listener without waiting for it.
	DeliverFireAndForget
)

func (m DeliveryMode) String() string {
	if m == DeliverFireAndForget {
		return "fire-and-forget"
	}
	return "sync"
}

var eventModes = map[EventName]DeliveryMode{
	EventBootStart:             DeliverSync,
	EventReady:                 DeliverSync,
	EventShutdown:              DeliverSync,
	EventRegisterRoutes:        DeliverSync,
	EventRegisterMenu:          DeliverSync,
	EventRegisterDashboard:     DeliverSync,
	EventRegisterPermissions:   DeliverSync,
	EventRegisterNotifications: DeliverSync,
	EventAuthResolved:          DeliverFireAndForget,
	EventTenantResolved:        DeliverFireAndForget,
	EventAudit:                 DeliverFireAndForget,
}

// Mode returns the delivery mode of a known event.
func (e EventName) Mode() (DeliveryMode, bool) {
	m, ok := eventModes[e]
	return m, ok
}

// Events returns every known event name.
func Events() []EventName {
	return []EventName{
		EventBootStart, EventReady, EventShutdown,
		EventRegisterRoutes, EventRegisterMenu, EventRegisterDashboard,
		EventRegisterPermissions, EventRegisterNotifications,
		EventAuthResolved, EventTenantResolved, EventAudit,
	}
}

// Route is an HTTP handler a module mounts under its own prefix.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

type RouteRegistration struct {
	Module string
	Routes []Route
}

type MenuRegistration struct {
	Module string
	Items  []MenuItem
}

// DashboardWidget is a dashboard tile a module contributes. Component names
// the frontend component that renders it.
type DashboardWidget struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Component  string `json:"component"`
	Size       string `json:"size,omitempty"`
	Permission string `json:"permission,omitempty"`
}

type DashboardRegistration struct {
	Module  string
	Widgets []DashboardWidget
}

type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

type PermissionRegistration struct {
	Module      string
	Permissions []Permission
}

// NotificationChannel is a delivery channel (mail, sms, webhook) provided by
// a module.
type NotificationChannel struct {
	Name        string
	Description string
	Send        func(ctx context.Context, recipient, message string) error
}

type NotificationRegistration struct {
	Module  string
	Channel NotificationChannel
}

// Listener receives the payload of an event. Errors and panics are contained
// by the bus and never reach the emitter.
type Listener func(ctx context.Context, payload any) error

// Subscription identifies a registered listener.
type Subscription struct {
	Event EventName
	ID    string
}

// ListenerError describes a fire-and-forget listener that failed.
type ListenerError struct {
	Event      EventName
	ListenerID string
	Err        error
}

func (e ListenerError) Error() string {
	return fmt.Sprintf("listener %s for %s failed: %v", e.ListenerID, e.Event, e.Err)
}

func (e ListenerError) Unwrap() error { return e.Err }

type subscriber struct {
	id string
	fn Listener
}

// Bus is the lifecycle event bus. One bus exists per host process; the host
// constructs it and hands it to the loader and to every booted module.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventName][]subscriber
	logger    Logger

	inflight  sync.WaitGroup
	asyncErrs chan ListenerError
	dropped   atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithAsyncErrorBuffer sets how many fire-and-forget failures are kept for
// AsyncErrors before new ones are dropped.
func WithAsyncErrorBuffer(size int) BusOption {
	return func(b *Bus) {
		if size < 0 {
			size = 0
		}
		b.asyncErrs = make(chan ListenerError, size)
	}
}

// NewBus creates an empty bus.
func NewBus(logger Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = NopLogger()
	}
	b := &Bus{
		listeners: make(map[EventName][]subscriber),
		logger:    logger,
		asyncErrs: make(chan ListenerError, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a listener for an event.
func (b *Bus) On(event EventName, fn Listener) (Subscription, error) {
	if _, ok := event.Mode(); !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if fn == nil {
		return Subscription{}, ErrListenerNil
	}
	sub := subscriber{id: uuid.New().String(), fn: fn}
	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], sub)
	b.mu.Unlock()
	return Subscription{Event: event, ID: sub.id}, nil
}

// Off removes a listener. It reports whether the listener was registered.
func (b *Bus) Off(event EventName, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[event]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, event)
			} else {
				b.listeners[event] = next
			}
			return true
		}
	}
	return false
}

// RemoveAllListeners clears the given events, or every event when none is
// given.
func (b *Bus) RemoveAllListeners(events ...EventName) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.listeners = make(map[EventName][]subscriber)
		return
	}
	for _, e := range events {
		delete(b.listeners, e)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (b *Bus) ListenerCount(event EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Emit delivers payload to the listeners of event. The only error it returns
// is for an unknown event name; listener failures are logged.
func (b *Bus) Emit(ctx context.Context, event EventName, payload any) error {
	mode, ok := event.Mode()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	// Listeners added or removed during delivery take effect on the next emit.
	b.mu.RLock()
	subs := b.listeners[event]
	b.mu.RUnlock()

	if mode == DeliverSync {
		for _, s := range subs {
			if err := b.invoke(ctx, s, payload); err != nil {
				b.logger.Error("Event listener failed", "event", string(event), "listener", s.id, "error", err)
			}
		}
		return nil
	}

	detached := context.WithoutCancel(ctx)
	for _, s := range subs {
		b.inflight.Add(1)
		go func(s subscriber) {
			defer b.inflight.Done()
			if err := b.invoke(detached, s, payload); err != nil {
				b.logger.Error("Event listener failed", "event", string(event), "listener", s.id, "error", err)
				b.reportAsync(ListenerError{Event: event, ListenerID: s.id, Err: err})
			}
		}(s)
	}
	return nil
}

// EmitEvent publishes a CloudEvent on the audit channel.
func (b *Bus) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	return b.Emit(ctx, EventAudit, event)
}

// Wait blocks until every fire-and-forget listener started so far has
// returned, or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncErrors exposes failures of fire-and-forget listeners. When nobody
// drains the channel and its buffer is full, further failures are dropped.
func (b *Bus) AsyncErrors() <-chan ListenerError {
	return b.asyncErrs
}

// DroppedErrors returns how many fire-and-forget failures did not fit into
// the AsyncErrors buffer.
func (b *Bus) DroppedErrors() uint64 {
	return b.dropped.Load()
}

func (b *Bus) reportAsync(le ListenerError) {
	select {
	case b.asyncErrs <- le:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) invoke(ctx context.Context, s subscriber, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Event listener panic", "listener", s.id, "stack", string(debug.Stack()))
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return s.fn(ctx, payload)
}
