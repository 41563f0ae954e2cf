package modhost

import (
	"context"
	"fmt"

	"github.com/agilira/go-timecache"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent type constants for everything the runtime reports about module
// lifecycle and deployment. Events are published on the bus audit channel.
const (
	// Loader events
	EventTypeModuleRegistered = "com.modhost.module.registered"
	EventTypeModuleBooted     = "com.modhost.module.booted"
	EventTypeModuleFailed     = "com.modhost.module.failed"
	EventTypeModuleStopped    = "com.modhost.module.stopped"
	EventTypeModuleReloaded   = "com.modhost.module.reloaded"
	EventTypeResolutionFailed = "com.modhost.resolution.failed"
	EventTypeLoadCompleted    = "com.modhost.load.completed"
	EventTypeUnloadCompleted  = "com.modhost.unload.completed"

	// Installer events
	EventTypePackageInstalled  = "com.modhost.package.installed"
	EventTypePackageRolledBack = "com.modhost.package.rolledback"
	EventTypePackageRemoved    = "com.modhost.package.removed"

	// Migration events
	EventTypeScriptsApplied = "com.modhost.scripts.applied"
	EventTypeScriptFailed   = "com.modhost.scripts.failed"

	// Admin events
	EventTypeStatusChanged = "com.modhost.status.changed"
)

// EventEmitter publishes CloudEvents. *Bus implements it.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event cloudevents.Event) error
}

// NewCloudEvent creates a CloudEvent with a time-ordered id.
func NewCloudEvent(eventType, source string, data any, extensions map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(timecache.CachedTime())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range extensions {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID returns a UUIDv7, falling back to v4.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent runs the SDK validation on event.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// EmitLifecycle publishes a lifecycle event when an emitter is configured.
// Emission failures are logged at debug level and never fail the caller.
func EmitLifecycle(ctx context.Context, emitter EventEmitter, logger Logger, eventType, source string, data map[string]any) {
	if emitter == nil {
		return
	}
	if err := emitter.EmitEvent(ctx, NewCloudEvent(eventType, source, data, nil)); err != nil && logger != nil {
		logger.Debug("Failed to emit event", "eventType", eventType, "error", err)
	}
}
