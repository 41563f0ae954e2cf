package modhost

import (
	"context"
	"errors"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCloudEvent(t *testing.T) {
	event := NewCloudEvent(EventTypePackageInstalled, "modhost.installer",
		map[string]any{"module": "billing", "version": "1.2.0"},
		map[string]any{"tenant": "acme"})

	require.NoError(t, ValidateCloudEvent(event))
	assert.Equal(t, EventTypePackageInstalled, event.Type())
	assert.Equal(t, "modhost.installer", event.Source())
	assert.Equal(t, cloudevents.ApplicationJSON, event.DataContentType())
	assert.Equal(t, "acme", event.Extensions()["tenant"])
	assert.NotEmpty(t, event.ID())
	assert.False(t, event.Time().IsZero())

	var data map[string]any
	require.NoError(t, event.DataAs(&data))
	assert.Equal(t, "billing", data["module"])

	other := NewCloudEvent(EventTypePackageInstalled, "modhost.installer", nil, nil)
	assert.NotEqual(t, event.ID(), other.ID())
	assert.Empty(t, other.Data())
}

func TestValidateCloudEventRejectsIncomplete(t *testing.T) {
	event := cloudevents.NewEvent()
	assert.Error(t, ValidateCloudEvent(event))
}

type failingEmitter struct{}

func (failingEmitter) EmitEvent(context.Context, cloudevents.Event) error {
	return errors.New("unavailable")
}

func TestEmitLifecycle(t *testing.T) {
	emitter := &recordingEmitter{}
	EmitLifecycle(context.Background(), emitter, nil, EventTypeStatusChanged, "modhost.admin", map[string]any{"module": "billing"})
	assert.True(t, emitter.seen(EventTypeStatusChanged))

	log := &testLogger{}
	EmitLifecycle(context.Background(), failingEmitter{}, log, EventTypeStatusChanged, "modhost.admin", nil)
	assert.Equal(t, []string{"debug: Failed to emit event"}, log.messages())

	assert.NotPanics(t, func() {
		EmitLifecycle(context.Background(), nil, nil, EventTypeStatusChanged, "modhost.admin", nil)
	})
}
