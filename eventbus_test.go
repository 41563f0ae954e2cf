package modhost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventModes(t *testing.T) {
	for _, e := range Events() {
		mode, ok := e.Mode()
		require.True(t, ok, e)
		switch e {
		case EventAuthResolved, EventTenantResolved, EventAudit:
			assert.Equal(t, DeliverFireAndForget, mode, e)
		default:
			assert.Equal(t, DeliverSync, mode, e)
		}
	}
	_, ok := EventName("boot:finish").Mode()
	assert.False(t, ok)
	assert.Equal(t, "fire-and-forget", DeliverFireAndForget.String())
	assert.Equal(t, "sync", DeliverSync.String())
}

func TestBusSyncDeliveryOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := bus.On(EventReady, func(ctx context.Context, payload any) error {
			got = append(got, name+":"+payload.(string))
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, bus.Emit(context.Background(), EventReady, "go"))
	assert.Equal(t, []string{"first:go", "second:go", "third:go"}, got)
}

func TestBusContainsListenerFailures(t *testing.T) {
	log := &testLogger{}
	bus := NewBus(log)
	var reached bool
	_, _ = bus.On(EventBootStart, func(ctx context.Context, payload any) error {
		return errors.New("broken")
	})
	_, _ = bus.On(EventBootStart, func(ctx context.Context, payload any) error {
		panic("worse")
	})
	_, _ = bus.On(EventBootStart, func(ctx context.Context, payload any) error {
		reached = true
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), EventBootStart, nil))
	assert.True(t, reached, "later listeners still run")

	failures := 0
	for _, m := range log.messages() {
		if m == "error: Event listener failed" {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestBusUnknownEvent(t *testing.T) {
	bus := NewBus(nil)
	err := bus.Emit(context.Background(), "boot:finish", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = bus.On("boot:finish", func(context.Context, any) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = bus.On(EventReady, nil)
	assert.ErrorIs(t, err, ErrListenerNil)
}

func TestBusOff(t *testing.T) {
	bus := NewBus(nil)
	var calls atomic.Int32
	count := func(context.Context, any) error { calls.Add(1); return nil }

	a, _ := bus.On(EventShutdown, count)
	_, _ = bus.On(EventShutdown, count)
	assert.Equal(t, 2, bus.ListenerCount(EventShutdown))

	assert.True(t, bus.Off(EventShutdown, a.ID))
	assert.False(t, bus.Off(EventShutdown, a.ID))
	require.NoError(t, bus.Emit(context.Background(), EventShutdown, nil))
	assert.Equal(t, int32(1), calls.Load())

	bus.RemoveAllListeners(EventShutdown)
	assert.Equal(t, 0, bus.ListenerCount(EventShutdown))

	_, _ = bus.On(EventReady, count)
	_, _ = bus.On(EventAudit, count)
	bus.RemoveAllListeners()
	assert.Equal(t, 0, bus.ListenerCount(EventReady))
	assert.Equal(t, 0, bus.ListenerCount(EventAudit))
}

func TestBusListenerAddedDuringEmit(t *testing.T) {
	bus := NewBus(nil)
	var late atomic.Int32
	_, _ = bus.On(EventReady, func(ctx context.Context, payload any) error {
		_, _ = bus.On(EventReady, func(context.Context, any) error {
			late.Add(1)
			return nil
		})
		return nil
	})
	require.NoError(t, bus.Emit(context.Background(), EventReady, nil))
	assert.Equal(t, int32(0), late.Load())
	assert.Equal(t, 2, bus.ListenerCount(EventReady))
}

func TestBusFireAndForget(t *testing.T) {
	bus := NewBus(nil)
	release := make(chan struct{})
	var done atomic.Int32
	_, _ = bus.On(EventTenantResolved, func(ctx context.Context, payload any) error {
		<-release
		done.Add(1)
		return nil
	})
	_, _ = bus.On(EventTenantResolved, func(ctx context.Context, payload any) error {
		return errors.New("lookup failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Emit(ctx, EventTenantResolved, "acme"))
	cancel()
	assert.Equal(t, int32(0), done.Load(), "emit does not wait for listeners")

	close(release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, bus.Wait(waitCtx))
	assert.Equal(t, int32(1), done.Load())

	select {
	case le := <-bus.AsyncErrors():
		assert.Equal(t, EventTenantResolved, le.Event)
		assert.EqualError(t, errors.Unwrap(le), "lookup failed")
	default:
		t.Fatal("expected an async listener error")
	}
}

func TestBusAsyncErrorOverflow(t *testing.T) {
	bus := NewBus(nil, WithAsyncErrorBuffer(1))
	_, _ = bus.On(EventAudit, func(context.Context, any) error { return errors.New("full") })

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(context.Background(), EventAudit, i))
	}
	require.NoError(t, bus.Wait(context.Background()))
	assert.Len(t, bus.AsyncErrors(), 1)
	assert.Equal(t, uint64(2), bus.DroppedErrors())
}

func TestBusEmitEvent(t *testing.T) {
	bus := NewBus(nil)
	var (
		mu  sync.Mutex
		got []string
	)
	_, _ = bus.On(EventAudit, func(ctx context.Context, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := payload.(interface{ Type() string }); ok {
			got = append(got, e.Type())
		}
		return nil
	})
	event := NewCloudEvent(EventTypeModuleBooted, "modhost.test", map[string]any{"module": "billing"}, nil)
	require.NoError(t, bus.EmitEvent(context.Background(), event))
	require.NoError(t, bus.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeModuleBooted}, got)
}
