package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var got *Event
	sub, err := b.Subscribe("session.changed", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("session.changed", "test", map[string]string{"sessionId": "s1"})
	require.NoError(t, b.Publish(context.Background(), "session.changed", event))

	// Delivery is synchronous, no waiting needed.
	require.NotNil(t, got)
	assert.Equal(t, event.ID, got.ID)
}

func TestMemoryEventBus_DeliveryOrder(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Subscribe("session.changed", func(ctx context.Context, event *Event) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "session.changed", NewEvent("session.changed", "test", nil)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var delivered bool
	_, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("x", func(ctx context.Context, event *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.True(t, delivered)
}

func TestMemoryEventBus_HandlerPanicIsContained(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_ = b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	})
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))

	assert.Equal(t, 1, count)
}

func TestMemoryEventBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("session.>", func(ctx context.Context, event *Event) error {
		subjects = append(subjects, event.Type)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session.changed", NewEvent("session.changed", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.list_changed", NewEvent("session.list_changed", "test", nil)))
	require.NoError(t, b.Publish(ctx, "scheduler.jobs_changed", NewEvent("scheduler.jobs_changed", "test", nil)))

	assert.Equal(t, []string{"session.changed", "session.list_changed"}, subjects)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.True(t, b.IsConnected())
	b.Close()
	require.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	assert.Error(t, err)
	_, err = b.Subscribe("x", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
