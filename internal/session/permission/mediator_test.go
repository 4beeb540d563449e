package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

func newMediator(t *testing.T) (*Mediator, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	return NewMediator(eventBus, log), eventBus
}

func bashRequest() *claudecode.ControlRequest {
	return &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: "Bash",
		Input:    map[string]any{"command": "ls"},
	}
}

func TestMediator_AllowFlow(t *testing.T) {
	m, eventBus := newMediator(t)

	requestIDs := make(chan string, 1)
	_, err := eventBus.Subscribe(events.PermissionRequested, func(ctx context.Context, ev *bus.Event) error {
		requestIDs <- ev.Data.(*events.PermissionRequestedPayload).RequestID
		return nil
	})
	require.NoError(t, err)

	results := make(chan *claudecode.PermissionResult, 1)
	go func() {
		res, err := m.Ask(context.Background(), "sp-1", "task-1", bashRequest())
		require.NoError(t, err)
		results <- res
	}()

	var requestID string
	select {
	case requestID = <-requestIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("no permission event published")
	}

	require.NoError(t, m.Respond(requestID, Decision{
		Allow:        true,
		UpdatedInput: map[string]any{"command": "ls -la"},
	}))

	res := <-results
	assert.Equal(t, claudecode.BehaviorAllow, res.Behavior)
	assert.Equal(t, "ls -la", res.UpdatedInput["command"])
	assert.Empty(t, m.Pending())
}

func TestMediator_DenyFlow(t *testing.T) {
	m, _ := newMediator(t)

	results := make(chan *claudecode.PermissionResult, 1)
	go func() {
		res, _ := m.Ask(context.Background(), "sp-1", "task-1", bashRequest())
		results <- res
	}()

	require.Eventually(t, func() bool { return len(m.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	requestID := m.Pending()[0].ID

	require.NoError(t, m.Respond(requestID, Decision{Allow: false, Reason: "not in this repo"}))

	res := <-results
	assert.Equal(t, claudecode.BehaviorDeny, res.Behavior)
	assert.Equal(t, "not in this repo", res.Message)
}

func TestMediator_RespondUnknownRequest(t *testing.T) {
	m, _ := newMediator(t)
	assert.ErrorIs(t, m.Respond("nope", Decision{Allow: true}), ErrRequestNotFound)
}

func TestMediator_CancelledByAbort(t *testing.T) {
	m, _ := newMediator(t)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := m.Ask(ctx, "sp-1", "task-1", bashRequest())
		errs <- err
	}()

	require.Eventually(t, func() bool { return len(m.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after cancel")
	}
	assert.Empty(t, m.Pending())
}

func TestMediator_RejectTaskDeniesAllPending(t *testing.T) {
	m, _ := newMediator(t)

	var wg sync.WaitGroup
	results := make(chan *claudecode.PermissionResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Ask(context.Background(), "sp-1", "task-1", bashRequest())
			require.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return len(m.Pending()) == 3 }, time.Second, 5*time.Millisecond)
	m.RejectTask("task-1")
	wg.Wait()

	close(results)
	for res := range results {
		assert.Equal(t, claudecode.BehaviorDeny, res.Behavior)
		assert.Equal(t, "task ended", res.Message)
	}
	assert.Empty(t, m.Pending())
}
