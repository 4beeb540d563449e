package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	membus "github.com/agentdeck/agentdeck/internal/events/bus"
)

func testRegistry(t *testing.T) (*Registry, *[]events.SessionProcessChangedPayload) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := membus.NewMemoryEventBus(log)
	var seen []events.SessionProcessChangedPayload
	_, err = eventBus.Subscribe(events.SessionProcessChanged, func(ctx context.Context, ev *membus.Event) error {
		seen = append(seen, *ev.Data.(*events.SessionProcessChangedPayload))
		return nil
	})
	require.NoError(t, err)

	return NewRegistry(eventBus, log), &seen
}

func startNew(t *testing.T, r *Registry) *Process {
	t.Helper()
	proc, err := r.Start(StartOptions{
		ProjectID:      "proj",
		ProjectCwd:     "/work/proj",
		PermissionMode: "default",
		Task:           TaskDef{Type: TaskNew},
	})
	require.NoError(t, err)
	return proc
}

func TestRegistry_HappyPathTransitions(t *testing.T) {
	r, seen := testRegistry(t)
	proc := startNew(t, r)
	assert.Equal(t, TagPending, proc.State.Tag())
	assert.Equal(t, "starting", proc.Status())
	assert.Empty(t, proc.SessionID())

	require.NoError(t, r.ToNotInitialized(proc.ID, "hello"))
	require.NoError(t, r.ToInitialized(proc.ID, "S1"))

	got, err := r.GetByID(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, TagInitialized, got.State.Tag())
	assert.Equal(t, "S1", got.SessionID())
	assert.Equal(t, "running", got.Status())

	require.NoError(t, r.ToFileCreated(proc.ID))
	require.NoError(t, r.ToPaused(proc.ID, nil))

	got, err = r.GetByID(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, "paused", got.Status())
	assert.Equal(t, "S1", got.SessionID())

	// One event per tag change: start, not_initialized, initialized,
	// file_created, paused.
	assert.Len(t, *seen, 5)
	last := (*seen)[4]
	assert.Equal(t, proc.ID, last.Changed.ID)
	assert.Equal(t, "paused", last.Changed.Status)
}

func TestRegistry_LocalCommandSkipsFileCreated(t *testing.T) {
	r, _ := testRegistry(t)
	proc := startNew(t, r)
	require.NoError(t, r.ToNotInitialized(proc.ID, "/status"))
	require.NoError(t, r.ToInitialized(proc.ID, "S1"))

	require.NoError(t, r.ToPaused(proc.ID, nil))
	got, err := r.GetByID(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, TagPaused, got.State.Tag())
}

func TestRegistry_IllegalTransition(t *testing.T) {
	r, _ := testRegistry(t)
	proc := startNew(t, r)

	err := r.ToInitialized(proc.ID, "S1")
	var illegal *IllegalStateChangeError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, TagPending, illegal.From)
	assert.Equal(t, TagInitialized, illegal.To)

	// State unchanged after the failed transition.
	got, err := r.GetByID(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, TagPending, got.State.Tag())
}

func TestRegistry_Continue(t *testing.T) {
	r, _ := testRegistry(t)
	proc := startNew(t, r)

	// Not paused yet.
	_, _, err := r.Continue(proc.ID, TaskDef{Type: TaskContinue, SessionID: "S1", BaseSessionID: "S1"})
	var notPaused *SessionProcessNotPausedError
	require.ErrorAs(t, err, &notPaused)

	require.NoError(t, r.ToNotInitialized(proc.ID, "hello"))
	require.NoError(t, r.ToInitialized(proc.ID, "S1"))
	require.NoError(t, r.ToFileCreated(proc.ID))
	require.NoError(t, r.ChangeTaskState(proc.ID, proc.Tasks[0].ID, TaskCompleted, ""))
	require.NoError(t, r.ToPaused(proc.ID, nil))

	got, task, err := r.Continue(proc.ID, TaskDef{Type: TaskContinue, SessionID: "S1", BaseSessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, TagPending, got.State.Tag())
	assert.Equal(t, TaskPending, task.Status)
	require.Len(t, got.Tasks, 2)
	// Continuation keeps the targeted session id visible while pending.
	assert.Equal(t, "S1", got.SessionID())
	assert.Equal(t, "pending", got.Status())
}

func TestRegistry_ContinueRejectedWhileTaskInFlight(t *testing.T) {
	r, _ := testRegistry(t)
	proc := startNew(t, r)
	require.NoError(t, r.ToNotInitialized(proc.ID, "hi"))
	require.NoError(t, r.ToInitialized(proc.ID, "S1"))
	require.NoError(t, r.ToFileCreated(proc.ID))
	// Task left pending on purpose.
	require.NoError(t, r.ToPaused(proc.ID, nil))

	_, _, err := r.Continue(proc.ID, TaskDef{Type: TaskContinue, SessionID: "S1"})
	var alive *SessionProcessAlreadyAliveError
	require.ErrorAs(t, err, &alive)
	assert.Equal(t, "S1", alive.SessionID)
}

func TestRegistry_StartRejectsDuplicateLiveSession(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.Start(StartOptions{ProjectID: "proj", Task: TaskDef{Type: TaskResume, BaseSessionID: "S1"}})
	require.NoError(t, err)

	_, err = r.Start(StartOptions{ProjectID: "proj", Task: TaskDef{Type: TaskResume, BaseSessionID: "S1"}})
	var alive *SessionProcessAlreadyAliveError
	require.ErrorAs(t, err, &alive)
}

func TestRegistry_ToCompletedIdempotent(t *testing.T) {
	r, seen := testRegistry(t)
	proc := startNew(t, r)

	require.NoError(t, r.ToCompleted(proc.ID, nil))
	before := len(*seen)
	require.NoError(t, r.ToCompleted(proc.ID, nil))
	assert.Equal(t, before, len(*seen), "repeated ToCompleted must not emit")

	assert.ErrorIs(t, r.ToCompleted("sp-unknown", nil), ErrProcessNotFound)
}

func TestRegistry_CompletedProcessNotPublic(t *testing.T) {
	r, seen := testRegistry(t)
	proc := startNew(t, r)
	other := startNew(t, r)

	require.NoError(t, r.ToCompleted(proc.ID, nil))
	last := (*seen)[len(*seen)-1]
	assert.Equal(t, proc.ID, last.Changed.ID)
	require.Len(t, last.Processes, 1)
	assert.Equal(t, other.ID, last.Processes[0].ID)
}

func TestRegistry_GetTask(t *testing.T) {
	r, _ := testRegistry(t)
	proc := startNew(t, r)

	gotProc, gotTask, err := r.GetTask(proc.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, proc.ID, gotProc.ID)
	assert.Equal(t, TaskPending, gotTask.Status)

	_, _, err = r.GetTask("task-unknown")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// Property: any out-of-diagram transition returns IllegalStateChangeError and
// leaves the state tag unchanged.
func TestRegistry_TransitionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
		if err != nil {
			rt.Fatal(err)
		}
		r := NewRegistry(nil, log)
		proc, err := r.Start(StartOptions{ProjectID: "proj", Task: TaskDef{Type: TaskNew}})
		if err != nil {
			rt.Fatal(err)
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			before, _ := r.GetByID(proc.ID)

			var terr error
			switch op {
			case 0:
				terr = r.ToNotInitialized(proc.ID, "text")
			case 1:
				terr = r.ToInitialized(proc.ID, "S1")
			case 2:
				terr = r.ToFileCreated(proc.ID)
			case 3:
				terr = r.ToPaused(proc.ID, nil)
			}

			after, _ := r.GetByID(proc.ID)
			if terr != nil {
				var illegal *IllegalStateChangeError
				if !assert.ErrorAs(rt, terr, &illegal) {
					return
				}
				assert.Equal(rt, before.State.Tag(), after.State.Tag(),
					"failed transition must not change state")
			} else {
				assert.NotEqual(rt, before.State.Tag(), after.State.Tag())
			}
		}
	})
}
