package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Process is a live agent subprocess bound to a session. The registry owns
// all Process values; accessors return copies.
type Process struct {
	ID             string
	ProjectID      string
	ProjectCwd     string
	PermissionMode string
	State          State
	Tasks          []*Task
}

// CurrentTask returns the latest non-terminal task, or nil.
func (p *Process) CurrentTask() *Task {
	for i := len(p.Tasks) - 1; i >= 0; i-- {
		if !p.Tasks[i].terminal() {
			return p.Tasks[i]
		}
	}
	return nil
}

// SessionID returns the publicly visible session id: the confirmed id once
// the agent announced it, otherwise the id the current task targets.
func (p *Process) SessionID() string {
	if id := sessionIDOf(p.State); id != "" {
		return id
	}
	task := p.CurrentTask()
	if task == nil {
		return ""
	}
	switch task.Def.Type {
	case TaskContinue:
		return task.Def.SessionID
	case TaskResume:
		return task.Def.BaseSessionID
	default:
		return ""
	}
}

// Status derives the public status string shown to the UI.
func (p *Process) Status() string {
	switch p.State.Tag() {
	case TagPaused:
		return "paused"
	case TagInitialized, TagFileCreated:
		return "running"
	case TagCompleted:
		return "completed"
	default:
		// pending / not_initialized: a single task means a fresh session,
		// more than one means a continuation in flight.
		if len(p.Tasks) <= 1 {
			return "starting"
		}
		return "pending"
	}
}

// StartOptions describes a new session process.
type StartOptions struct {
	ProjectID      string
	ProjectCwd     string
	PermissionMode string
	Task           TaskDef
}

// Registry holds all session processes and serializes their transitions.
type Registry struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	processes []*Process

	processSeq atomic.Int64
	taskSeq    atomic.Int64
}

// NewRegistry creates an empty session process registry.
func NewRegistry(eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// Start registers a new process in pending state with a single pending task.
// At most one live process may exist per session id.
func (r *Registry) Start(opts StartOptions) (*Process, error) {
	r.mu.Lock()

	if target := taskTargetSession(opts.Task); target != "" {
		for _, p := range r.processes {
			if p.State.Tag() != TagCompleted && p.SessionID() == target {
				r.mu.Unlock()
				return nil, &SessionProcessAlreadyAliveError{SessionID: target}
			}
		}
	}

	proc := &Process{
		ID:             fmt.Sprintf("sp-%d", r.processSeq.Add(1)),
		ProjectID:      opts.ProjectID,
		ProjectCwd:     opts.ProjectCwd,
		PermissionMode: opts.PermissionMode,
		State:          Pending{},
		Tasks: []*Task{{
			ID:     fmt.Sprintf("task-%d", r.taskSeq.Add(1)),
			Def:    opts.Task,
			Status: TaskPending,
		}},
	}
	r.processes = append(r.processes, proc)

	snapshot := r.clone(proc)
	payload := r.changedPayloadLocked(proc)
	r.mu.Unlock()

	r.logger.Info("session process registered",
		zap.String("process_id", snapshot.ID),
		zap.String("project_id", snapshot.ProjectID),
		zap.String("task_type", string(opts.Task.Type)))
	r.publish(payload)
	return snapshot, nil
}

// Continue appends a new pending task to a paused process and moves it back
// to pending.
func (r *Registry) Continue(processID string, def TaskDef) (*Process, *Task, error) {
	r.mu.Lock()

	proc := r.findLocked(processID)
	if proc == nil {
		r.mu.Unlock()
		return nil, nil, ErrProcessNotFound
	}
	if proc.State.Tag() != TagPaused {
		state := proc.State.Tag()
		r.mu.Unlock()
		return nil, nil, &SessionProcessNotPausedError{ProcessID: processID, State: state}
	}
	if proc.CurrentTask() != nil {
		sessionID := proc.SessionID()
		r.mu.Unlock()
		return nil, nil, &SessionProcessAlreadyAliveError{SessionID: sessionID}
	}

	task := &Task{
		ID:     fmt.Sprintf("task-%d", r.taskSeq.Add(1)),
		Def:    def,
		Status: TaskPending,
	}
	proc.Tasks = append(proc.Tasks, task)
	proc.State = Pending{}

	snapshot := r.clone(proc)
	taskCopy := *task
	payload := r.changedPayloadLocked(proc)
	r.mu.Unlock()

	r.publish(payload)
	return snapshot, &taskCopy, nil
}

// GetByID returns a copy of the process, or ErrProcessNotFound.
func (r *Registry) GetByID(processID string) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc := r.findLocked(processID)
	if proc == nil {
		return nil, ErrProcessNotFound
	}
	return r.clone(proc), nil
}

// List returns copies of all processes, including completed ones.
func (r *Registry) List() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, r.clone(p))
	}
	return out
}

// GetTask returns the process and task for a task id.
func (r *Registry) GetTask(taskID string) (*Process, *Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.processes {
		for _, t := range p.Tasks {
			if t.ID == taskID {
				taskCopy := *t
				return r.clone(p), &taskCopy, nil
			}
		}
	}
	return nil, nil, ErrTaskNotFound
}

// ToNotInitialized records that the agent consumed the user message.
func (r *Registry) ToNotInitialized(processID, userText string) error {
	return r.transition(processID, TagNotInitialized, func(s State) (State, bool) {
		if _, ok := s.(Pending); !ok {
			return nil, false
		}
		return NotInitialized{UserText: userText}, true
	})
}

// ToInitialized records the session id announced by the agent's init message.
func (r *Registry) ToInitialized(processID, sessionID string) error {
	return r.transition(processID, TagInitialized, func(s State) (State, bool) {
		if _, ok := s.(NotInitialized); !ok {
			return nil, false
		}
		return Initialized{SessionID: sessionID}, true
	})
}

// ToFileCreated records that the first assistant message arrived, meaning the
// journal file now exists on disk.
func (r *Registry) ToFileCreated(processID string) error {
	return r.transition(processID, TagFileCreated, func(s State) (State, bool) {
		init, ok := s.(Initialized)
		if !ok {
			return nil, false
		}
		return FileCreated{SessionID: init.SessionID}, true
	})
}

// ToPaused records the end of a turn. Valid from file_created, and from
// initialized for local-command turns that never produce assistant output.
func (r *Registry) ToPaused(processID string, result *claudecode.CLIMessage) error {
	return r.transition(processID, TagPaused, func(s State) (State, bool) {
		switch st := s.(type) {
		case FileCreated:
			return Paused{SessionID: st.SessionID, Result: result}, true
		case Initialized:
			return Paused{SessionID: st.SessionID, Result: result}, true
		default:
			return nil, false
		}
	})
}

// ToCompleted moves a process to the terminal state. Valid from any state;
// calling it on an already-completed process is a no-op.
func (r *Registry) ToCompleted(processID string, cause error) error {
	r.mu.Lock()

	proc := r.findLocked(processID)
	if proc == nil {
		r.mu.Unlock()
		return ErrProcessNotFound
	}
	if _, done := proc.State.(Completed); done {
		r.mu.Unlock()
		return nil
	}
	proc.State = Completed{SessionID: sessionIDOf(proc.State), Err: cause}

	payload := r.changedPayloadLocked(proc)
	r.mu.Unlock()

	r.publish(payload)
	return nil
}

// ChangeTaskState updates a task's status. A non-empty errMsg is recorded on
// the task.
func (r *Registry) ChangeTaskState(processID, taskID string, status TaskStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc := r.findLocked(processID)
	if proc == nil {
		return ErrProcessNotFound
	}
	for _, t := range proc.Tasks {
		if t.ID == taskID {
			t.Status = status
			t.Error = errMsg
			return nil
		}
	}
	return ErrTaskNotFound
}

// PublicSnapshots projects all non-completed processes for the UI.
func (r *Registry) PublicSnapshots() []events.SessionProcessSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publicSnapshotsLocked()
}

func (r *Registry) transition(processID string, to Tag, apply func(State) (State, bool)) error {
	r.mu.Lock()

	proc := r.findLocked(processID)
	if proc == nil {
		r.mu.Unlock()
		return ErrProcessNotFound
	}
	next, ok := apply(proc.State)
	if !ok {
		from := proc.State.Tag()
		r.mu.Unlock()
		return &IllegalStateChangeError{From: from, To: to}
	}
	proc.State = next

	payload := r.changedPayloadLocked(proc)
	r.mu.Unlock()

	r.publish(payload)
	return nil
}

func (r *Registry) findLocked(processID string) *Process {
	for _, p := range r.processes {
		if p.ID == processID {
			return p
		}
	}
	return nil
}

func (r *Registry) clone(p *Process) *Process {
	tasks := make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		taskCopy := *t
		tasks[i] = &taskCopy
	}
	clone := *p
	clone.Tasks = tasks
	return &clone
}

func (r *Registry) publicSnapshotsLocked() []events.SessionProcessSnapshot {
	out := make([]events.SessionProcessSnapshot, 0, len(r.processes))
	for _, p := range r.processes {
		if p.State.Tag() == TagCompleted {
			continue
		}
		out = append(out, snapshotOf(p))
	}
	return out
}

func (r *Registry) changedPayloadLocked(changed *Process) *events.SessionProcessChangedPayload {
	return &events.SessionProcessChangedPayload{
		Processes: r.publicSnapshotsLocked(),
		Changed:   snapshotOf(changed),
	}
}

// publish is called outside the registry lock so synchronous bus handlers may
// call back into the registry.
func (r *Registry) publish(payload *events.SessionProcessChangedPayload) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.SessionProcessChanged, "session-registry", payload)
	if err := r.eventBus.Publish(context.Background(), events.SessionProcessChanged, event); err != nil {
		r.logger.Error("failed to publish session process change", zap.Error(err))
	}
}

func snapshotOf(p *Process) events.SessionProcessSnapshot {
	return events.SessionProcessSnapshot{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		SessionID:      p.SessionID(),
		Status:         p.Status(),
		PermissionMode: p.PermissionMode,
	}
}

func taskTargetSession(def TaskDef) string {
	switch def.Type {
	case TaskContinue:
		return def.SessionID
	case TaskResume:
		return def.BaseSessionID
	default:
		return ""
	}
}
