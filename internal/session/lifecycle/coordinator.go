// Package lifecycle starts, continues, stops and aborts agent subprocesses,
// bridging their message streams to session process state transitions.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session/permission"
	"github.com/agentdeck/agentdeck/internal/session/registry"
	"github.com/agentdeck/agentdeck/internal/session/virtual"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// ErrAborted is the rejection delivered to unresolved start promises when the
// process is aborted before init or the first assistant message.
var ErrAborted = errors.New("session process aborted")

// InitOutcome resolves the sessionInitialized promise.
type InitOutcome struct {
	SessionID string
	Err       error
}

// StartResult is returned by StartTask. Both channels are buffered and
// receive exactly one value.
type StartResult struct {
	ProcessID string

	// SessionInitialized resolves when the agent announces its session id.
	SessionInitialized <-chan InitOutcome

	// SessionFileCreated resolves when the first assistant message arrives,
	// meaning the journal file exists on disk.
	SessionFileCreated <-chan error
}

// StartParams describes a new session turn.
type StartParams struct {
	ProjectCwd     string
	ProjectID      string
	BaseSessionID  string // resume an existing session when set
	PermissionMode string
	Input          claudecode.UserInput
}

type liveProcess struct {
	gen    *Generator
	handle AgentHandle
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool // stop (graceful) vs abort
}

// Coordinator owns the background pump of every live subprocess.
type Coordinator struct {
	registry    *registry.Registry
	virtual     *virtual.Store
	mediator    *permission.Mediator
	runner      AgentRunner
	eventBus    bus.EventBus
	projectsDir string
	logger      *logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	procs map[string]*liveProcess
}

// NewCoordinator wires the lifecycle coordinator.
func NewCoordinator(
	reg *registry.Registry,
	vstore *virtual.Store,
	mediator *permission.Mediator,
	runner AgentRunner,
	eventBus bus.EventBus,
	projectsDir string,
	log *logger.Logger,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:    reg,
		virtual:     vstore,
		mediator:    mediator,
		runner:      runner,
		eventBus:    eventBus,
		projectsDir: projectsDir,
		logger:      log.WithFields(zap.String("component", "session-lifecycle")),
		baseCtx:     ctx,
		baseCancel:  cancel,
		procs:       make(map[string]*liveProcess),
	}
}

// StartTask registers a new session process, spawns the agent and starts the
// message pump.
func (c *Coordinator) StartTask(ctx context.Context, params StartParams) (*StartResult, error) {
	taskDef := registry.TaskDef{Type: registry.TaskNew}
	if params.BaseSessionID != "" {
		taskDef = registry.TaskDef{Type: registry.TaskResume, BaseSessionID: params.BaseSessionID}
	}

	proc, err := c.registry.Start(registry.StartOptions{
		ProjectID:      params.ProjectID,
		ProjectCwd:     params.ProjectCwd,
		PermissionMode: params.PermissionMode,
		Task:           taskDef,
	})
	if err != nil {
		return nil, err
	}

	gen := NewGenerator()
	gen.OnResolved(func(in claudecode.UserInput) {
		if err := c.registry.ToNotInitialized(proc.ID, in.Text); err != nil {
			c.logger.Error("failed to step to not_initialized",
				zap.String("process_id", proc.ID), zap.Error(err))
			return
		}
		c.markCurrentTask(proc.ID, registry.TaskRunning, "")
	})

	procCtx, cancel := context.WithCancel(c.baseCtx)
	handle, err := c.runner.Run(procCtx, RunOptions{
		Cwd:             params.ProjectCwd,
		ResumeSessionID: params.BaseSessionID,
		PermissionMode:  params.PermissionMode,
		CanUseTool:      c.canUseToolFunc(procCtx, proc.ID),
	})
	if err != nil {
		cancel()
		c.markCurrentTask(proc.ID, registry.TaskFailed, err.Error())
		_ = c.registry.ToCompleted(proc.ID, err)
		return nil, fmt.Errorf("failed to spawn agent: %w", err)
	}

	live := &liveProcess{gen: gen, handle: handle, cancel: cancel}
	c.mu.Lock()
	c.procs[proc.ID] = live
	c.mu.Unlock()

	initCh := make(chan InitOutcome, 1)
	fileCh := make(chan error, 1)

	if err := gen.SetNextMessage(procCtx, params.Input); err != nil {
		cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.pump(procCtx, proc.ID, params, live, initCh, fileCh)

	return &StartResult{
		ProcessID:          proc.ID,
		SessionInitialized: initCh,
		SessionFileCreated: fileCh,
	}, nil
}

// ContinueTask appends a turn to a live paused process. Returns
// registry.ErrProcessNotFound when the process is gone (the HTTP layer falls
// back to StartTask with the base session id).
func (c *Coordinator) ContinueTask(ctx context.Context, processID, baseSessionID string, input claudecode.UserInput) error {
	c.mu.Lock()
	live := c.procs[processID]
	c.mu.Unlock()
	if live == nil {
		// Either the process never existed or its pump is gone (backend
		// restart); the caller falls back to a fresh start.
		return registry.ErrProcessNotFound
	}

	proc, _, err := c.registry.Continue(processID, registry.TaskDef{
		Type:          registry.TaskContinue,
		SessionID:     baseSessionID,
		BaseSessionID: baseSessionID,
	})
	if err != nil {
		return err
	}

	c.virtual.Append(proc.ProjectID, baseSessionID, userEntry(baseSessionID, input.Text))
	c.publishSessionChanged(proc.ProjectID, baseSessionID)

	return live.gen.SetNextMessage(ctx, input)
}

// StopTask gracefully ends a process: the current task completes without
// error. Unknown ids are a silent no-op.
func (c *Coordinator) StopTask(processID string) {
	c.endTask(processID, true)
}

// AbortTask hard-aborts a process: the current task fails with "Task
// aborted". Unknown ids are a silent no-op.
func (c *Coordinator) AbortTask(processID string) {
	c.endTask(processID, false)
}

// Shutdown aborts all live processes and waits for their pumps to finish.
func (c *Coordinator) Shutdown() {
	c.baseCancel()
	c.mu.Lock()
	for _, live := range c.procs {
		live.handle.Abort()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) endTask(processID string, graceful bool) {
	c.mu.Lock()
	live := c.procs[processID]
	c.mu.Unlock()
	if live == nil {
		return
	}

	live.mu.Lock()
	live.stopped = live.stopped || graceful
	live.mu.Unlock()

	live.handle.Abort()
	live.cancel()
}

// pump iterates the agent's outbound messages and drives the state machine.
func (c *Coordinator) pump(ctx context.Context, processID string, params StartParams, live *liveProcess, initCh chan InitOutcome, fileCh chan error) {
	defer c.wg.Done()

	log := c.logger.WithProcessID(processID)
	sessionID := ""
	initResolved := false
	fileResolved := false
	sawAssistantThisTurn := false
	var fatal error

	defer func() {
		// Always runs: terminal cleanup regardless of how iteration ended.
		c.finishProcess(processID, live, fatal, log)
		if !initResolved {
			initCh <- InitOutcome{Err: ErrAborted}
		}
		if !fileResolved {
			fileCh <- ErrAborted
		}
		c.mu.Lock()
		delete(c.procs, processID)
		c.mu.Unlock()
	}()

	// Feed the generator to the subprocess: the agent pulls messages on
	// demand, which fires the onNewUserMessageResolved hook.
	go func() {
		for {
			in, err := live.gen.Next(ctx)
			if err != nil {
				return
			}
			if err := live.handle.Send(in); err != nil {
				log.Warn("failed to send user message", zap.Error(err))
				return
			}
		}
	}()

	for msg := range live.handle.Messages() {
		proc, err := c.registry.GetByID(processID)
		if err != nil || proc.State.Tag() == registry.TagCompleted {
			break
		}

		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.Subtype != claudecode.SubtypeInit {
				continue
			}
			sessionID = msg.SessionID
			sawAssistantThisTurn = false
			if err := c.registry.ToInitialized(processID, sessionID); err != nil {
				c.failCurrentTask(processID, err, log)
				continue
			}
			if !initResolved {
				log = log.WithSessionID(sessionID)
				// Later turns re-announce init; their overlay entry was
				// already appended by ContinueTask and must not be replaced.
				c.createOverlay(params, processID, sessionID)
			}
			c.publishSessionListChanged(params.ProjectID)
			c.publishSessionChanged(params.ProjectID, sessionID)
			if !initResolved {
				initResolved = true
				initCh <- InitOutcome{SessionID: sessionID}
			}

		case claudecode.MessageTypeAssistant:
			if sawAssistantThisTurn {
				continue
			}
			sawAssistantThisTurn = true
			if err := c.registry.ToFileCreated(processID); err != nil {
				c.failCurrentTask(processID, err, log)
				continue
			}
			c.virtual.Delete(sessionID)
			if !fileResolved {
				fileResolved = true
				fileCh <- nil
			}

		case claudecode.MessageTypeResult:
			// Local-command turns emit no assistant message; their overlay
			// is still pending deletion here.
			if !sawAssistantThisTurn {
				c.virtual.Delete(sessionID)
			}
			c.markCurrentTask(processID, registry.TaskCompleted, "")
			if err := c.registry.ToPaused(processID, msg); err != nil {
				c.failCurrentTask(processID, err, log)
				continue
			}
			log.Debug("turn completed", zap.String("result", msg.GetResultString()))
			c.publishSessionChanged(params.ProjectID, sessionID)
		}
	}
}

// finishProcess is the terminal cleanup: reject pending permissions, settle
// the current task and move the process to completed.
func (c *Coordinator) finishProcess(processID string, live *liveProcess, fatal error, log *logger.Logger) {
	live.mu.Lock()
	graceful := live.stopped
	live.mu.Unlock()

	proc, err := c.registry.GetByID(processID)
	if err != nil {
		return
	}
	if task := proc.CurrentTask(); task != nil {
		c.mediator.RejectTask(task.ID)
		if graceful {
			c.markCurrentTask(processID, registry.TaskCompleted, "")
		} else {
			c.markCurrentTask(processID, registry.TaskFailed, "Task aborted")
		}
	}

	cause := fatal
	if cause == nil && !graceful && proc.State.Tag() != registry.TagPaused {
		cause = ErrAborted
	}
	if err := c.registry.ToCompleted(processID, cause); err != nil && !errors.Is(err, registry.ErrProcessNotFound) {
		log.Error("failed to complete process", zap.Error(err))
	}
	log.Info("session process finished", zap.Bool("graceful", graceful))
}

// createOverlay synthesizes the predicted user entry. For resumes the prior
// session's conversations are copied in front of it.
func (c *Coordinator) createOverlay(params StartParams, processID, sessionID string) {
	proc, err := c.registry.GetByID(processID)
	if err != nil {
		return
	}
	var entries []*journal.Entry
	if params.BaseSessionID != "" {
		basePath := project.JournalPath(c.projectsDir, proc.ProjectID, params.BaseSessionID)
		if prior, err := journal.ReadFile(basePath); err == nil {
			entries = append(entries, prior...)
		}
	}
	entries = append(entries, userEntry(sessionID, params.Input.Text))
	c.virtual.Create(proc.ProjectID, sessionID, entries)
}

func (c *Coordinator) canUseToolFunc(ctx context.Context, processID string) CanUseToolFunc {
	return func(reqCtx context.Context, req *claudecode.ControlRequest) (*claudecode.PermissionResult, error) {
		proc, err := c.registry.GetByID(processID)
		if err != nil {
			return nil, err
		}
		taskID := ""
		if task := proc.CurrentTask(); task != nil {
			taskID = task.ID
		}
		return c.mediator.Ask(reqCtx, processID, taskID, req)
	}
}

func (c *Coordinator) markCurrentTask(processID string, status registry.TaskStatus, errMsg string) {
	proc, err := c.registry.GetByID(processID)
	if err != nil {
		return
	}
	task := proc.CurrentTask()
	if task == nil {
		return
	}
	if err := c.registry.ChangeTaskState(processID, task.ID, status, errMsg); err != nil {
		c.logger.Warn("failed to change task state",
			zap.String("process_id", processID), zap.Error(err))
	}
}

// failCurrentTask handles non-fatal per-message errors: the task fails but
// iteration continues and the process stays alive.
func (c *Coordinator) failCurrentTask(processID string, cause error, log *logger.Logger) {
	log.Error("message handling failed", zap.Error(cause))
	c.markCurrentTask(processID, registry.TaskFailed, cause.Error())
}

func (c *Coordinator) publishSessionChanged(projectID, sessionID string) {
	if c.eventBus == nil || sessionID == "" {
		return
	}
	payload := &events.SessionChangedPayload{ProjectID: projectID, SessionID: sessionID}
	event := bus.NewEvent(events.SessionChanged, "session-lifecycle", payload)
	if err := c.eventBus.Publish(context.Background(), events.SessionChanged, event); err != nil {
		c.logger.Error("failed to publish session change", zap.Error(err))
	}
}

func (c *Coordinator) publishSessionListChanged(projectID string) {
	if c.eventBus == nil {
		return
	}
	payload := &events.SessionListChangedPayload{ProjectID: projectID}
	event := bus.NewEvent(events.SessionListChanged, "session-lifecycle", payload)
	if err := c.eventBus.Publish(context.Background(), events.SessionListChanged, event); err != nil {
		c.logger.Error("failed to publish session list change", zap.Error(err))
	}
}

// userEntry synthesizes a predicted journal entry for a user turn.
func userEntry(sessionID, text string) *journal.Entry {
	content, _ := json.Marshal(text)
	return &journal.Entry{
		Type:      journal.TypeUser,
		UUID:      uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   &journal.Message{Role: "user", Content: content},
	}
}
