// Package permission mediates tool-use approval between the agent subprocess
// and the browser UI. The agent blocks on a can_use_tool request; the UI
// answers out of band through the HTTP layer.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// ErrRequestNotFound indicates an unknown or already-answered request id.
var ErrRequestNotFound = errors.New("permission request not found")

// Request is a pending tool-use approval shown to the UI.
type Request struct {
	ID               string            `json:"id"`
	SessionProcessID string            `json:"sessionProcessId"`
	TaskID           string            `json:"taskId"`
	ToolName         string            `json:"toolName"`
	Input            map[string]any    `json:"input,omitempty"`
	Suggestions      []json.RawMessage `json:"suggestions,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Decision is the UI's answer to a permission request.
type Decision struct {
	Allow        bool           `json:"allow"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

type pendingRequest struct {
	req      Request
	decision chan Decision
}

// Mediator tracks pending permission requests keyed by request id and task id.
// Multiple concurrent requests per task are allowed.
type Mediator struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	byRequest map[string]*pendingRequest
	byTask    map[string]map[string]*pendingRequest
}

// NewMediator creates a permission mediator.
func NewMediator(eventBus bus.EventBus, log *logger.Logger) *Mediator {
	return &Mediator{
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "permission-mediator")),
		byRequest: make(map[string]*pendingRequest),
		byTask:    make(map[string]map[string]*pendingRequest),
	}
}

// Ask registers a request, notifies the UI and blocks until the UI responds
// or ctx is cancelled (the task's abort controller).
func (m *Mediator) Ask(ctx context.Context, sessionProcessID, taskID string, creq *claudecode.ControlRequest) (*claudecode.PermissionResult, error) {
	p := &pendingRequest{
		req: Request{
			ID:               uuid.New().String(),
			SessionProcessID: sessionProcessID,
			TaskID:           taskID,
			ToolName:         creq.ToolName,
			Input:            creq.Input,
			Suggestions:      creq.PermissionSuggestions,
			CreatedAt:        time.Now().UTC(),
		},
		decision: make(chan Decision, 1),
	}

	m.mu.Lock()
	m.byRequest[p.req.ID] = p
	if m.byTask[taskID] == nil {
		m.byTask[taskID] = make(map[string]*pendingRequest)
	}
	m.byTask[taskID][p.req.ID] = p
	m.mu.Unlock()

	m.publish(p.req)
	m.logger.Info("permission requested",
		zap.String("request_id", p.req.ID),
		zap.String("task_id", taskID),
		zap.String("tool", creq.ToolName))

	select {
	case d := <-p.decision:
		m.remove(p.req.ID)
		return toResult(d), nil
	case <-ctx.Done():
		m.remove(p.req.ID)
		return nil, ctx.Err()
	}
}

// Respond resolves a pending request with the UI's decision.
func (m *Mediator) Respond(requestID string, d Decision) error {
	m.mu.Lock()
	p, ok := m.byRequest[requestID]
	m.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}

	select {
	case p.decision <- d:
		return nil
	default:
		return ErrRequestNotFound
	}
}

// RejectTask denies every pending request of a task. Called when the task
// ends while requests are still waiting.
func (m *Mediator) RejectTask(taskID string) {
	m.mu.Lock()
	pendings := m.byTask[taskID]
	m.mu.Unlock()

	for _, p := range pendings {
		select {
		case p.decision <- Decision{Allow: false, Reason: "task ended"}:
		default:
		}
	}
}

// Pending lists all requests still waiting for a decision.
func (m *Mediator) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.byRequest))
	for _, p := range m.byRequest {
		out = append(out, p.req)
	}
	return out
}

func (m *Mediator) remove(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byRequest[requestID]
	if !ok {
		return
	}
	delete(m.byRequest, requestID)
	if tasks := m.byTask[p.req.TaskID]; tasks != nil {
		delete(tasks, requestID)
		if len(tasks) == 0 {
			delete(m.byTask, p.req.TaskID)
		}
	}
}

func (m *Mediator) publish(req Request) {
	if m.eventBus == nil {
		return
	}
	suggestions := make([]any, len(req.Suggestions))
	for i, s := range req.Suggestions {
		suggestions[i] = s
	}
	payload := &events.PermissionRequestedPayload{
		RequestID:        req.ID,
		SessionProcessID: req.SessionProcessID,
		TaskID:           req.TaskID,
		ToolName:         req.ToolName,
		Input:            req.Input,
		Suggestions:      suggestions,
	}
	event := bus.NewEvent(events.PermissionRequested, "permission-mediator", payload)
	if err := m.eventBus.Publish(context.Background(), events.PermissionRequested, event); err != nil {
		m.logger.Error("failed to publish permission request", zap.Error(err))
	}
}

func toResult(d Decision) *claudecode.PermissionResult {
	if d.Allow {
		return &claudecode.PermissionResult{
			Behavior:     claudecode.BehaviorAllow,
			UpdatedInput: d.UpdatedInput,
		}
	}
	return &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  d.Reason,
	}
}
