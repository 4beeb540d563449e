// Package events provides event subjects and payload types for the Agentdeck
// event system.
package events

// Subjects for session journal changes detected by the file watcher or
// emitted by the lifecycle coordinator.
const (
	SessionListChanged  = "session.list_changed"
	SessionChanged      = "session.changed"
	AgentSessionChanged = "session.agent_changed"
)

// Subjects for session process and scheduler state.
const (
	SessionProcessChanged = "session_process.changed"
	SchedulerJobsChanged  = "scheduler.jobs_changed"
	PermissionRequested   = "permission.requested"
)

// Heartbeat is published every 10 seconds to keep SSE connections alive.
const Heartbeat = "heartbeat"

// SessionWildcard matches all session journal subjects.
const SessionWildcard = "session.>"

// SessionListChangedPayload notifies that the session list of a project changed.
type SessionListChangedPayload struct {
	ProjectID string `json:"projectId"`
}

// SessionChangedPayload notifies that a single session journal changed.
type SessionChangedPayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// AgentSessionChangedPayload notifies that an agent side-channel journal changed.
type AgentSessionChangedPayload struct {
	ProjectID      string `json:"projectId"`
	AgentSessionID string `json:"agentSessionId"`
}

// SessionProcessSnapshot is the public projection of a live session process.
type SessionProcessSnapshot struct {
	ID             string `json:"id"`
	ProjectID      string `json:"projectId"`
	SessionID      string `json:"sessionId,omitempty"`
	Status         string `json:"status"` // starting, pending, running, paused
	PermissionMode string `json:"permissionMode"`
}

// SessionProcessChangedPayload carries a snapshot of all public processes
// plus the one that transitioned.
type SessionProcessChangedPayload struct {
	Processes []SessionProcessSnapshot `json:"processes"`
	Changed   SessionProcessSnapshot   `json:"changed"`
}

// SchedulerJobsChangedPayload notifies that the persisted job list changed.
type SchedulerJobsChangedPayload struct {
	DeletedJobID string `json:"deletedJobId,omitempty"`
}

// PermissionRequestedPayload notifies the UI that the agent is waiting for a
// tool-use decision.
type PermissionRequestedPayload struct {
	RequestID        string         `json:"requestId"`
	SessionProcessID string         `json:"sessionProcessId"`
	TaskID           string         `json:"taskId"`
	ToolName         string         `json:"toolName"`
	Input            map[string]any `json:"input,omitempty"`
	Suggestions      []any          `json:"suggestions,omitempty"`
}

// HeartbeatPayload is intentionally empty.
type HeartbeatPayload struct{}
