package registry

// TaskType discriminates how a task binds to a session.
type TaskType string

const (
	// TaskNew starts a brand-new session.
	TaskNew TaskType = "new"
	// TaskResume starts a fresh process resuming an on-disk session.
	TaskResume TaskType = "resume"
	// TaskContinue appends a turn to an already-live paused process.
	TaskContinue TaskType = "continue"
)

// TaskStatus is the lifecycle status of one user turn.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskDef describes one user turn within a process.
type TaskDef struct {
	Type          TaskType
	SessionID     string // continue
	BaseSessionID string // resume, continue
}

// Task is one user turn owned by a session process.
type Task struct {
	ID     string
	Def    TaskDef
	Status TaskStatus
	Error  string
}

func (t *Task) terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}
