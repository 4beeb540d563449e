package registry

import (
	"errors"
	"fmt"
)

// ErrProcessNotFound indicates an unknown session process id.
var ErrProcessNotFound = errors.New("session process not found")

// ErrTaskNotFound indicates an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// IllegalStateChangeError is returned when a transition is requested from a
// state it is not valid in. The process state is left unchanged.
type IllegalStateChangeError struct {
	From Tag
	To   Tag
}

func (e *IllegalStateChangeError) Error() string {
	return fmt.Sprintf("illegal state change from %s to %s", e.From, e.To)
}

// SessionProcessNotPausedError is returned by Continue when the process is
// not in the paused state.
type SessionProcessNotPausedError struct {
	ProcessID string
	State     Tag
}

func (e *SessionProcessNotPausedError) Error() string {
	return fmt.Sprintf("session process %s is not paused (state: %s)", e.ProcessID, e.State)
}

// SessionProcessAlreadyAliveError is returned when a session already has a
// live (non-completed) process or an in-flight task.
type SessionProcessAlreadyAliveError struct {
	SessionID string
}

func (e *SessionProcessAlreadyAliveError) Error() string {
	return fmt.Sprintf("session %s already has a live process", e.SessionID)
}
