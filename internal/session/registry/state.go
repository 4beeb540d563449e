// Package registry holds the live session process state machines. It is the
// single owner of process state; every mutation goes through the registry and
// is validated against the allowed transitions:
//
//	pending ──▶ not_initialized ──▶ initialized ──▶ file_created ──▶ paused
//	                                initialized ─────────────────▶ paused
//	paused ──▶ pending (continue)
//	any ──▶ completed (terminal)
package registry

import "github.com/agentdeck/agentdeck/pkg/claudecode"

// Tag identifies a session process state variant.
type Tag string

const (
	TagPending        Tag = "pending"
	TagNotInitialized Tag = "not_initialized"
	TagInitialized    Tag = "initialized"
	TagFileCreated    Tag = "file_created"
	TagPaused         Tag = "paused"
	TagCompleted      Tag = "completed"
)

// State is the tagged union of session process states. The set of variants is
// closed; each carries the data valid for that state only.
type State interface {
	Tag() Tag
	isState()
}

// Pending is the initial state: a task exists but the agent has not consumed
// the user message yet.
type Pending struct{}

// NotInitialized means the agent consumed the user message but has not sent
// its init message yet.
type NotInitialized struct {
	UserText string
}

// Initialized means the agent announced its session id; the journal file may
// not exist on disk yet.
type Initialized struct {
	SessionID string
}

// FileCreated means the first assistant message arrived, so the journal file
// exists on disk.
type FileCreated struct {
	SessionID string
}

// Paused means the turn finished; the process is eligible for continuation.
type Paused struct {
	SessionID string
	Result    *claudecode.CLIMessage
}

// Completed is terminal.
type Completed struct {
	SessionID string
	Err       error
}

func (Pending) Tag() Tag        { return TagPending }
func (NotInitialized) Tag() Tag { return TagNotInitialized }
func (Initialized) Tag() Tag    { return TagInitialized }
func (FileCreated) Tag() Tag    { return TagFileCreated }
func (Paused) Tag() Tag         { return TagPaused }
func (Completed) Tag() Tag      { return TagCompleted }

func (Pending) isState()        {}
func (NotInitialized) isState() {}
func (Initialized) isState()    {}
func (FileCreated) isState()    {}
func (Paused) isState()         {}
func (Completed) isState()      {}

// sessionIDOf returns the confirmed session id carried by a state, if any.
func sessionIDOf(s State) string {
	switch st := s.(type) {
	case Initialized:
		return st.SessionID
	case FileCreated:
		return st.SessionID
	case Paused:
		return st.SessionID
	case Completed:
		return st.SessionID
	default:
		return ""
	}
}
