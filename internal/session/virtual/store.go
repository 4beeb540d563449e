// Package virtual holds predicted conversation entries that are not yet
// written to the journal on disk. The lifecycle coordinator creates an
// overlay when a user turn starts and deletes it once the journal catches up.
package virtual

import (
	"sync"

	"github.com/agentdeck/agentdeck/internal/journal"
)

// SessionEntries pairs a session id with its overlay entries.
type SessionEntries struct {
	SessionID string
	Entries   []*journal.Entry
}

type overlay struct {
	projectID string
	entries   []*journal.Entry
}

// Store is the in-memory virtual conversation store. Overlays live for the
// process lifetime only.
type Store struct {
	mu       sync.RWMutex
	overlays map[string]*overlay // session id -> overlay
}

// NewStore creates an empty virtual conversation store.
func NewStore() *Store {
	return &Store{overlays: make(map[string]*overlay)}
}

// Create replaces any existing overlay for the session.
func (s *Store) Create(projectID, sessionID string, entries []*journal.Entry) {
	copied := make([]*journal.Entry, len(entries))
	copy(copied, entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[sessionID] = &overlay{projectID: projectID, entries: copied}
}

// Append adds entries to the session's overlay, creating it if absent.
func (s *Store) Append(projectID, sessionID string, entries ...*journal.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.overlays[sessionID]
	if !ok {
		o = &overlay{projectID: projectID}
		s.overlays[sessionID] = o
	}
	o.entries = append(o.entries, entries...)
}

// GetForSession returns the overlay entries for a session, or nil when no
// overlay exists.
func (s *Store) GetForSession(sessionID string) []*journal.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overlays[sessionID]
	if !ok {
		return nil
	}
	out := make([]*journal.Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// GetForProject returns all overlays belonging to a project.
func (s *Store) GetForProject(projectID string) []SessionEntries {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SessionEntries
	for sessionID, o := range s.overlays {
		if o.projectID != projectID {
			continue
		}
		entries := make([]*journal.Entry, len(o.entries))
		copy(entries, o.entries)
		out = append(out, SessionEntries{SessionID: sessionID, Entries: entries})
	}
	return out
}

// Delete removes the overlay for a session. Missing overlays are a no-op.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overlays, sessionID)
}
