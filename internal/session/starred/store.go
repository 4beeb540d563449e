// Package starred persists the user's starred session list.
package starred

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

type fileFormat struct {
	Sessions []Entry `json:"sessions"`
}

// Entry identifies one starred session.
type Entry struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// Store is the single writer for <dataDir>/starred.json. A missing or corrupt
// file reads as empty.
type Store struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	entries map[Entry]struct{}
	loaded  bool
}

// NewStore creates a starred session store under dataDir.
func NewStore(dataDir string, log *logger.Logger) *Store {
	return &Store{
		path:   filepath.Join(dataDir, "starred.json"),
		logger: log.WithFields(zap.String("component", "starred-store")),
	}
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.entries = make(map[Entry]struct{})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read starred sessions", zap.Error(err))
		}
		return
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		s.logger.Warn("starred sessions file corrupt, resetting", zap.Error(err))
		return
	}
	for _, e := range ff.Sessions {
		s.entries[e] = struct{}{}
	}
}

func (s *Store) saveLocked() error {
	entries := make([]Entry, 0, len(s.entries))
	for e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ProjectID != entries[j].ProjectID {
			return entries[i].ProjectID < entries[j].ProjectID
		}
		return entries[i].SessionID < entries[j].SessionID
	})

	data, err := json.MarshalIndent(fileFormat{Sessions: entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Star marks a session. Idempotent.
func (s *Store) Star(projectID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.entries[Entry{ProjectID: projectID, SessionID: sessionID}] = struct{}{}
	return s.saveLocked()
}

// Unstar removes a session. Idempotent.
func (s *Store) Unstar(projectID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	delete(s.entries, Entry{ProjectID: projectID, SessionID: sessionID})
	return s.saveLocked()
}

// IsStarred reports whether a session is starred.
func (s *Store) IsStarred(projectID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	_, ok := s.entries[Entry{ProjectID: projectID, SessionID: sessionID}]
	return ok
}

// List returns all starred sessions, optionally filtered by project.
func (s *Store) List(projectID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	entries := make([]Entry, 0, len(s.entries))
	for e := range s.entries {
		if projectID == "" || e.ProjectID == projectID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ProjectID != entries[j].ProjectID {
			return entries[i].ProjectID < entries[j].ProjectID
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	return entries
}
