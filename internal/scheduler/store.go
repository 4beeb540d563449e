package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const configFileName = "scheduler.json"

type jobsFile struct {
	Jobs []Job `json:"jobs"`
}

// Store persists scheduler jobs as a single JSON file with one writer.
// Missing files read as empty; corrupt files are overwritten with an empty
// config rather than crashing.
type Store struct {
	path   string
	logger *logger.Logger

	mu sync.Mutex
}

// NewStore creates a job store under the given config directory.
func NewStore(configDir string, log *logger.Logger) *Store {
	return &Store{
		path:   filepath.Join(configDir, configFileName),
		logger: log.WithFields(zap.String("component", "scheduler-store")),
	}
}

// Load reads all persisted jobs.
func (s *Store) Load() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Mutate applies fn to the persisted job list under the writer lock.
func (s *Store) Mutate(fn func(jobs []Job) ([]Job, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.loadLocked())
	if err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *Store) loadLocked() []Job {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read scheduler config", zap.Error(err))
		}
		return nil
	}

	var f jobsFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Error("scheduler config corrupt, resetting", zap.Error(err))
		if werr := s.saveLocked(nil); werr != nil {
			s.logger.Error("failed to reset scheduler config", zap.Error(werr))
		}
		return nil
	}
	return f.Jobs
}

func (s *Store) saveLocked(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.MarshalIndent(jobsFile{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scheduler config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scheduler config: %w", err)
	}
	return os.Rename(tmp, s.path)
}
