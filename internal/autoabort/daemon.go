// Package autoabort periodically aborts paused session processes whose
// journal has been idle past the configured threshold.
package autoabort

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session/registry"
)

// DefaultInterval is how often the daemon scans for idle processes.
const DefaultInterval = 5 * time.Minute

// ProcessLister lists live session processes.
type ProcessLister interface {
	List() []*registry.Process
}

// Aborter hard-aborts a session process.
type Aborter interface {
	AbortTask(processID string)
}

// Daemon scans paused processes and aborts the ones idle past the threshold.
type Daemon struct {
	processes   ProcessLister
	aborter     Aborter
	projectsDir string
	threshold   time.Duration
	interval    time.Duration
	logger      *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDaemon creates the auto-abort daemon. threshold is the user-configured
// idle duration after which a paused session is considered abandoned.
func NewDaemon(processes ProcessLister, aborter Aborter, projectsDir string, threshold time.Duration, log *logger.Logger) *Daemon {
	return &Daemon{
		processes:   processes,
		aborter:     aborter,
		projectsDir: projectsDir,
		threshold:   threshold,
		interval:    DefaultInterval,
		logger:      log.WithFields(zap.String("component", "auto-abort")),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic scan.
func (d *Daemon) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
	d.logger.Info("auto-abort daemon started", zap.Duration("threshold", d.threshold))
}

// Stop ends the scan loop.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// sweep aborts every paused process whose journal file has not been modified
// for longer than the threshold. Per-process errors never stop the loop.
func (d *Daemon) sweep() {
	now := time.Now()
	for _, proc := range d.processes.List() {
		if proc.State.Tag() != registry.TagPaused {
			continue
		}
		sessionID := proc.SessionID()
		if sessionID == "" {
			continue
		}

		path := project.JournalPath(d.projectsDir, proc.ProjectID, sessionID)
		info, err := os.Stat(path)
		if err != nil {
			d.logger.Warn("failed to stat journal for idle check",
				zap.String("process_id", proc.ID), zap.Error(err))
			continue
		}

		idle := now.Sub(info.ModTime())
		if idle <= d.threshold {
			continue
		}
		d.logger.Info("aborting idle session process",
			zap.String("process_id", proc.ID),
			zap.String("session_id", sessionID),
			zap.Duration("idle", idle))
		d.aborter.AbortTask(proc.ID)
	}
}
