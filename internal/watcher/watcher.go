// Package watcher observes the agent's journal directory and turns raw
// filesystem events into debounced session change events on the bus.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// DefaultDebounce coalesces bursts of journal appends into one emission.
const DefaultDebounce = 300 * time.Millisecond

type changeKind int

const (
	kindSession changeKind = iota
	kindAgent
)

type change struct {
	kind      changeKind
	projectID string
	id        string // session id or agent session id
}

// Watcher watches <projectsDir>/<projectID>/*.jsonl recursively. Changes are
// debounced per (projectID, sessionID) with a trailing edge: any new change
// resets the timer and exactly one emission follows the last write.
type Watcher struct {
	projectsDir string
	eventBus    bus.EventBus
	logger      *logger.Logger
	debounce    time.Duration

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	stopped bool
}

// NewWatcher creates a journal directory watcher.
func NewWatcher(projectsDir string, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		projectsDir: projectsDir,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "journal-watcher")),
		debounce:    DefaultDebounce,
		stopCh:      make(chan struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// Start begins watching. A missing or unreadable directory is logged and
// leaves the watcher quiescent; it does not retry and does not fail startup.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create filesystem watcher, staying quiescent", zap.Error(err))
		return nil
	}

	if err := fsw.Add(w.projectsDir); err != nil {
		w.logger.Warn("journal directory not watchable, staying quiescent",
			zap.String("dir", w.projectsDir), zap.Error(err))
		_ = fsw.Close()
		return nil
	}

	// Watch existing project subdirectories; new ones are added as their
	// create events arrive.
	if dirEntries, err := os.ReadDir(w.projectsDir); err == nil {
		for _, de := range dirEntries {
			if de.IsDir() {
				if err := fsw.Add(filepath.Join(w.projectsDir, de.Name())); err != nil {
					w.logger.Warn("failed to watch project directory",
						zap.String("dir", de.Name()), zap.Error(err))
				}
			}
		}
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.loop()

	w.logger.Info("journal watcher started", zap.String("dir", w.projectsDir))
	return nil
}

// Stop cancels all pending debounce timers without firing them and stops the
// watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped || !w.started {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for key, timer := range w.timers {
		timer.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()

	close(w.stopCh)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("journal watcher stopped")
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New project directories join the watch set.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new project directory",
					zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	ch, ok := w.classify(event.Name)
	if !ok {
		return
	}
	w.schedule(ch)
}

// classify accepts only <projectID>/<file>.jsonl paths directly under the
// journal root, distinguishing agent side-channel files from session files.
func (w *Watcher) classify(path string) (change, bool) {
	rel, err := filepath.Rel(w.projectsDir, path)
	if err != nil {
		return change{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[0], "..") {
		return change{}, false
	}
	file := parts[1]
	if !strings.HasSuffix(file, ".jsonl") {
		return change{}, false
	}

	base := strings.TrimSuffix(file, ".jsonl")
	if agentID, isAgent := strings.CutPrefix(base, "agent-"); isAgent {
		return change{kind: kindAgent, projectID: parts[0], id: agentID}, true
	}
	return change{kind: kindSession, projectID: parts[0], id: base}, true
}

// schedule arms (or re-arms) the trailing-edge debounce timer for a change
// key. Each arming installs a fresh timer; a callback whose timer is no
// longer the installed one lost a re-arm race and must not emit.
func (w *Watcher) schedule(ch change) {
	key := string(rune('0'+int(ch.kind))) + "|" + ch.projectID + "|" + ch.id

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if old, ok := w.timers[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped || w.timers[key] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.timers, key)
		w.mu.Unlock()
		w.emit(ch)
	})
	w.timers[key] = timer
}

func (w *Watcher) emit(ch change) {
	ctx := context.Background()
	switch ch.kind {
	case kindAgent:
		payload := &events.AgentSessionChangedPayload{ProjectID: ch.projectID, AgentSessionID: ch.id}
		event := bus.NewEvent(events.AgentSessionChanged, "journal-watcher", payload)
		if err := w.eventBus.Publish(ctx, events.AgentSessionChanged, event); err != nil {
			w.logger.Error("failed to publish agent session change", zap.Error(err))
		}
	case kindSession:
		changed := bus.NewEvent(events.SessionChanged, "journal-watcher",
			&events.SessionChangedPayload{ProjectID: ch.projectID, SessionID: ch.id})
		if err := w.eventBus.Publish(ctx, events.SessionChanged, changed); err != nil {
			w.logger.Error("failed to publish session change", zap.Error(err))
		}
		listChanged := bus.NewEvent(events.SessionListChanged, "journal-watcher",
			&events.SessionListChangedPayload{ProjectID: ch.projectID})
		if err := w.eventBus.Publish(ctx, events.SessionListChanged, listChanged); err != nil {
			w.logger.Error("failed to publish session list change", zap.Error(err))
		}
	}
}
