// Package repository reads session journals from disk, merges them with the
// virtual conversation overlay and derives session metadata.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session/virtual"
)

// ErrSessionNotFound indicates neither a journal file nor an overlay exists.
var ErrSessionNotFound = errors.New("session not found")

// DefaultPageSize is the session page size for list queries.
const DefaultPageSize = 20

// Project is a journal project directory decoded back to its filesystem path.
type Project struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// Session is a journal file plus derived metadata. Conversations is populated
// by GetSession only.
type Session struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"projectId"`
	LastModifiedAt time.Time        `json:"lastModifiedAt"`
	Meta           SessionMeta      `json:"meta"`
	Conversations  []*journal.Entry `json:"conversations,omitempty"`
}

// SessionPage is one page of a session list query.
type SessionPage struct {
	Sessions   []*Session `json:"sessions"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Repository is the read side for sessions. Journal files are read-only to
// the whole application; the agent subprocess is their single writer.
type Repository struct {
	projectsDir string
	virtual     *virtual.Store
	logger      *logger.Logger

	metaCache *gocache.Cache
	firstMsg  *firstMessageCache
	sub       bus.Subscription
}

// NewRepository creates a session repository rooted at the agent's projects
// directory. Metadata is cached in memory and invalidated by sessionChanged
// events; first-user-message lookups are additionally persisted under dataDir.
func NewRepository(projectsDir, dataDir string, vstore *virtual.Store, eventBus bus.EventBus, log *logger.Logger) (*Repository, error) {
	firstMsg, err := openFirstMessageCache(filepath.Join(dataDir, "first-user-message-cache"))
	if err != nil {
		return nil, err
	}

	r := &Repository{
		projectsDir: projectsDir,
		virtual:     vstore,
		logger:      log.WithFields(zap.String("component", "session-repository")),
		metaCache:   gocache.New(5*time.Minute, 10*time.Minute),
		firstMsg:    firstMsg,
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.SessionChanged, func(ctx context.Context, ev *bus.Event) error {
			if payload, ok := ev.Data.(*events.SessionChangedPayload); ok {
				r.InvalidateSession(payload.ProjectID, payload.SessionID)
			}
			return nil
		})
		if err != nil {
			firstMsg.Close()
			return nil, fmt.Errorf("failed to subscribe to session changes: %w", err)
		}
		r.sub = sub
	}
	return r, nil
}

// Close detaches the bus subscription and closes the persistent cache.
func (r *Repository) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.firstMsg.Close()
}

// InvalidateSession drops cached metadata for a session.
func (r *Repository) InvalidateSession(projectID, sessionID string) {
	r.metaCache.Delete(metaKey(projectID, sessionID))
	path := project.JournalPath(r.projectsDir, projectID, sessionID)
	if err := r.firstMsg.Invalidate(path); err != nil {
		r.logger.Warn("failed to invalidate first-message cache", zap.Error(err))
	}
}

// ListProjects enumerates the project directories under the journal root.
func (r *Repository) ListProjects() ([]Project, error) {
	dirEntries, err := os.ReadDir(r.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read projects directory: %w", err)
	}

	var projects []Project
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		path := project.Decode(de.Name())
		projects = append(projects, Project{
			ID:   de.Name(),
			Path: path,
			Name: filepath.Base(path),
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// GetSession reads one session: on-disk entries merged with the virtual
// overlay, plus derived metadata. Returns ErrSessionNotFound when neither
// a journal file nor an overlay exists.
func (r *Repository) GetSession(projectID, sessionID string) (*Session, error) {
	path := project.JournalPath(r.projectsDir, projectID, sessionID)

	diskEntries, lastModified, err := r.readJournal(path)
	if err != nil {
		return nil, err
	}
	overlay := r.virtual.GetForSession(sessionID)
	if diskEntries == nil && overlay == nil {
		return nil, ErrSessionNotFound
	}
	if lastModified.IsZero() {
		lastModified = time.Now().UTC()
	}

	merged := mergeOverlay(diskEntries, overlay)
	meta := r.metaFor(projectID, sessionID, path, lastModified, merged)

	return &Session{
		ID:             sessionID,
		ProjectID:      projectID,
		LastModifiedAt: lastModified,
		Meta:           meta,
		Conversations:  merged,
	}, nil
}

// GetSessions lists a project's sessions sorted by lastModifiedAt descending,
// paginated by a cursor naming the last session of the previous page.
func (r *Repository) GetSessions(projectID, cursor string, maxCount int) (*SessionPage, error) {
	if maxCount <= 0 {
		maxCount = DefaultPageSize
	}

	type listed struct {
		id           string
		path         string
		lastModified time.Time
		overlayOnly  bool
	}
	byID := make(map[string]*listed)

	dir := project.ProjectDir(r.projectsDir, projectID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read project directory: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		byID[id] = &listed{id: id, path: filepath.Join(dir, name), lastModified: info.ModTime()}
	}

	// Sessions that exist only as overlays sort to the top: they were
	// created just now by a user turn.
	for _, se := range r.virtual.GetForProject(projectID) {
		if _, onDisk := byID[se.SessionID]; !onDisk {
			byID[se.SessionID] = &listed{id: se.SessionID, lastModified: time.Now().UTC(), overlayOnly: true}
		}
	}

	all := make([]*listed, 0, len(byID))
	for _, l := range byID {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].lastModified.Equal(all[j].lastModified) {
			return all[i].lastModified.After(all[j].lastModified)
		}
		return all[i].id < all[j].id
	})

	start := 0
	if cursor != "" {
		for i, l := range all {
			if l.id == cursor {
				start = i + 1
				break
			}
		}
	}

	candidates := all[start:]
	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	// Journal reads dominate list latency; read the page in parallel. An
	// unreadable journal is logged and leaves a hole rather than failing the
	// whole page.
	loaded := make([]*Session, len(candidates))
	var g errgroup.Group
	g.SetLimit(8)
	for i, l := range candidates {
		i, l := i, l
		g.Go(func() error {
			var entries []*journal.Entry
			if l.overlayOnly {
				entries = r.virtual.GetForSession(l.id)
			} else {
				diskEntries, _, err := r.readJournal(l.path)
				if err != nil {
					r.logger.Warn("failed to read journal",
						zap.String("path", l.path), zap.Error(err))
					return nil
				}
				entries = mergeOverlay(diskEntries, r.virtual.GetForSession(l.id))
			}
			loaded[i] = &Session{
				ID:             l.id,
				ProjectID:      projectID,
				LastModifiedAt: l.lastModified,
				Meta:           r.metaFor(projectID, l.id, l.path, l.lastModified, entries),
			}
			return nil
		})
	}
	_ = g.Wait()

	page := &SessionPage{}
	for _, s := range loaded {
		if s != nil {
			page.Sessions = append(page.Sessions, s)
		}
	}
	if len(candidates) > 0 && start+len(candidates) < len(all) {
		page.NextCursor = candidates[len(candidates)-1].id
	}
	return page, nil
}

// readJournal returns nil entries (no error) when the file does not exist.
func (r *Repository) readJournal(path string) ([]*journal.Entry, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("failed to stat journal: %w", err)
	}
	entries, err := journal.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return entries, info.ModTime(), nil
}

// mergeOverlay appends overlay entries after on-disk entries. If the merged
// view has a summary referencing a later leaf, the journal is inconsistent
// with the overlay and the journal stands alone for this read.
func mergeOverlay(disk, overlay []*journal.Entry) []*journal.Entry {
	if len(overlay) == 0 {
		return disk
	}
	merged := make([]*journal.Entry, 0, len(disk)+len(overlay))
	merged = append(merged, disk...)
	merged = append(merged, overlay...)
	if journal.HasBrokenSummary(merged) {
		return disk
	}
	return merged
}

func (r *Repository) metaFor(projectID, sessionID, path string, lastModified time.Time, entries []*journal.Entry) SessionMeta {
	key := metaKey(projectID, sessionID)
	if cached, ok := r.metaCache.Get(key); ok {
		return cached.(SessionMeta)
	}

	agentEntries := r.agentEntries(projectID, sessionID)
	meta := computeMeta(entries, agentEntries)

	// First-user-message lookups additionally go through the persistent
	// cache so list rendering survives restarts without reparsing.
	if path != "" && !lastModified.IsZero() {
		mtime := lastModified.UnixNano()
		if cached, ok := r.firstMsg.Get(path, mtime); ok {
			meta.FirstUserMessage = cached
		} else if meta.FirstUserMessage != "" {
			if err := r.firstMsg.Put(path, mtime, meta.FirstUserMessage); err != nil {
				r.logger.Warn("failed to persist first-message cache", zap.Error(err))
			}
		}
	}

	r.metaCache.Set(key, meta, gocache.DefaultExpiration)
	return meta
}

// agentEntries parses the agent-*.jsonl side channels that belong to the
// session (their entries carry the parent session id).
func (r *Repository) agentEntries(projectID, sessionID string) []*journal.Entry {
	dir := project.ProjectDir(r.projectsDir, projectID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []*journal.Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "agent-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		entries, err := journal.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.SessionID == sessionID {
				out = append(out, e)
			}
		}
	}
	return out
}

func metaKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}
