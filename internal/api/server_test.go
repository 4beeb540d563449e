package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session/lifecycle"
	"github.com/agentdeck/agentdeck/internal/session/permission"
	"github.com/agentdeck/agentdeck/internal/session/registry"
	"github.com/agentdeck/agentdeck/internal/session/repository"
	"github.com/agentdeck/agentdeck/internal/session/starred"
	"github.com/agentdeck/agentdeck/internal/session/virtual"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

type fakeController struct {
	startErr    error
	continueErr error
	startCalls  []lifecycle.StartParams
	stopped     []string
	aborted     []string
	sessionID   string
}

func (f *fakeController) StartTask(ctx context.Context, params lifecycle.StartParams) (*lifecycle.StartResult, error) {
	f.startCalls = append(f.startCalls, params)
	if f.startErr != nil {
		return nil, f.startErr
	}
	initCh := make(chan lifecycle.InitOutcome, 1)
	initCh <- lifecycle.InitOutcome{SessionID: f.sessionID}
	fileCh := make(chan error, 1)
	fileCh <- nil
	return &lifecycle.StartResult{ProcessID: "sp-1", SessionInitialized: initCh, SessionFileCreated: fileCh}, nil
}

func (f *fakeController) ContinueTask(ctx context.Context, processID, baseSessionID string, input claudecode.UserInput) error {
	return f.continueErr
}

func (f *fakeController) StopTask(processID string)  { f.stopped = append(f.stopped, processID) }
func (f *fakeController) AbortTask(processID string) { f.aborted = append(f.aborted, processID) }

type fakeProcesses struct {
	snapshots []events.SessionProcessSnapshot
}

func (f *fakeProcesses) PublicSnapshots() []events.SessionProcessSnapshot { return f.snapshots }

type fakeJobs struct {
	jobs      []scheduler.Job
	addErr    error
	updateErr error
	deleteErr error
}

func (f *fakeJobs) List() []scheduler.Job { return f.jobs }
func (f *fakeJobs) Add(job scheduler.Job) (scheduler.Job, error) {
	if f.addErr != nil {
		return scheduler.Job{}, f.addErr
	}
	job.ID = "job-1"
	return job, nil
}
func (f *fakeJobs) Update(job scheduler.Job) error { return f.updateErr }
func (f *fakeJobs) Delete(jobID string) error      { return f.deleteErr }

type fakePermissions struct {
	pending    []permission.Request
	respondErr error
	responded  map[string]permission.Decision
}

func (f *fakePermissions) Pending() []permission.Request { return f.pending }
func (f *fakePermissions) Respond(requestID string, d permission.Decision) error {
	if f.respondErr != nil {
		return f.respondErr
	}
	if f.responded == nil {
		f.responded = make(map[string]permission.Decision)
	}
	f.responded[requestID] = d
	return nil
}

type apiFixture struct {
	server      *Server
	projectsDir string
	controller  *fakeController
	jobs        *fakeJobs
	permissions *fakePermissions
	starred     *starred.Store
}

func newFixture(t *testing.T, password string) *apiFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	projectsDir := t.TempDir()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	vstore := virtual.NewStore()
	repo, err := repository.NewRepository(projectsDir, t.TempDir(), vstore, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	controller := &fakeController{sessionID: "SESSION-1"}
	jobs := &fakeJobs{}
	perms := &fakePermissions{}
	star := starred.NewStore(t.TempDir(), log)

	server := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 3400, Password: password}, Deps{
		Repository:            repo,
		Starred:               star,
		Controller:            controller,
		Processes:             &fakeProcesses{snapshots: []events.SessionProcessSnapshot{}},
		Scheduler:             jobs,
		Permissions:           perms,
		DefaultPermissionMode: "default",
	}, log)

	return &apiFixture{
		server:      server,
		projectsDir: projectsDir,
		controller:  controller,
		jobs:        jobs,
		permissions: perms,
		starred:     star,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestAuth_RejectsWithoutPassword(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_AcceptsBearerAndQueryToken(t *testing.T) {
	f := newFixture(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/projects?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListProjects(t *testing.T) {
	f := newFixture(t, "")
	projectID := project.Encode("/work/demo")
	require.NoError(t, os.MkdirAll(project.ProjectDir(f.projectsDir, projectID), 0o755))

	rec := f.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["projects"], 1)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/projects/-work-demo/sessions/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSession_Returns201WithSessionID(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions", startSessionRequest{
		Input: claudecode.UserInput{Text: "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	sp := body["sessionProcess"].(map[string]any)
	assert.Equal(t, "sp-1", sp["id"])
	assert.Equal(t, "-work-demo", sp["projectId"])
	assert.Equal(t, "SESSION-1", sp["sessionId"])

	require.Len(t, f.controller.startCalls, 1)
	assert.Equal(t, "/work/demo", f.controller.startCalls[0].ProjectCwd)
	assert.Equal(t, "default", f.controller.startCalls[0].PermissionMode)
}

func TestStartSession_PermissionModeOverride(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions", startSessionRequest{
		Input:                  claudecode.UserInput{Text: "hello"},
		PermissionModeOverride: "plan",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "plan", f.controller.startCalls[0].PermissionMode)
}

func TestStartSession_EmptyInputRejected(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions", startSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContinueSession_OK(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions/S1/continue", continueSessionRequest{
		Input:            claudecode.UserInput{Text: "more"},
		SessionProcessID: "sp-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContinueSession_FallsBackToStart(t *testing.T) {
	f := newFixture(t, "")
	f.controller.continueErr = registry.ErrProcessNotFound

	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions/S1/continue", continueSessionRequest{
		Input:            claudecode.UserInput{Text: "more"},
		SessionProcessID: "sp-gone",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "fallback starts a fresh process")
	require.Len(t, f.controller.startCalls, 1)
	assert.Equal(t, "S1", f.controller.startCalls[0].BaseSessionID, "fresh process resumes the session")
}

func TestContinueSession_NotPausedConflict(t *testing.T) {
	f := newFixture(t, "")
	f.controller.continueErr = &registry.SessionProcessNotPausedError{ProcessID: "sp-1"}

	rec := f.do(t, http.MethodPost, "/api/projects/-work-demo/sessions/S1/continue", continueSessionRequest{
		Input:            claudecode.UserInput{Text: "more"},
		SessionProcessID: "sp-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStopAndAbortAreIdempotent(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/sessionProcesses/sp-unknown/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/sessionProcesses/sp-unknown/abort", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"sp-unknown"}, f.controller.stopped)
	assert.Equal(t, []string{"sp-unknown"}, f.controller.aborted)
}

func TestSchedulerJobs_AddInvalidCron(t *testing.T) {
	f := newFixture(t, "")
	f.jobs.addErr = scheduler.ErrInvalidCron

	rec := f.do(t, http.MethodPost, "/api/scheduler/jobs", scheduler.Job{Name: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerJobs_UpdateUnknown(t *testing.T) {
	f := newFixture(t, "")
	f.jobs.updateErr = &scheduler.JobNotFoundError{ID: "nope"}

	rec := f.do(t, http.MethodPatch, "/api/scheduler/jobs/nope", scheduler.Job{Name: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerJobs_DeleteUnknown(t *testing.T) {
	f := newFixture(t, "")
	f.jobs.deleteErr = &scheduler.JobNotFoundError{ID: "nope"}

	rec := f.do(t, http.MethodDelete, "/api/scheduler/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPermissions_RespondUnknown(t *testing.T) {
	f := newFixture(t, "")
	f.permissions.respondErr = permission.ErrRequestNotFound

	rec := f.do(t, http.MethodPost, "/api/permissions/req-unknown/respond", map[string]any{"behavior": "allow"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPermissions_RespondInvalidBehavior(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/permissions/req-1/respond", map[string]any{"behavior": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissions_RespondDeny(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/permissions/req-1/respond",
		map[string]any{"behavior": "deny", "reason": "not now"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.permissions.responded["req-1"].Allow)
	assert.Equal(t, "not now", f.permissions.responded["req-1"].Reason)
}

func TestStarRoundTrip(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPut, "/api/projects/-work-demo/sessions/S1/star", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.starred.IsStarred("-work-demo", "S1"))

	rec = f.do(t, http.MethodDelete, "/api/projects/-work-demo/sessions/S1/star", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.starred.IsStarred("-work-demo", "S1"))
}
