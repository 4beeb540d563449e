package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session/lifecycle"
	"github.com/agentdeck/agentdeck/internal/session/registry"
	"github.com/agentdeck/agentdeck/internal/session/repository"
	"github.com/agentdeck/agentdeck/internal/session/starred"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

type handlers struct {
	repo                  *repository.Repository
	starred               *starred.Store
	controller            TaskController
	processes             ProcessLister
	scheduler             JobService
	permissions           PermissionService
	defaultPermissionMode string
	logger                *logger.Logger
}

type sessionProcessDTO struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
}

type startSessionRequest struct {
	Input                  claudecode.UserInput `json:"input"`
	BaseSessionID          string               `json:"baseSessionId,omitempty"`
	PermissionModeOverride string               `json:"permissionModeOverride,omitempty"`
}

type continueSessionRequest struct {
	Input            claudecode.UserInput `json:"input"`
	SessionProcessID string               `json:"sessionProcessId"`
}

func (h *handlers) listProjects(c *gin.Context) {
	projects, err := h.repo.ListProjects()
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *handlers) listSessions(c *gin.Context) {
	projectID := c.Param("projectId")

	maxCount := repository.DefaultPageSize
	if mc := c.Query("maxCount"); mc != "" {
		if parsed, err := strconv.Atoi(mc); err == nil && parsed > 0 && parsed <= 100 {
			maxCount = parsed
		}
	}

	page, err := h.repo.GetSessions(projectID, c.Query("cursor"), maxCount)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.String("project_id", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	path := project.Decode(projectID)
	resp := gin.H{
		"project":  repository.Project{ID: projectID, Path: path, Name: filepath.Base(path)},
		"sessions": page.Sessions,
		"starred":  h.starred.List(projectID),
	}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) getSession(c *gin.Context) {
	projectID := c.Param("projectId")
	sessionID := c.Param("sessionId")

	session, err := h.repo.GetSession(projectID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to read session",
			zap.String("project_id", projectID), zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": session,
		"starred": h.starred.IsStarred(projectID, sessionID),
	})
}

func (h *handlers) startSession(c *gin.Context) {
	projectID := c.Param("projectId")

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Input.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input.text is required"})
		return
	}

	permissionMode := h.defaultPermissionMode
	if req.PermissionModeOverride != "" {
		permissionMode = req.PermissionModeOverride
	}

	h.doStart(c, lifecycle.StartParams{
		ProjectCwd:     project.Decode(projectID),
		ProjectID:      projectID,
		BaseSessionID:  req.BaseSessionID,
		PermissionMode: permissionMode,
		Input:          req.Input,
	})
}

// doStart spawns a session process and answers 201 once the agent has
// announced its session id.
func (h *handlers) doStart(c *gin.Context, params lifecycle.StartParams) {
	res, err := h.controller.StartTask(c.Request.Context(), params)
	if err != nil {
		var alive *registry.SessionProcessAlreadyAliveError
		if errors.As(err, &alive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to start session", zap.String("project_id", params.ProjectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}

	select {
	case outcome := <-res.SessionInitialized:
		if outcome.Err != nil {
			h.logger.Error("session init failed",
				zap.String("process_id", res.ProcessID), zap.Error(outcome.Err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session failed to initialize"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sessionProcess": sessionProcessDTO{
			ID:        res.ProcessID,
			ProjectID: params.ProjectID,
			SessionID: outcome.SessionID,
		}})
	case <-c.Request.Context().Done():
		// Client gave up; the process keeps running and shows up in the list.
		c.Status(http.StatusRequestTimeout)
	}
}

func (h *handlers) continueSession(c *gin.Context) {
	projectID := c.Param("projectId")
	sessionID := c.Param("sessionId")

	var req continueSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Input.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input.text is required"})
		return
	}

	err := h.controller.ContinueTask(c.Request.Context(), req.SessionProcessID, sessionID, req.Input)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"sessionProcess": sessionProcessDTO{
			ID:        req.SessionProcessID,
			ProjectID: projectID,
			SessionID: sessionID,
		}})
		return
	}

	if errors.Is(err, registry.ErrProcessNotFound) {
		// The subprocess is gone (e.g. backend restart); resume the session
		// in a fresh process instead.
		h.doStart(c, lifecycle.StartParams{
			ProjectCwd:     project.Decode(projectID),
			ProjectID:      projectID,
			BaseSessionID:  sessionID,
			PermissionMode: h.defaultPermissionMode,
			Input:          req.Input,
		})
		return
	}

	var notPaused *registry.SessionProcessNotPausedError
	if errors.As(err, &notPaused) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("failed to continue session",
		zap.String("session_id", sessionID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to continue session"})
}

func (h *handlers) starSession(c *gin.Context) {
	if err := h.starred.Star(c.Param("projectId"), c.Param("sessionId")); err != nil {
		h.logger.Error("failed to star session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to star session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"starred": true})
}

func (h *handlers) unstarSession(c *gin.Context) {
	if err := h.starred.Unstar(c.Param("projectId"), c.Param("sessionId")); err != nil {
		h.logger.Error("failed to unstar session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unstar session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"starred": false})
}

func (h *handlers) listProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessionProcesses": h.processes.PublicSnapshots()})
}

// stopProcess gracefully ends a process. Idempotent: unknown ids still 200.
func (h *handlers) stopProcess(c *gin.Context) {
	h.controller.StopTask(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// abortProcess hard-aborts a process. Idempotent: unknown ids still 200.
func (h *handlers) abortProcess(c *gin.Context) {
	h.controller.AbortTask(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
