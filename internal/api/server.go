// Package api exposes the HTTP surface: project and session reads, session
// process control, scheduler CRUD, permission responses and the SSE stream.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session/lifecycle"
	"github.com/agentdeck/agentdeck/internal/session/permission"
	"github.com/agentdeck/agentdeck/internal/session/repository"
	"github.com/agentdeck/agentdeck/internal/session/starred"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// TaskController drives session subprocesses. Implemented by the lifecycle
// coordinator.
type TaskController interface {
	StartTask(ctx context.Context, params lifecycle.StartParams) (*lifecycle.StartResult, error)
	ContinueTask(ctx context.Context, processID, baseSessionID string, input claudecode.UserInput) error
	StopTask(processID string)
	AbortTask(processID string)
}

// ProcessLister projects live session processes for the UI.
type ProcessLister interface {
	PublicSnapshots() []events.SessionProcessSnapshot
}

// JobService is the scheduler CRUD surface.
type JobService interface {
	List() []scheduler.Job
	Add(job scheduler.Job) (scheduler.Job, error)
	Update(job scheduler.Job) error
	Delete(jobID string) error
}

// PermissionService answers pending tool-use requests.
type PermissionService interface {
	Pending() []permission.Request
	Respond(requestID string, d permission.Decision) error
}

// Deps collects the collaborators the HTTP layer exposes.
type Deps struct {
	Repository  *repository.Repository
	Starred     *starred.Store
	Controller  TaskController
	Processes   ProcessLister
	Scheduler   JobService
	Permissions PermissionService
	Events      http.Handler // SSE gateway

	// DefaultPermissionMode applies when a start request carries no override.
	DefaultPermissionMode string
}

// Server is the HTTP server for the Agentdeck API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer builds the router. The password from cfg guards every /api route;
// an empty password disables auth (local single-user setups).
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	serverLog := log.WithFields(zap.String("component", "api"))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(serverLog, "api"))
	engine.Use(httpmw.OtelTracing("api"))

	h := &handlers{
		repo:                  deps.Repository,
		starred:               deps.Starred,
		controller:            deps.Controller,
		processes:             deps.Processes,
		scheduler:             deps.Scheduler,
		permissions:           deps.Permissions,
		defaultPermissionMode: deps.DefaultPermissionMode,
		logger:                serverLog,
	}

	api := engine.Group("/api")
	api.Use(authMiddleware(cfg.Password))
	{
		api.GET("/projects", h.listProjects)
		api.GET("/projects/:projectId", h.listSessions)
		api.GET("/projects/:projectId/sessions/:sessionId", h.getSession)
		api.POST("/projects/:projectId/sessions", h.startSession)
		api.POST("/projects/:projectId/sessions/:sessionId/continue", h.continueSession)
		api.PUT("/projects/:projectId/sessions/:sessionId/star", h.starSession)
		api.DELETE("/projects/:projectId/sessions/:sessionId/star", h.unstarSession)

		api.GET("/sessionProcesses", h.listProcesses)
		api.POST("/sessionProcesses/:id/stop", h.stopProcess)
		api.POST("/sessionProcesses/:id/abort", h.abortProcess)

		api.GET("/scheduler/jobs", h.listJobs)
		api.POST("/scheduler/jobs", h.addJob)
		api.PATCH("/scheduler/jobs/:id", h.updateJob)
		api.DELETE("/scheduler/jobs/:id", h.deleteJob)

		api.GET("/permissions", h.listPermissions)
		api.POST("/permissions/:requestId/respond", h.respondPermission)

		if deps.Events != nil {
			api.GET("/events", gin.WrapH(deps.Events))
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		engine: engine,
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     engine,
			ReadTimeout: cfg.ReadTimeoutDuration(),
			// WriteTimeout stays at cfg's value; zero keeps SSE streams open.
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: serverLog,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in the background. Returns once the listener is up or
// failed.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("addr", s.httpServer.Addr))
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("API server stopping")
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware accepts the password as a bearer token or as a ?token= query
// parameter (the EventSource API cannot set headers).
func authMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") == "Bearer "+password || c.Query("token") == password {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
