// Package app assembles every component of the Agentdeck server and owns
// startup and shutdown ordering.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/autoabort"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/gateway/sse"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session/lifecycle"
	"github.com/agentdeck/agentdeck/internal/session/permission"
	"github.com/agentdeck/agentdeck/internal/session/registry"
	"github.com/agentdeck/agentdeck/internal/session/repository"
	"github.com/agentdeck/agentdeck/internal/session/starred"
	"github.com/agentdeck/agentdeck/internal/session/virtual"
	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/agentdeck/agentdeck/internal/watcher"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// heartbeatInterval keeps SSE connections alive through proxies.
const heartbeatInterval = 10 * time.Second

// App holds every wired component. Construction does not start anything;
// Start brings the system up in dependency order and Stop tears it down in
// reverse.
type App struct {
	cfg    *config.Config
	logger *logger.Logger

	eventBus    bus.EventBus
	repo        *repository.Repository
	coordinator *lifecycle.Coordinator
	watcher     *watcher.Watcher
	scheduler   *scheduler.Scheduler
	autoAbort   *autoabort.Daemon
	server      *api.Server

	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// New wires the application. The Claude CLI binary must be discoverable; the
// server refuses to start without one since every session needs it.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	executable, err := claudecode.Discover(cfg.Claude.Executable)
	if err != nil {
		return nil, fmt.Errorf("claude executable not found: %w", err)
	}
	log.Info("using claude executable", zap.String("path", executable))

	projectsDir := cfg.Claude.ProjectsDir()

	eventBus := bus.NewMemoryEventBus(log)
	vstore := virtual.NewStore()

	repo, err := repository.NewRepository(projectsDir, cfg.DataDir, vstore, eventBus, log)
	if err != nil {
		eventBus.Close()
		return nil, fmt.Errorf("failed to create session repository: %w", err)
	}

	reg := registry.NewRegistry(eventBus, log)
	mediator := permission.NewMediator(eventBus, log)
	runner := &lifecycle.ClaudeRunner{Executable: executable, Logger: log}
	coordinator := lifecycle.NewCoordinator(reg, vstore, mediator, runner, eventBus, projectsDir, log)

	w := watcher.NewWatcher(projectsDir, eventBus, log)

	schedStore := scheduler.NewStore(cfg.DataDir, log)
	sched := scheduler.NewScheduler(schedStore, coordinator, eventBus, cfg.Claude.PermissionMode, log)

	var daemon *autoabort.Daemon
	if cfg.AutoAbort.Enabled {
		daemon = autoabort.NewDaemon(reg, coordinator, projectsDir, cfg.AutoAbort.IdleThreshold(), log)
	}

	starredStore := starred.NewStore(cfg.DataDir, log)
	gateway := sse.NewGateway(eventBus, log)

	server := api.NewServer(cfg.Server, api.Deps{
		Repository:            repo,
		Starred:               starredStore,
		Controller:            coordinator,
		Processes:             reg,
		Scheduler:             sched,
		Permissions:           mediator,
		Events:                gateway,
		DefaultPermissionMode: cfg.Claude.PermissionMode,
	}, log)

	return &App{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "app")),
		eventBus:      eventBus,
		repo:          repo,
		coordinator:   coordinator,
		watcher:       w,
		scheduler:     sched,
		autoAbort:     daemon,
		server:        server,
		heartbeatStop: make(chan struct{}),
	}, nil
}

// Start brings the system up: watcher, scheduler, auto-abort, heartbeat, then
// the HTTP server last so no request arrives before its collaborators exist.
func (a *App) Start() error {
	if err := a.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if a.autoAbort != nil {
		a.autoAbort.Start()
	}
	a.startHeartbeat()

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	a.logger.Info("agentdeck started",
		zap.String("host", a.cfg.Server.Host),
		zap.Int("port", a.cfg.Server.Port))
	return nil
}

// Stop shuts everything down in reverse startup order. Each step is
// idempotent; errors are logged, never propagated past this point.
func (a *App) Stop(ctx context.Context) {
	a.logger.Info("agentdeck stopping")

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("API server shutdown error", zap.Error(err))
	}

	close(a.heartbeatStop)
	a.heartbeatWG.Wait()

	if a.autoAbort != nil {
		a.autoAbort.Stop()
	}
	a.scheduler.Stop()
	a.watcher.Stop()
	a.coordinator.Shutdown()

	if err := a.repo.Close(); err != nil {
		a.logger.Error("repository close error", zap.Error(err))
	}
	a.eventBus.Close()

	if err := tracing.Shutdown(ctx); err != nil {
		a.logger.Error("tracing shutdown error", zap.Error(err))
	}
	a.logger.Info("agentdeck stopped")
}

func (a *App) startHeartbeat() {
	a.heartbeatWG.Add(1)
	go func() {
		defer a.heartbeatWG.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.heartbeatStop:
				return
			case <-ticker.C:
				ev := bus.NewEvent(events.Heartbeat, "app", &events.HeartbeatPayload{})
				if err := a.eventBus.Publish(context.Background(), events.Heartbeat, ev); err != nil {
					a.logger.Warn("heartbeat publish failed", zap.Error(err))
				}
			}
		}
	}()
}
