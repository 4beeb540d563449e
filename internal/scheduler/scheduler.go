package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session/lifecycle"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// TaskStarter is the slice of the lifecycle coordinator the scheduler needs.
type TaskStarter interface {
	StartTask(ctx context.Context, params lifecycle.StartParams) (*lifecycle.StartResult, error)
	ContinueTask(ctx context.Context, processID, baseSessionID string, input claudecode.UserInput) error
}

// Scheduler owns the persisted jobs and their timer fibers.
type Scheduler struct {
	store          *Store
	starter        TaskStarter
	eventBus       bus.EventBus
	logger         *logger.Logger
	permissionMode string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  bool
	fibers   map[string]context.CancelFunc
	inflight map[string]bool
	sub      bus.Subscription
}

// NewScheduler wires the scheduler. permissionMode is the user-configured
// mode scheduled sessions start with.
func NewScheduler(store *Store, starter TaskStarter, eventBus bus.EventBus, permissionMode string, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:          store,
		starter:        starter,
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "scheduler")),
		permissionMode: permissionMode,
		baseCtx:        ctx,
		baseCancel:     cancel,
		fibers:         make(map[string]context.CancelFunc),
		inflight:       make(map[string]bool),
	}
}

// Start loads persisted jobs, drains queued jobs left over from before the
// restart, spins up cron and reserved fibers and begins watching for paused
// sessions.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs := s.store.Load()

	var leftoverQueued []Job
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if job.Schedule.Type == ScheduleQueued {
			leftoverQueued = append(leftoverQueued, job)
			continue
		}
		s.startFiber(job)
	}

	// Queued jobs found at startup: their target sessions are no longer
	// running, so queued semantics collapse to "run now" as a fresh start.
	if len(leftoverQueued) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for _, job := range leftoverQueued {
				if err := s.execute(s.baseCtx, job); err != nil {
					s.logger.Error("leftover queued job failed",
						zap.String("job_id", job.ID), zap.Error(err))
					continue
				}
				s.removeJob(job.ID)
			}
		}()
	}

	sub, err := s.eventBus.Subscribe(events.SessionProcessChanged, s.onProcessChanged)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop cancels all fibers and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// List returns all persisted jobs.
func (s *Scheduler) List() []Job {
	return s.store.Load()
}

// Add persists a new job and starts its fiber when enabled. Cron expressions
// are validated up front; the first cron fire is strictly after creation.
func (s *Scheduler) Add(job Job) (Job, error) {
	if job.Schedule.Type == ScheduleCron {
		if _, err := ParseCron(job.Schedule.Expr); err != nil {
			return Job{}, err
		}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		return append(jobs, job), nil
	})
	if err != nil {
		return Job{}, err
	}

	if job.Enabled {
		s.startFiber(job)
	}
	s.publishJobsChanged("")
	return job, nil
}

// Update replaces a job, restarting its fiber for the new state.
func (s *Scheduler) Update(job Job) error {
	if job.Schedule.Type == ScheduleCron {
		if _, err := ParseCron(job.Schedule.Expr); err != nil {
			return err
		}
	}

	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == job.ID {
				if job.CreatedAt.IsZero() {
					job.CreatedAt = jobs[i].CreatedAt
				}
				jobs[i] = job
				return jobs, nil
			}
		}
		return nil, &JobNotFoundError{ID: job.ID}
	})
	if err != nil {
		return err
	}

	s.stopFiber(job.ID)
	if job.Enabled {
		s.startFiber(job)
	}
	s.publishJobsChanged("")
	return nil
}

// Delete removes a job and stops its fiber.
func (s *Scheduler) Delete(jobID string) error {
	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == jobID {
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return nil, &JobNotFoundError{ID: jobID}
	})
	if err != nil {
		return err
	}

	s.stopFiber(jobID)
	s.publishJobsChanged(jobID)
	return nil
}

// onProcessChanged watches for sessions transitioning into paused and fires
// their queued jobs. The work is forwarded off the emitter's call path.
func (s *Scheduler) onProcessChanged(ctx context.Context, ev *bus.Event) error {
	payload, ok := ev.Data.(*events.SessionProcessChangedPayload)
	if !ok {
		return nil
	}
	changed := payload.Changed
	if changed.Status != "paused" || changed.SessionID == "" {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fireQueued(changed.SessionID, changed.ID)
	}()
	return nil
}

// fireQueued aggregates all queued jobs targeting the session into one
// follow-up message and continues the paused process with it.
func (s *Scheduler) fireQueued(sessionID, processID string) {
	var matched []Job
	for _, job := range s.store.Load() {
		if job.Enabled && job.Schedule.Type == ScheduleQueued && job.Schedule.TargetSessionID == sessionID {
			matched = append(matched, job)
		}
	}
	if len(matched) == 0 {
		return
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	input := aggregateQueued(matched)
	if err := s.starter.ContinueTask(s.baseCtx, processID, sessionID, input); err != nil {
		s.logger.Error("queued continuation failed",
			zap.String("session_id", sessionID),
			zap.String("process_id", processID),
			zap.Error(err))
	}

	// Queued jobs fire at most once.
	for _, job := range matched {
		s.removeJob(job.ID)
	}
}

func (s *Scheduler) startFiber(job Job) {
	s.mu.Lock()
	if cancel, ok := s.fibers[job.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.fibers[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		switch job.Schedule.Type {
		case ScheduleCron:
			s.runCronFiber(ctx, job)
		case ScheduleReserved:
			s.runReservedFiber(ctx, job)
		}
	}()
}

func (s *Scheduler) stopFiber(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.fibers[jobID]; ok {
		cancel()
		delete(s.fibers, jobID)
	}
}

func (s *Scheduler) runCronFiber(ctx context.Context, job Job) {
	sched, err := ParseCron(job.Schedule.Expr)
	if err != nil {
		s.logger.Error("skipping job with invalid cron expression",
			zap.String("job_id", job.ID),
			zap.String("expr", job.Schedule.Expr),
			zap.Error(err))
		return
	}

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runWithConcurrency(ctx, job)
		}
	}
}

func (s *Scheduler) runReservedFiber(ctx context.Context, job Job) {
	if job.LastRunStatus != "" {
		// A reserved job that already ran is never executed again.
		return
	}

	delay := time.Until(job.Schedule.At)
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	if err := s.execute(ctx, job); err != nil {
		s.logger.Error("reserved job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	// One-shot: gone after firing, success or not.
	s.removeJob(job.ID)
}

func (s *Scheduler) runWithConcurrency(ctx context.Context, job Job) {
	if job.Schedule.ConcurrencyPolicy == ConcurrencySkip {
		s.mu.Lock()
		if s.inflight[job.ID] {
			s.mu.Unlock()
			s.logger.Info("skipping overlapping cron run", zap.String("job_id", job.ID))
			return
		}
		s.inflight[job.ID] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.ID)
			s.mu.Unlock()
		}()
	}

	err := s.execute(ctx, job)
	status := RunSuccess
	if err != nil {
		status = RunFailed
		s.logger.Error("cron job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.recordCronRun(job.ID, status)
}

// execute starts a fresh session carrying the job's message.
func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.logger.Info("executing scheduled job",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("type", string(job.Schedule.Type)))

	_, err := s.starter.StartTask(ctx, lifecycle.StartParams{
		ProjectCwd:     project.Decode(job.Message.ProjectID),
		ProjectID:      job.Message.ProjectID,
		BaseSessionID:  job.Message.BaseSessionID,
		PermissionMode: s.permissionMode,
		Input: claudecode.UserInput{
			Text:      job.Message.Content,
			Images:    job.Message.Images,
			Documents: job.Message.Documents,
		},
	})
	return err
}

func (s *Scheduler) recordCronRun(jobID, status string) {
	now := time.Now().UTC()
	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == jobID {
				jobs[i].LastRunAt = &now
				jobs[i].LastRunStatus = status
			}
		}
		return jobs, nil
	})
	if err != nil {
		s.logger.Error("failed to record cron run", zap.String("job_id", jobID), zap.Error(err))
	}
	s.publishJobsChanged("")
}

func (s *Scheduler) removeJob(jobID string) {
	err := s.store.Mutate(func(jobs []Job) ([]Job, error) {
		out := jobs[:0]
		for _, j := range jobs {
			if j.ID != jobID {
				out = append(out, j)
			}
		}
		return out, nil
	})
	if err != nil {
		s.logger.Error("failed to remove job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.publishJobsChanged(jobID)
}

func (s *Scheduler) publishJobsChanged(deletedJobID string) {
	if s.eventBus == nil {
		return
	}
	payload := &events.SchedulerJobsChangedPayload{DeletedJobID: deletedJobID}
	event := bus.NewEvent(events.SchedulerJobsChanged, "scheduler", payload)
	if err := s.eventBus.Publish(context.Background(), events.SchedulerJobsChanged, event); err != nil {
		s.logger.Error("failed to publish jobs change", zap.Error(err))
	}
}
