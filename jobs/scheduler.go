// Package jobs runs the recurring background jobs modules register while
// booting.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modhost"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidSchedule = errors.New("invalid cron expression")
	ErrJobNameEmpty    = errors.New("job name cannot be empty")
	ErrJobFuncNil      = errors.New("job function cannot be nil")
)

// JobFunc is the work of a job.
type JobFunc func(ctx context.Context) error

// JobStatus is the state of a job after its most recent run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job describes a registered job.
type Job struct {
	ID        string    `json:"id"`
	Module    string    `json:"module"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
}

type entry struct {
	job     Job
	fn      JobFunc
	cronID  cron.EntryID
	running bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger modhost.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// Scheduler runs recurring jobs grouped by the module that owns them.
type Scheduler struct {
	logger   modhost.Logger
	location *time.Location
	cron     *cron.Cron

	mu       sync.Mutex
	jobs     map[string]*entry
	byModule map[string][]string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

var _ modhost.JobScheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler. Jobs may be registered before Start.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:   modhost.NopLogger(),
		location: time.Local,
		jobs:     make(map[string]*entry),
		byModule: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLocation(s.location), cron.WithLogger(cronLogger{s.logger}))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins firing schedules. Jobs run with a context derived from ctx
// that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("Starting scheduler", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing schedules, cancels running jobs and waits for them to
// return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	cronCtx := s.cron.Stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler shutdown timed out")
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// ScheduleRecurring registers fn for module under a standard five-field
// cron expression or a descriptor like "@hourly".
func (s *Scheduler) ScheduleRecurring(module, name, spec string, fn func(ctx context.Context) error) (string, error) {
	if name == "" {
		return "", ErrJobNameEmpty
	}
	if fn == nil {
		return "", ErrJobFuncNil
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}

	now := timecache.CachedTime()
	e := &entry{
		job: Job{
			ID:        uuid.New().String(),
			Module:    module,
			Name:      name,
			Schedule:  spec,
			Status:    JobStatusPending,
			CreatedAt: now,
			NextRun:   schedule.Next(now.In(s.location)),
		},
		fn: fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := e.job.ID
	e.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(id) }))
	s.jobs[id] = e
	s.byModule[module] = append(s.byModule[module], id)

	s.logger.Debug("Scheduled job", "module", module, "name", name, "id", id, "schedule", spec)
	return id, nil
}

// StopModule removes every job of module. Runs already in progress finish.
func (s *Scheduler) StopModule(module string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byModule[module]
	for _, id := range ids {
		if e, ok := s.jobs[id]; ok {
			s.cron.Remove(e.cronID)
			delete(s.jobs, id)
		}
	}
	delete(s.byModule, module)
	if len(ids) > 0 {
		s.logger.Info("Stopped module jobs", "module", module, "jobs", len(ids))
	}
	return len(ids)
}

// Jobs returns the jobs of module, or of every module when module is
// empty, ordered by module and name.
func (s *Scheduler) Jobs(module string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, e := range s.jobs {
		if module == "" || e.job.Module == module {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.run(id)
}

// run executes one job. A run that overlaps the previous one is skipped.
func (s *Scheduler) run(id string) (err error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if e.running {
		module, name := e.job.Module, e.job.Name
		s.mu.Unlock()
		s.logger.Warn("Skipping job run, previous run still in progress", "module", module, "name", name)
		return nil
	}
	e.running = true
	e.job.Status = JobStatusRunning
	fn, job, ctx := e.fn, e.job, s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		s.finish(id, err)
	}()

	s.logger.Debug("Executing job", "module", job.Module, "name", job.Name, "id", id)
	return fn(ctx)
}

func (s *Scheduler) finish(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return
	}
	now := timecache.CachedTime()
	e.running = false
	e.job.Runs++
	e.job.LastRun = now
	if entry := s.cron.Entry(e.cronID); entry.Valid() {
		e.job.NextRun = entry.Next
	}
	if err != nil {
		e.job.Status = JobStatusFailed
		e.job.LastError = err.Error()
		s.logger.Error("Job execution failed", "module", e.job.Module, "name", e.job.Name, "id", id, "error", err)
		return
	}
	e.job.Status = JobStatusCompleted
	e.job.LastError = ""
}

// cronLogger adapts a modhost.Logger to the cron logging interface.
type cronLogger struct{ logger modhost.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
