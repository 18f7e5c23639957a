// Package scheduling switches states on a timetable. Schedules are cron
// expressions or plain durations.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"statemux/internal/domain"
)

const (
	subsystem  = "schedule"
	jobTimeout = 5 * time.Minute
)

// Switcher is the part of the multiplexer a scheduled switch needs.
type Switcher interface {
	SwitchTo(ctx context.Context, name string) error
	HasState(name string) bool
}

// Task switches to State whenever Schedule fires.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	State    string
	OneShot  bool
}

// TaskInfo describes a scheduled entry.
type TaskInfo struct {
	Name     string
	Schedule string
	State    string // empty for maintenance jobs
	Next     time.Time
}

type entry struct {
	id   cron.EntryID
	info TaskInfo
}

// Scheduler runs switch tasks and maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	mux     Switcher
	entries map[string]entry
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler driving mux.
func NewScheduler(mux Switcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		mux:     mux,
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// AddTask schedules a switch. The target state must be registered.
func (s *Scheduler) AddTask(task Task) error {
	const op = "Scheduler.AddTask"
	if task.State == "" || !s.mux.HasState(task.State) {
		return domain.NewSubSystemError(subsystem, op, domain.ErrUnknownState,
			fmt.Sprintf("task %q targets %q", task.Name, task.State))
	}
	target := task.State
	err := s.add(op, TaskInfo{Name: task.Name, Schedule: task.Schedule, State: target}, task.OneShot,
		func(ctx context.Context) error {
			return s.mux.SwitchTo(ctx, target)
		})
	if err != nil {
		return err
	}
	s.logger.Info("switch scheduled", "task", task.Name, "schedule", task.Schedule, "state", target, "one_shot", task.OneShot)
	return nil
}

// AddJob schedules an arbitrary maintenance job.
func (s *Scheduler) AddJob(name, schedule string, fn func(ctx context.Context) error) error {
	if err := s.add("Scheduler.AddJob", TaskInfo{Name: name, Schedule: schedule}, false, fn); err != nil {
		return err
	}
	s.logger.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) add(op string, info TaskInfo, oneShot bool, fn func(ctx context.Context) error) error {
	if info.Name == "" {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "name is required")
	}
	schedule, err := parseSchedule(info.Schedule)
	if err != nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("task %q: %v", info.Name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[info.Name]; dup {
		return domain.NewSubSystemError(subsystem, op, domain.ErrDuplicate, info.Name)
	}

	name := info.Name
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping task", "task", name)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
		} else {
			s.logger.Info("scheduled task completed", "task", name, "duration", time.Since(start))
		}

		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, name)
			s.mu.Unlock()
		}
	}))
	s.entries[name] = entry{id: entryID, info: info}
	return nil
}

// RemoveTask removes a task or job by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return domain.NewSubSystemError(subsystem, "Scheduler.RemoveTask", domain.ErrNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("task removed", "task", name)
	return nil
}

// Tasks lists the scheduled entries sorted by name. Next is zero until the
// scheduler has started.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := e.info
		info.Next = s.cron.Entry(e.id).Next
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule validates a schedule string.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
