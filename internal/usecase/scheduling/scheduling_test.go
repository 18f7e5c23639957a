package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statemux/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMux struct {
	mu       sync.Mutex
	states   map[string]bool
	switches []string
	err      error
}

func newFakeMux(names ...string) *fakeMux {
	m := &fakeMux{states: make(map[string]bool)}
	for _, n := range names {
		m.states[n] = true
	}
	return m
}

func (m *fakeMux) SwitchTo(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches = append(m.switches, name)
	return m.err
}

func (m *fakeMux) HasState(name string) bool { return m.states[name] }

func (m *fakeMux) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.switches {
		if s == name {
			n++
		}
	}
	return n
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newFakeMux("a"), newTestLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerSwitchFires(t *testing.T) {
	m := newFakeMux("uart", "spi")
	s := NewScheduler(m, newTestLogger())
	if err := s.AddTask(Task{Name: "to-spi", Schedule: "50ms", State: "spi"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := m.count("spi"); c < 1 {
		t.Errorf("switched to spi %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownState(t *testing.T) {
	s := NewScheduler(newFakeMux("a"), newTestLogger())
	err := s.AddTask(Task{Name: "bad", Schedule: "1m", State: "zzz"})
	if !errors.Is(err, domain.ErrUnknownState) {
		t.Errorf("err = %v, want ErrUnknownState", err)
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newFakeMux("a"), newTestLogger())
	err := s.AddTask(Task{Name: "bad", Schedule: "not-valid", State: "a"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeScheduleInvalid {
		t.Errorf("code = %s, want %s", code, domain.CodeScheduleInvalid)
	}
}

func TestSchedulerDuplicateName(t *testing.T) {
	s := NewScheduler(newFakeMux("a"), newTestLogger())
	if err := s.AddTask(Task{Name: "t", Schedule: "1m", State: "a"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(Task{Name: "t", Schedule: "2m", State: "a"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestSchedulerSwitchErrorDoesNotStop(t *testing.T) {
	m := newFakeMux("a")
	m.err = errors.New("overlay failed")
	s := NewScheduler(m, newTestLogger())
	s.AddTask(Task{Name: "flaky", Schedule: "50ms", State: "a"})

	s.Start(context.Background())
	time.Sleep(250 * time.Millisecond)
	s.Stop()

	if c := m.count("a"); c < 2 {
		t.Errorf("fired %d times, failures should not stop the schedule", c)
	}
}

func TestSchedulerOneShot(t *testing.T) {
	m := newFakeMux("a")
	s := NewScheduler(m, newTestLogger())
	s.AddTask(Task{Name: "once", Schedule: "50ms", State: "a", OneShot: true})

	s.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	s.Stop()

	if c := m.count("a"); c != 1 {
		t.Errorf("one-shot fired %d times, want 1", c)
	}
	if n := len(s.Tasks()); n != 0 {
		t.Errorf("one-shot task still listed (%d entries)", n)
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newFakeMux(), newTestLogger())
	s.AddJob("job", "50ms", func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	cancel()
	s.Stop()

	before := count.Load()
	time.Sleep(150 * time.Millisecond)
	if after := count.Load(); after != before {
		t.Errorf("job ran after stop: %d -> %d", before, after)
	}
}

func TestSchedulerAddJobAndRemove(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newFakeMux("a"), newTestLogger())
	if err := s.AddJob("prune", "@daily", func(context.Context) error {
		count.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.AddTask(Task{Name: "a-hourly", Schedule: "@hourly", State: "a"})

	s.Start(context.Background())
	defer s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "a-hourly" || tasks[1].Name != "prune" {
		t.Fatalf("Tasks = %+v", tasks)
	}
	if tasks[0].State != "a" || tasks[1].State != "" {
		t.Errorf("states = %q, %q", tasks[0].State, tasks[1].State)
	}
	if tasks[0].Next.IsZero() {
		t.Error("next run should be set once started")
	}

	if err := s.RemoveTask("prune"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if len(s.Tasks()) != 1 {
		t.Errorf("Tasks after remove = %+v", s.Tasks())
	}
	err := s.RemoveTask("prune")
	if !errors.Is(err, domain.ErrNotFound) || domain.ErrorCodeOf(err) != domain.CodeScheduleNotFound {
		t.Errorf("second remove err = %v", err)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newFakeMux(), newTestLogger())
	s.Start(context.Background())
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newFakeMux(), newTestLogger())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 6 * * 1-5", "@daily", "@every 1h", "30m", "10ms"}
	for _, sched := range valid {
		if _, err := ParseSchedule(sched); err != nil {
			t.Errorf("ParseSchedule(%q): %v", sched, err)
		}
	}
	invalid := []string{"", "not-a-schedule", "-5m", "0s", "* * *"}
	for _, sched := range invalid {
		if _, err := ParseSchedule(sched); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", sched)
		}
	}
}

func TestConstantDelay(t *testing.T) {
	sched, err := ParseSchedule("30m")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if next := sched.Next(now); !next.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("Next = %v", next)
	}
}
