package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

type fakeRestarter struct {
	mu       sync.Mutex
	restarts int
	fired    chan struct{}
}

func newFakeRestarter() *fakeRestarter {
	return &fakeRestarter{fired: make(chan struct{}, 1)}
}

func (r *fakeRestarter) Restart() {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
}

func (r *fakeRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

func newTestCoordinator(r Restarter) *Coordinator {
	c := NewCoordinator(r, logging.Default())
	c.SetTimings(200*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	return c
}

func TestShutdownRunsStepsInOrder(t *testing.T) {
	c := newTestCoordinator(newFakeRestarter())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"update-endpoint", "mqtt", "wifi"} {
		name := name
		c.AddStep(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	c.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "update-endpoint" || order[1] != "mqtt" || order[2] != "wifi" {
		t.Errorf("step order = %v", order)
	}
}

func TestShutdownSkipsAfterBudget(t *testing.T) {
	c := newTestCoordinator(newFakeRestarter())
	c.SetTimings(50*time.Millisecond, 0, 0)

	ran := make(map[string]bool)
	var mu sync.Mutex
	c.AddStep("slow", func(ctx context.Context) error {
		mu.Lock()
		ran["slow"] = true
		mu.Unlock()
		// Overruns the whole budget; honours the context like a real step.
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return ctx.Err()
	})
	c.AddStep("late", func(context.Context) error {
		mu.Lock()
		ran["late"] = true
		mu.Unlock()
		return nil
	})

	c.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if !ran["slow"] {
		t.Error("first step did not run")
	}
	if ran["late"] {
		t.Error("step ran after budget exhaustion")
	}
}

func TestShutdownAbandonsNonCooperativeStep(t *testing.T) {
	c := newTestCoordinator(newFakeRestarter())
	c.SetTimings(100*time.Millisecond, 0, 0)

	var mu sync.Mutex
	ran := make(map[string]bool)
	release := make(chan struct{})
	c.AddStep("stuck", func(context.Context) error {
		mu.Lock()
		ran["stuck"] = true
		mu.Unlock()
		// Ignores its context entirely, like a blocked external process.
		<-release
		return nil
	})
	c.AddStep("late", func(context.Context) error {
		mu.Lock()
		ran["late"] = true
		mu.Unlock()
		return nil
	})

	start := time.Now()
	c.Shutdown()
	elapsed := time.Since(start)
	close(release)

	if elapsed > time.Second {
		t.Fatalf("Shutdown() blocked %v under a 100ms budget", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ran["stuck"] {
		t.Error("first step never started")
	}
	if ran["late"] {
		t.Error("step ran after the budget was exhausted by an abandoned step")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	c := newTestCoordinator(newFakeRestarter())

	runs := 0
	c.AddStep("count", func(context.Context) error {
		runs++
		return nil
	})

	c.Shutdown()
	c.Shutdown()

	if runs != 1 {
		t.Errorf("step ran %d times, want 1", runs)
	}
}

func TestScheduleRestart(t *testing.T) {
	r := newFakeRestarter()
	c := newTestCoordinator(r)

	stepRan := make(chan struct{})
	c.AddStep("mqtt", func(context.Context) error {
		close(stepRan)
		return nil
	})

	if err := c.ScheduleRestart(); err != nil {
		t.Fatalf("ScheduleRestart() error = %v", err)
	}
	if !c.RestartPending() {
		t.Error("RestartPending() = false after scheduling")
	}

	select {
	case <-stepRan:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown step never ran")
	}
	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("restarter never fired")
	}
	if r.count() != 1 {
		t.Errorf("restarts = %d, want 1", r.count())
	}
}

func TestScheduleRestartRejectsSecond(t *testing.T) {
	r := newFakeRestarter()
	c := newTestCoordinator(r)
	c.SetTimings(200*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)

	if err := c.ScheduleRestart(); err != nil {
		t.Fatalf("first ScheduleRestart() error = %v", err)
	}
	if err := c.ScheduleRestart(); !errors.Is(err, ErrRestartPending) {
		t.Errorf("second ScheduleRestart() = %v, want ErrRestartPending", err)
	}

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("restarter never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if r.count() != 1 {
		t.Errorf("restarts = %d, want exactly 1", r.count())
	}
}

func TestScheduleRestartFromStepCallback(t *testing.T) {
	// A restart scheduled from inside a subsystem the shutdown tears down
	// must not deadlock: the sequence runs on its own goroutine.
	r := newFakeRestarter()
	c := newTestCoordinator(r)

	c.AddStep("self-referential", func(context.Context) error {
		// Simulates an MQTT disconnect callback firing during teardown and
		// trying to schedule another restart.
		if err := c.ScheduleRestart(); !errors.Is(err, ErrRestartPending) {
			t.Errorf("nested ScheduleRestart() = %v, want ErrRestartPending", err)
		}
		return nil
	})

	if err := c.ScheduleRestart(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("restart sequence deadlocked")
	}
}
