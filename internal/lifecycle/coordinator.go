package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

// ErrRestartPending is returned when a restart is scheduled while another
// one is already in flight.
var ErrRestartPending = errors.New("lifecycle: restart already pending")

// Default timings for the restart sequence.
const (
	// defaultShutdownBudget bounds the whole graceful shutdown sequence.
	defaultShutdownBudget = 10 * time.Second

	// defaultGraceDelay lets in-flight responses (command acks, HTTP 200s)
	// reach their receivers before teardown begins.
	defaultGraceDelay = 2 * time.Second

	// defaultRestartDelay separates the end of shutdown from the restart.
	defaultRestartDelay = 1 * time.Second
)

// Restarter performs the actual process restart after shutdown completes.
type Restarter interface {
	Restart()
}

// ExitRestarter restarts by exiting the process; the service supervisor
// (systemd with Restart=always) brings the agent back up, booting whatever
// image the boot environment selects.
type ExitRestarter struct{}

func (ExitRestarter) Restart() {
	os.Exit(0)
}

// Step is one named shutdown action. Steps receive a context carrying the
// remaining shutdown budget and should honour it.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator owns the shutdown step list and the deferred restart state.
type Coordinator struct {
	log       *logging.Logger
	restarter Restarter

	budget       time.Duration
	graceDelay   time.Duration
	restartDelay time.Duration

	mu    sync.Mutex
	steps []Step

	// restartPending is the scheduling guard: set by the first successful
	// ScheduleRestart and never cleared, since the process is on its way out.
	restartPending bool

	// shutdownOnce ensures the step sequence runs at most once, whether
	// triggered by a restart or a direct Shutdown call.
	shutdownOnce sync.Once
}

// NewCoordinator creates a coordinator with the default timings.
func NewCoordinator(restarter Restarter, log *logging.Logger) *Coordinator {
	return &Coordinator{
		log:          log,
		restarter:    restarter,
		budget:       defaultShutdownBudget,
		graceDelay:   defaultGraceDelay,
		restartDelay: defaultRestartDelay,
	}
}

// SetTimings overrides the default delays and budget. Intended for tests.
func (c *Coordinator) SetTimings(budget, graceDelay, restartDelay time.Duration) {
	c.budget = budget
	c.graceDelay = graceDelay
	c.restartDelay = restartDelay
}

// AddStep appends a shutdown step. Steps run in registration order.
func (c *Coordinator) AddStep(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{Name: name, Run: run})
}

// ScheduleRestart arms the deferred restart sequence and returns
// immediately. The sequence runs on its own goroutine, so handlers invoked
// by subsystems the shutdown will tear down can call this safely.
//
// Returns ErrRestartPending if a restart is already in flight.
func (c *Coordinator) ScheduleRestart() error {
	c.mu.Lock()
	if c.restartPending {
		c.mu.Unlock()
		return ErrRestartPending
	}
	c.restartPending = true
	c.mu.Unlock()

	c.log.Info("restart scheduled",
		"grace", c.graceDelay,
		"budget", c.budget,
	)

	go func() {
		time.Sleep(c.graceDelay)
		c.Shutdown()
		time.Sleep(c.restartDelay)
		c.restarter.Restart()
	}()

	return nil
}

// RestartPending reports whether a restart has been scheduled.
func (c *Coordinator) RestartPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartPending
}

// Shutdown runs the registered steps in order under the shutdown budget.
// Once the budget is spent, remaining steps are skipped; a hung subsystem
// delays the restart by at most the budget. Safe to call more than once;
// only the first call runs the steps.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(c.runSteps)
}

func (c *Coordinator) runSteps() {
	c.mu.Lock()
	steps := make([]Step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	start := time.Now()
	deadline := start.Add(c.budget)

	for i, step := range steps {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logSkipped(steps[i:], time.Since(start))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		c.log.Info("shutdown step starting", "step", step.Name)

		// Steps run on their own goroutine so a step that ignores its
		// context cannot hold the restart sequence past the budget; an
		// overrunning step is abandoned, not waited for.
		done := make(chan error, 1)
		go func(run func(ctx context.Context) error) {
			done <- run(ctx)
		}(step.Run)

		select {
		case err := <-done:
			cancel()
			if err != nil {
				c.log.Warn("shutdown step failed", "step", step.Name, "error", err)
			}
		case <-ctx.Done():
			cancel()
			c.log.Warn("shutdown step overran the budget, abandoning",
				"step", step.Name,
				"elapsed", time.Since(start),
			)
			c.logSkipped(steps[i+1:], time.Since(start))
			return
		}
	}

	c.log.Info("shutdown complete", "elapsed", time.Since(start))
}

func (c *Coordinator) logSkipped(steps []Step, elapsed time.Duration) {
	if len(steps) == 0 {
		return
	}
	skipped := make([]string, 0, len(steps))
	for _, s := range steps {
		skipped = append(skipped, s.Name)
	}
	c.log.Warn("shutdown budget exhausted, skipping remaining steps",
		"elapsed", elapsed,
		"skipped", skipped,
	)
}
