package ota

import (
	"context"
	"testing"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

// pendingEnv builds a boot environment whose running slot is unverified.
func pendingEnv(t *testing.T) *BootEnv {
	t.Helper()
	dir := t.TempDir()

	env, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	writeImage(t, env, SlotA, []byte("firmware-v2"))
	if err := env.SetBootSlot(SlotA); err != nil {
		t.Fatal(err)
	}

	env, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestValidatorMarksValidAfterWindow(t *testing.T) {
	env := pendingEnv(t)
	v := NewValidator(env, 20*time.Millisecond, logging.Default())

	if err := v.CheckOnStartup(context.Background()); err != nil {
		t.Fatalf("CheckOnStartup() error = %v", err)
	}

	select {
	case <-v.Validated():
	case <-time.After(2 * time.Second):
		t.Fatal("image was not validated within the window")
	}

	if state, _ := env.RunningState(); state != StateValid {
		t.Errorf("RunningState() = %s, want valid", state)
	}
}

func TestValidatorFactoryNoOp(t *testing.T) {
	env, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(env, 10*time.Millisecond, logging.Default())

	if err := v.CheckOnStartup(context.Background()); err != nil {
		t.Fatalf("CheckOnStartup() on factory = %v", err)
	}

	// Nothing to validate; the channel must stay open.
	select {
	case <-v.Validated():
		t.Error("Validated() fired for factory image")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValidatorSchedulesOnce(t *testing.T) {
	env := pendingEnv(t)
	v := NewValidator(env, 20*time.Millisecond, logging.Default())

	// Repeated startup checks must not arm a second timer; a double close of
	// the validated channel would panic.
	for i := 0; i < 3; i++ {
		if err := v.CheckOnStartup(context.Background()); err != nil {
			t.Fatalf("CheckOnStartup() #%d error = %v", i, err)
		}
	}

	select {
	case <-v.Validated():
	case <-time.After(2 * time.Second):
		t.Fatal("image was not validated")
	}
	time.Sleep(50 * time.Millisecond)
}

func TestValidatorCancelledBeforeWindow(t *testing.T) {
	env := pendingEnv(t)
	v := NewValidator(env, time.Hour, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	if err := v.CheckOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	// Shutdown before the window elapses leaves the image pending, so the
	// next boot can judge it.
	time.Sleep(50 * time.Millisecond)
	if state, _ := env.RunningState(); state != StatePendingVerify {
		t.Errorf("RunningState() = %s, want pending_verify after cancelled validation", state)
	}
}
