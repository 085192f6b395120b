package ota

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

// Validator confirms a freshly booted image after it has survived the
// validation window. Until MarkValid runs, a crash leaves the running slot
// in pending_verify and the next start rolls back.
type Validator struct {
	env     *BootEnv
	timeout time.Duration
	log     *logging.Logger

	// scheduled guarantees the rollback check is armed at most once per
	// process, however often CheckOnStartup is called.
	scheduled atomic.Bool

	// validated is closed when the image has been marked valid; tests and
	// the status path can wait on it.
	validated chan struct{}
}

// NewValidator creates a validator for the given boot environment.
func NewValidator(env *BootEnv, timeout time.Duration, log *logging.Logger) *Validator {
	return &Validator{
		env:       env,
		timeout:   timeout,
		log:       log,
		validated: make(chan struct{}),
	}
}

// CheckOnStartup inspects the running image and, when it is unverified,
// arms the validation timer exactly once.
//
// Factory images have nothing to verify and return immediately. Images
// already valid do too. An image in new or pending_verify state starts a
// goroutine that marks it valid after the timeout, unless the context ends
// first; the context ending means the process is shutting down before the
// image proved itself, so the pending state survives for the next boot to
// judge.
func (v *Validator) CheckOnStartup(ctx context.Context) error {
	state, err := v.env.RunningState()
	if errors.Is(err, ErrNotSupported) {
		v.log.Debug("running factory image, no validation needed")
		return nil
	}
	if err != nil {
		return err
	}

	if state != StateNew && state != StatePendingVerify {
		return nil
	}

	if !v.scheduled.CompareAndSwap(false, true) {
		return nil
	}

	v.log.Info("image validation armed",
		"slot", v.env.RunningSlot(),
		"window", v.timeout,
	)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(v.timeout):
		}

		if err := v.env.MarkValid(); err != nil {
			v.log.Error("marking image valid failed", "error", err)
			return
		}
		v.log.Info("image validated", "slot", v.env.RunningSlot())
		close(v.validated)
	}()

	return nil
}

// Validated returns a channel closed once the running image is marked valid.
func (v *Validator) Validated() <-chan struct{} {
	return v.validated
}
