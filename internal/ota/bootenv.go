package ota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Slot identifies a boot image location.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"

	// SlotFactory is the image the agent shipped with, outside the managed
	// A/B slots. It exists only implicitly: a data directory with no boot
	// environment file means the factory image is running.
	SlotFactory Slot = "factory"
)

// State is the lifecycle state of a slot's image.
type State string

const (
	// StateNew marks a fully written image that has not been selected yet.
	StateNew State = "new"

	// StatePendingVerify marks the image selected to boot next, or booted
	// but not yet validated.
	StatePendingVerify State = "pending_verify"

	// StateValid marks an image that survived its validation window.
	StateValid State = "valid"

	// StateInvalid marks an image that was rolled back.
	StateInvalid State = "invalid"

	// StateAborted marks a slot whose last write session was abandoned.
	StateAborted State = "aborted"

	// StateUndefined marks a slot that has never held an image.
	StateUndefined State = "undefined"
)

// envFileName is the boot environment file inside the data directory.
const envFileName = "boot.env"

// slotsDirName holds the slot images inside the data directory.
const slotsDirName = "slots"

// imageFileMode is the permission for slot images and the environment file.
const imageFileMode = 0o600

// envFile is the persisted boot environment.
type envFile struct {
	// BootSlot is the slot selected to run on the next start.
	BootSlot Slot `json:"boot_slot"`

	// RunningSlot is the slot the current (or last) process ran from.
	RunningSlot Slot `json:"running_slot"`

	// States tracks each slot's image lifecycle.
	States map[Slot]State `json:"states"`
}

// BootEnv manages the A/B slot layout and the boot environment file.
//
// All mutations are persisted atomically: the environment is written to a
// temp file, fsynced and renamed over the old one, so a crash mid-update
// never leaves a torn environment.
type BootEnv struct {
	dir string

	mu sync.Mutex
	// env is nil while running the factory image with no update history.
	env *envFile

	// active tracks slots with an open write session, so the HTTP push path
	// and the MQTT pull path cannot write the same slot at once.
	active map[Slot]bool

	// rolledBack is set when Open detected a failed verification boot.
	rolledBack bool
}

// Open loads the boot environment from dir, creating the directory layout
// as needed.
//
// When the selected boot slot is still in pending_verify from a previous run
// of this process generation, that boot crashed before validation: the slot
// is marked invalid and the boot selector moves back to the last valid slot,
// or to the factory image if there is none.
func Open(dir string) (*BootEnv, error) {
	if err := os.MkdirAll(filepath.Join(dir, slotsDirName), 0o700); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}

	b := &BootEnv{dir: dir, active: make(map[Slot]bool)}

	data, err := os.ReadFile(filepath.Join(dir, envFileName))
	if os.IsNotExist(err) {
		// Factory image, no update has ever completed.
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading boot environment: %w", err)
	}

	env := &envFile{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("parsing boot environment: %w", err)
	}
	if env.States == nil {
		env.States = make(map[Slot]State)
	}
	b.env = env

	if env.States[env.BootSlot] == StatePendingVerify && env.RunningSlot == env.BootSlot {
		// The previous boot into this slot never validated.
		b.rollback()
	}

	// This process now runs the boot slot.
	env.RunningSlot = env.BootSlot
	if err := b.save(); err != nil {
		return nil, err
	}

	return b, nil
}

// rollback marks the current boot slot invalid and falls back to the other
// slot when it holds a valid image, otherwise to the factory image.
// Called with the mutex effectively held (from Open, before b escapes).
func (b *BootEnv) rollback() {
	failed := b.env.BootSlot
	b.env.States[failed] = StateInvalid

	fallback := otherSlot(failed)
	if b.env.States[fallback] != StateValid {
		fallback = SlotFactory
	}
	b.env.BootSlot = fallback
	b.rolledBack = true
}

// RolledBack reports whether Open reverted a failed verification boot.
func (b *BootEnv) RolledBack() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rolledBack
}

// RunningSlot returns the slot the current process runs from.
func (b *BootEnv) RunningSlot() Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env == nil {
		return SlotFactory
	}
	return b.env.RunningSlot
}

// RunningState returns the image state of the running slot.
// Returns ErrNotSupported on the factory image; callers treat that as
// "nothing to verify".
func (b *BootEnv) RunningState() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env == nil || b.env.RunningSlot == SlotFactory {
		return StateUndefined, ErrNotSupported
	}
	state, ok := b.env.States[b.env.RunningSlot]
	if !ok {
		return StateUndefined, nil
	}
	return state, nil
}

// MarkValid records that the running image survived its validation window.
// A no-op success on the factory image.
func (b *BootEnv) MarkValid() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env == nil || b.env.RunningSlot == SlotFactory {
		return nil
	}
	b.env.States[b.env.RunningSlot] = StateValid
	return b.save()
}

// NextUpdateSlot returns the slot the next update should write to: always
// the one not currently running.
func (b *BootEnv) NextUpdateSlot() Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env == nil {
		return SlotA
	}
	return otherSlot(b.env.RunningSlot)
}

// ImagePath returns the image file path for a slot.
func (b *BootEnv) ImagePath(slot Slot) string {
	return filepath.Join(b.dir, slotsDirName, string(slot)+".img")
}

// BootSlot returns the slot selected to run on the next start.
func (b *BootEnv) BootSlot() Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env == nil {
		return SlotFactory
	}
	return b.env.BootSlot
}

// SetBootSlot moves the boot selector to a slot holding a finalized image
// and marks it pending_verify. This is the commit point of an update: it is
// only called after the image is fully written and durable.
func (b *BootEnv) SetBootSlot(slot Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.env == nil {
		return fmt.Errorf("%w: slot %s", ErrNoImage, slot)
	}
	if b.env.States[slot] != StateNew {
		return fmt.Errorf("%w: slot %s is %s", ErrNoImage, slot, slotState(b.env, slot))
	}

	b.env.BootSlot = slot
	b.env.States[slot] = StatePendingVerify
	return b.save()
}

// Begin opens a write session for a slot. The image file is created lazily
// on the first write, so an update that dies before sending a byte leaves
// no artifacts.
//
// A slot admits one session at a time: a second Begin fails with
// ErrSlotInUse until the first session is aborted or finalized. Without
// this, two delivery paths interleaving writes into one file could produce
// an image whose finalizer sees its own byte count intact.
func (b *BootEnv) Begin(slot Slot) (*WriteSession, error) {
	if slot != SlotA && slot != SlotB {
		return nil, fmt.Errorf("%w: slot %s", ErrSlotInUse, slot)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.env != nil && b.env.RunningSlot == slot {
		return nil, fmt.Errorf("%w: slot %s", ErrSlotInUse, slot)
	}
	if b.active[slot] {
		return nil, fmt.Errorf("%w: slot %s has an open write session", ErrSlotInUse, slot)
	}
	b.active[slot] = true

	return &WriteSession{
		env:  b,
		slot: slot,
		path: b.ImagePath(slot),
	}, nil
}

// release frees a slot's write reservation once its session is closed.
func (b *BootEnv) release(slot Slot) {
	b.mu.Lock()
	delete(b.active, slot)
	b.mu.Unlock()
}

// setSlotState records a slot state, creating the environment file on first
// use (the transition away from a pure factory device).
func (b *BootEnv) setSlotState(slot Slot, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.env == nil {
		b.env = &envFile{
			BootSlot:    SlotFactory,
			RunningSlot: SlotFactory,
			States:      make(map[Slot]State),
		}
	}
	b.env.States[slot] = state
	return b.save()
}

// save persists the environment atomically. Called with the mutex held.
func (b *BootEnv) save() error {
	data, err := json.Marshal(b.env)
	if err != nil {
		return fmt.Errorf("encoding boot environment: %w", err)
	}

	path := filepath.Join(b.dir, envFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, imageFileMode)
	if err != nil {
		return fmt.Errorf("writing boot environment: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing boot environment: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing boot environment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing boot environment: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing boot environment: %w", err)
	}

	return nil
}

// otherSlot returns the A/B counterpart; factory has none, updates from the
// factory image go to slot A.
func otherSlot(slot Slot) Slot {
	switch slot {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	default:
		return SlotA
	}
}

// slotState reads a state with an undefined default.
func slotState(env *envFile, slot Slot) State {
	if state, ok := env.States[slot]; ok {
		return state
	}
	return StateUndefined
}

// WriteSession streams one image into a slot.
//
// Sessions are single-use and not safe for concurrent writers. Abort removes
// any partial image; Finalize fsyncs and marks the slot's image new. After
// either, the session is closed.
type WriteSession struct {
	env  *BootEnv
	slot Slot
	path string

	file    *os.File
	written int64
	closed  bool
}

// Slot returns the slot the session writes to.
func (s *WriteSession) Slot() Slot {
	return s.slot
}

// Write appends image bytes, creating the file on first use.
func (s *WriteSession) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, imageFileMode)
		if err != nil {
			return 0, fmt.Errorf("creating image file: %w", err)
		}
		s.file = f
	}

	n, err := s.file.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing image: %w", err)
	}
	return n, nil
}

// BytesWritten returns the number of image bytes written so far.
func (s *WriteSession) BytesWritten() int64 {
	return s.written
}

// Abort discards the session, removing any partial image.
func (s *WriteSession) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.env.release(s.slot)

	if s.file == nil {
		// Nothing was ever written; no artifacts to clean up.
		return nil
	}

	s.file.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partial image: %w", err)
	}
	return s.env.setSlotState(s.slot, StateAborted)
}

// Finalize makes the written image durable and marks the slot new.
// The boot selector is not touched; that is SetBootSlot's job.
func (s *WriteSession) Finalize() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.file == nil {
		return fmt.Errorf("%w: empty session", ErrNoImage)
	}
	s.closed = true
	s.env.release(s.slot)

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("syncing image: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing image: %w", err)
	}

	return s.env.setSlotState(s.slot, StateNew)
}
