// Package flash implements the ROM-rewrite job state machine.
//
// States: PREPARED -> VALIDATING -> EXECUTING -> COMPLETE, with ABORTED
// reachable from any non-terminal state and FAILED from VALIDATING or
// EXECUTING. Execution is gated on checksumOk && validationOk, checked
// in that order so a checksum failure is reported regardless of the
// validation flag.
//
// Abort is cooperative: the transfer loop observes an abort flag
// between chunks. Once bytes have been sent a cancelled flash cannot
// guarantee the ECU is back in its pre-flash state; the abort event
// carries confirmed=false in that case rather than pretending success.
package flash

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openecu/tunegate/internal/ecu"
)

// State is the job state machine position.
type State string

const (
	StatePrepared   State = "PREPARED"
	StateValidating State = "VALIDATING"
	StateExecuting  State = "EXECUTING"
	StateComplete   State = "COMPLETE"
	StateAborted    State = "ABORTED"
	StateFailed     State = "FAILED"
)

func terminal(s State) bool {
	return s == StateComplete || s == StateAborted || s == StateFailed
}

// Job is one ROM rewrite. Construct with NewJob; all transitions go
// through methods.
//
// Thread-safety: all methods are safe for concurrent use. Execute
// holds no lock while moving bytes so Snapshot stays responsive during
// a transfer.
type Job struct {
	ID          string
	EngineID    string
	SessionID   string
	ProfileID   string
	ChangesetID string

	mu           sync.Mutex
	state        State
	progress     int
	checksumOk   bool
	validationOk bool
	createdAt    time.Time
	updatedAt    time.Time
	clock        ecu.Clock

	abort atomic.Bool

	// image is the patched ROM to transfer; snapshot is the
	// zstd-compressed pre-flash image kept for rollback attempts.
	image    []byte
	snapshot []byte
	patch    []byte
	original []byte
}

// View is the exported snapshot of a job.
type View struct {
	ID           string    `json:"id"`
	EngineID     string    `json:"engine_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ProfileID    string    `json:"profile_id"`
	ChangesetID  string    `json:"changeset_id,omitempty"`
	State        State     `json:"state"`
	Progress     int       `json:"progress"`
	ChecksumOk   bool      `json:"checksum_ok"`
	ValidationOk bool      `json:"validation_ok"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewJob creates a PREPARED job with progress 0 and both gate flags
// false. original is the pre-flash ROM; image is the bytes to write.
func NewJob(gen ecu.TokenGenerator, clock ecu.Clock, engineID, sessionID, profileID, changesetID string, original, image, patch []byte) (*Job, error) {
	snap, err := CompressROM(original)
	if err != nil {
		return nil, fmt.Errorf("snapshot pre-flash ROM: %w", err)
	}
	now := clock.Now()
	return &Job{
		ID:          gen.Generate(),
		EngineID:    engineID,
		SessionID:   sessionID,
		ProfileID:   profileID,
		ChangesetID: changesetID,
		state:       StatePrepared,
		createdAt:   now,
		updatedAt:   now,
		clock:       clock,
		image:       image,
		snapshot:    snap,
		patch:       patch,
		original:    original,
	}, nil
}

// Snapshot returns the current view.
func (j *Job) Snapshot() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	return View{
		ID:           j.ID,
		EngineID:     j.EngineID,
		SessionID:    j.SessionID,
		ProfileID:    j.ProfileID,
		ChangesetID:  j.ChangesetID,
		State:        j.state,
		Progress:     j.progress,
		ChecksumOk:   j.checksumOk,
		ValidationOk: j.validationOk,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
}

// State returns the current state machine position.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Image returns the patched ROM the job will write.
func (j *Job) Image() []byte { return j.image }

// Patch returns the binary patch the image was built from.
func (j *Job) Patch() []byte { return j.patch }

// Original returns the pre-flash ROM.
func (j *Job) Original() []byte { return j.original }

// PreFlashROM decompresses and returns the rollback snapshot.
func (j *Job) PreFlashROM() ([]byte, error) { return DecompressROM(j.snapshot) }

// BeginValidation transitions PREPARED -> VALIDATING.
func (j *Job) BeginValidation() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePrepared {
		return j.wrongState("validate", StatePrepared)
	}
	j.state = StateValidating
	j.touch()
	return nil
}

// SetChecks records the checksum and validation outcomes computed by
// the engine during VALIDATING.
func (j *Job) SetChecks(checksumOk, validationOk bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checksumOk = checksumOk
	j.validationOk = validationOk
	j.touch()
}

// beginExecute gates entry into EXECUTING. Checksum is checked before
// validation so a checksum failure is surfaced regardless of the other
// flag.
func (j *Job) beginExecute() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StatePrepared && j.state != StateValidating {
		return j.wrongState("execute", StateValidating)
	}
	if !j.checksumOk {
		return &ecu.Error{
			Kind:     ecu.KindChecksumFailed,
			Message:  "ROM checksum not verified: refusing to flash",
			EngineID: j.EngineID,
		}
	}
	if !j.validationOk {
		return &ecu.Error{
			Kind:     ecu.KindValidationFailed,
			Message:  "patch validation not passed: refusing to flash",
			EngineID: j.EngineID,
		}
	}
	j.state = StateExecuting
	j.touch()
	return nil
}

// Execute runs the transfer through the engine's flash primitives,
// emitting monotonically non-decreasing progress events from 0 to 100.
// Reaching 100 transitions to COMPLETE.
//
// The abort flag is observed between chunks. On abort the engine's
// CancelFlash is attempted; whether it confirmed a safe state is
// reported on the event, never coerced into success.
//
// No internal retry: a transient failure mid-flash is surfaced as
// FAILED, because masking it would hide a possibly corrupted ECU.
func (j *Job) Execute(ctx context.Context, flasher ecu.Flasher, bus *ecu.Bus) error {
	if err := j.beginExecute(); err != nil {
		return err
	}

	slog.Info("flash executing",
		"job_id", j.ID,
		"engine_id", j.EngineID,
		"image_bytes", len(j.image),
	)

	if err := flasher.BeginFlash(ctx, len(j.image)); err != nil {
		return j.fail(bus, fmt.Errorf("begin flash: %w", err))
	}

	blockSize := flasher.FlashBlockSize()
	if blockSize <= 0 {
		return j.fail(bus, fmt.Errorf("engine reported non-positive flash block size %d", blockSize))
	}

	sent := false
	for offset := 0; offset < len(j.image); offset += blockSize {
		if j.abort.Load() {
			return j.abortTransfer(ctx, flasher, bus, sent)
		}
		if err := ctx.Err(); err != nil {
			return j.fail(bus, err)
		}

		end := offset + blockSize
		if end > len(j.image) {
			end = len(j.image)
		}
		if err := flasher.WriteFlashChunk(ctx, offset, j.image[offset:end]); err != nil {
			return j.fail(bus, fmt.Errorf("write chunk at 0x%X: %w", offset, err))
		}
		sent = true
		j.setProgress(bus, end*100/len(j.image))
	}

	if err := flasher.FinalizeFlash(ctx); err != nil {
		return j.fail(bus, fmt.Errorf("finalize flash: %w", err))
	}

	j.mu.Lock()
	j.state = StateComplete
	j.progress = 100
	j.touch()
	j.mu.Unlock()

	bus.Publish(ecu.Event{
		Type:     ecu.EventFlashComplete,
		EngineID: j.EngineID,
		JobID:    j.ID,
		Progress: 100,
	})
	slog.Info("flash complete", "job_id", j.ID, "engine_id", j.EngineID)
	return nil
}

// Abort requests cancellation. From PREPARED or VALIDATING the job
// moves to ABORTED immediately; from EXECUTING it sets the cooperative
// flag and the transfer loop performs the transition. Terminal states
// reject the request.
func (j *Job) Abort(bus *ecu.Bus) error {
	j.mu.Lock()

	if terminal(j.state) {
		defer j.mu.Unlock()
		return j.wrongState("abort", j.state)
	}

	if j.state == StateExecuting {
		j.mu.Unlock()
		j.abort.Store(true)
		return nil
	}

	j.state = StateAborted
	j.touch()
	j.mu.Unlock()

	bus.Publish(ecu.Event{
		Type:     ecu.EventFlashAborted,
		EngineID: j.EngineID,
		JobID:    j.ID,
		Fields:   map[string]string{"confirmed": "true"},
		Message:  "aborted before any byte transfer",
	})
	return nil
}

func (j *Job) abortTransfer(ctx context.Context, flasher ecu.Flasher, bus *ecu.Bus, bytesSent bool) error {
	cancelErr := flasher.CancelFlash(ctx)
	confirmed := cancelErr == nil && !bytesSent

	j.mu.Lock()
	j.state = StateAborted
	j.touch()
	j.mu.Unlock()

	msg := "aborted before any byte transfer"
	if bytesSent {
		msg = "aborted mid-transfer: ECU state not guaranteed, verify before driving"
	}
	if cancelErr != nil {
		msg = fmt.Sprintf("aborted, engine could not confirm rollback: %v", cancelErr)
	}
	bus.Publish(ecu.Event{
		Type:     ecu.EventFlashAborted,
		EngineID: j.EngineID,
		JobID:    j.ID,
		Fields:   map[string]string{"confirmed": strconv.FormatBool(confirmed)},
		Message:  msg,
	})
	slog.Warn("flash aborted",
		"job_id", j.ID,
		"engine_id", j.EngineID,
		"confirmed", confirmed,
		"bytes_sent", bytesSent,
	)
	return nil
}

func (j *Job) fail(bus *ecu.Bus, err error) error {
	j.mu.Lock()
	j.state = StateFailed
	j.touch()
	j.mu.Unlock()

	bus.Publish(ecu.Event{
		Type:     ecu.EventFlashFailed,
		EngineID: j.EngineID,
		JobID:    j.ID,
		Message:  err.Error(),
	})
	slog.Error("flash failed", "job_id", j.ID, "engine_id", j.EngineID, "error", err)
	return err
}

// setProgress raises progress monotonically, emitting an event only
// when the percentage actually advanced.
func (j *Job) setProgress(bus *ecu.Bus, pct int) {
	j.mu.Lock()
	if pct <= j.progress {
		j.mu.Unlock()
		return
	}
	j.progress = pct
	j.touch()
	j.mu.Unlock()

	bus.Publish(ecu.Event{
		Type:     ecu.EventFlashProgress,
		EngineID: j.EngineID,
		JobID:    j.ID,
		Progress: pct,
	})
}

func (j *Job) wrongState(op string, want State) *ecu.Error {
	return &ecu.Error{
		Kind:     ecu.KindWrongMode,
		Message:  fmt.Sprintf("cannot %s flash job in state %s (want %s)", op, j.state, want),
		EngineID: j.EngineID,
	}
}

func (j *Job) touch() { j.updatedAt = j.clock.Now() }
