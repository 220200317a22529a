package flash

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
)

// fakeFlasher implements ecu.Flasher over an in-memory buffer.
type fakeFlasher struct {
	mu         sync.Mutex
	blockSize  int
	written    []byte
	begun      bool
	finalized  bool
	cancelled  bool
	cancelErr  error
	chunkErrAt int // fail the write once this offset is reached; -1 disables
	chunkGate  chan struct{} // if set, each chunk waits for a tick
	started    chan struct{} // if set, closed when the first chunk write begins
	startOnce  sync.Once
}

func newFakeFlasher(blockSize int) *fakeFlasher {
	return &fakeFlasher{blockSize: blockSize, chunkErrAt: -1}
}

func (f *fakeFlasher) FlashBlockSize() int { return f.blockSize }

func (f *fakeFlasher) BeginFlash(ctx context.Context, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = true
	f.written = make([]byte, 0, size)
	return nil
}

func (f *fakeFlasher) WriteFlashChunk(ctx context.Context, offset int, chunk []byte) error {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.chunkGate != nil {
		<-f.chunkGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkErrAt >= 0 && offset >= f.chunkErrAt {
		return fmt.Errorf("bus dropped at 0x%X", offset)
	}
	f.written = append(f.written, chunk...)
	return nil
}

func (f *fakeFlasher) FinalizeFlash(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	return nil
}

func (f *fakeFlasher) CancelFlash(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return f.cancelErr
}

func testJob(t *testing.T, image []byte) (*Job, *ecu.Bus) {
	t.Helper()
	clock := ecu.NewFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	gen := ecu.NewFixedGenerator("job-1")
	original := make([]byte, len(image))
	job, err := NewJob(gen, clock, "uds", "session-1", "profile-1", "cs-1", original, image, nil)
	require.NoError(t, err)
	return job, ecu.NewBus()
}

func collect(ch <-chan ecu.Event) []ecu.Event {
	var out []ecu.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// TestJob_ExecuteWithoutChecksumFailsChecksumFirst: scenario from the
// gating property, checksum reported regardless of validationOk and
// without any progress event.
func TestJob_ExecuteWithoutChecksumFailsChecksumFirst(t *testing.T) {
	job, bus := testJob(t, make([]byte, 64))
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	flasher := newFakeFlasher(16)
	err := job.Execute(context.Background(), flasher, bus)
	require.Error(t, err)
	assert.Equal(t, ecu.KindChecksumFailed, ecu.KindOf(err))
	assert.False(t, flasher.begun, "no hardware mutation on gate failure")
	assert.Empty(t, collect(ch), "no progress events emitted")

	// Checksum wins even when validation also failed the other way.
	job.SetChecks(false, true)
	err = job.Execute(context.Background(), flasher, bus)
	assert.Equal(t, ecu.KindChecksumFailed, ecu.KindOf(err))

	job.SetChecks(true, false)
	err = job.Execute(context.Background(), flasher, bus)
	assert.Equal(t, ecu.KindValidationFailed, ecu.KindOf(err))
}

// TestJob_ExecuteTransfersAndCompletes verifies the full transfer,
// monotonic progress, and terminal COMPLETE.
func TestJob_ExecuteTransfersAndCompletes(t *testing.T) {
	image := make([]byte, 100)
	for i := range image {
		image[i] = byte(i)
	}
	job, bus := testJob(t, image)
	defer bus.Close()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	require.NoError(t, job.BeginValidation())
	job.SetChecks(true, true)

	flasher := newFakeFlasher(16)
	require.NoError(t, job.Execute(context.Background(), flasher, bus))

	assert.Equal(t, StateComplete, job.State())
	assert.Equal(t, image, flasher.written)
	assert.True(t, flasher.finalized)

	events := collect(ch)
	last := 0
	sawComplete := false
	for _, ev := range events {
		switch ev.Type {
		case ecu.EventFlashProgress:
			assert.GreaterOrEqual(t, ev.Progress, last, "progress must be non-decreasing")
			last = ev.Progress
		case ecu.EventFlashComplete:
			sawComplete = true
		}
	}
	assert.Equal(t, 100, last)
	assert.True(t, sawComplete)
}

// TestJob_ChunkFailureIsFatal: transport errors mid-flash surface as
// FAILED with no internal retry.
func TestJob_ChunkFailureIsFatal(t *testing.T) {
	job, bus := testJob(t, make([]byte, 64))
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, job.BeginValidation())
	job.SetChecks(true, true)

	flasher := newFakeFlasher(16)
	flasher.chunkErrAt = 32

	err := job.Execute(context.Background(), flasher, bus)
	require.Error(t, err)
	assert.Equal(t, StateFailed, job.State())

	events := collect(ch)
	var sawFailed bool
	for _, ev := range events {
		if ev.Type == ecu.EventFlashFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

// TestJob_AbortBeforeExecute moves PREPARED straight to ABORTED with a
// confirmed abort event.
func TestJob_AbortBeforeExecute(t *testing.T) {
	job, bus := testJob(t, make([]byte, 64))
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, job.Abort(bus))
	assert.Equal(t, StateAborted, job.State())

	events := collect(ch)
	require.Len(t, events, 1)
	assert.Equal(t, ecu.EventFlashAborted, events[0].Type)
	assert.Equal(t, "true", events[0].Fields["confirmed"])

	// Terminal: a second abort is rejected.
	assert.Error(t, job.Abort(bus))
}

// TestJob_CooperativeAbortMidTransfer: abort during EXECUTING stops
// between chunks and reports an unconfirmed ECU state.
func TestJob_CooperativeAbortMidTransfer(t *testing.T) {
	job, bus := testJob(t, make([]byte, 64))
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	require.NoError(t, job.BeginValidation())
	job.SetChecks(true, true)

	flasher := newFakeFlasher(16)
	flasher.chunkGate = make(chan struct{})
	flasher.started = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- job.Execute(context.Background(), flasher, bus) }()

	// Wait until the first chunk write has begun (past the abort
	// check), request the abort, then release exactly that chunk.
	// The loop observes the flag before the second chunk.
	<-flasher.started
	require.NoError(t, job.Abort(bus))
	flasher.chunkGate <- struct{}{}

	require.NoError(t, <-done)
	assert.Equal(t, StateAborted, job.State())
	assert.True(t, flasher.cancelled)
	assert.False(t, flasher.finalized)

	events := collect(ch)
	var aborted *ecu.Event
	for i := range events {
		if events[i].Type == ecu.EventFlashAborted {
			aborted = &events[i]
		}
	}
	require.NotNil(t, aborted)
	assert.Equal(t, "false", aborted.Fields["confirmed"], "bytes were sent: abort not confirmable")
}

// TestSnapshot_RoundTrip verifies the zstd snapshot restores the
// original image bit for bit.
func TestSnapshot_RoundTrip(t *testing.T) {
	rom := make([]byte, 4096)
	for i := range rom {
		rom[i] = byte(i % 7)
	}
	snap, err := CompressROM(rom)
	require.NoError(t, err)
	assert.Less(t, len(snap), len(rom), "calibration images compress")

	restored, err := DecompressROM(snap)
	require.NoError(t, err)
	assert.Equal(t, rom, restored)
}

// TestJob_PreFlashROM restores the rollback snapshot taken at creation.
func TestJob_PreFlashROM(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	job, _ := testJob(t, image)

	rom, err := job.PreFlashROM()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), rom) // original was zeroed in testJob
}
