package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/flash"
)

// PrepareFlash validates a changeset, captures the current ROM, builds
// and applies the patch in memory, and registers a PREPARED job.
// Allowed under FLASH (the real thing) and SIMULATE (a dry run that
// will later transfer to a no-op flasher); LIVE_APPLY is the wrong
// mode for ROM work.
func (o *Orchestrator) PrepareFlash(ctx context.Context, engineID string, cs ecu.Changeset) (flash.View, error) {
	e, err := o.Engine(engineID)
	if err != nil {
		return flash.View{}, err
	}
	level := o.Level()
	if level == ecu.LevelLiveApply {
		return flash.View{}, ecu.WrongMode(engineID, level, ecu.LevelFlash)
	}
	if busy := o.engineBusy(engineID); busy != "" {
		return flash.View{}, &ecu.Error{
			Kind: ecu.KindWrongMode, EngineID: engineID, JobID: busy,
			Message: fmt.Sprintf("flash job %s already in progress", busy),
		}
	}

	vr := e.ValidateChanges(cs)
	if !vr.Valid {
		return flash.View{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: engineID,
			Message: fmt.Sprintf("changeset %s failed validation", cs.ID),
		}
	}

	rom, err := e.ReadROM(ctx)
	if err != nil {
		return flash.View{}, err
	}
	patch, err := e.BuildPatch(cs, rom)
	if err != nil {
		return flash.View{}, err
	}
	image, err := e.ApplyPatch(rom, patch)
	if err != nil {
		return flash.View{}, err
	}

	job, err := flash.NewJob(o.gen, o.clock, engineID, "", cs.ProfileID, cs.ID, rom, image, patch)
	if err != nil {
		return flash.View{}, &ecu.Error{
			Kind: ecu.KindInternal, EngineID: engineID,
			Message: "could not snapshot pre-flash image", Err: err,
		}
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.publish(ecu.Event{
		Type: ecu.EventFlashPrepared, EngineID: engineID, JobID: job.ID,
		Message: fmt.Sprintf("flash job prepared for changeset %s", cs.ID),
	})
	o.log.Info("flash prepared", "job", job.ID, "engine", engineID, "changeset", cs.ID)
	return job.Snapshot(), nil
}

// ValidateFlashJob runs both pre-flash gates: image checksum and patch
// verification against the captured base image. Execution stays
// blocked until both pass.
func (o *Orchestrator) ValidateFlashJob(jobID string) (flash.View, error) {
	job, e, err := o.lookupJob(jobID)
	if err != nil {
		return flash.View{}, err
	}
	if err := job.BeginValidation(); err != nil {
		return flash.View{}, err
	}

	checksumOk := e.VerifyChecksum(job.Image()) == nil
	report, err := e.ValidatePatch(job.Patch(), job.Original())
	if err != nil {
		return flash.View{}, err
	}
	job.SetChecks(checksumOk, report.Valid)

	o.publish(ecu.Event{
		Type: ecu.EventFlashValidated, EngineID: job.EngineID, JobID: job.ID,
		Message: "flash job validated",
		Fields: map[string]string{
			"checksum_ok":   fmt.Sprintf("%t", checksumOk),
			"validation_ok": fmt.Sprintf("%t", report.Valid),
		},
	})
	return job.Snapshot(), nil
}

// ExecuteFlash transfers a job's image. Under SIMULATE the transfer
// runs against a no-op flasher as a dry run; otherwise the level must
// be FLASH, the orchestrator must be armed, and the operation must be
// attributed to a technician and an external job reference. The call
// blocks until the transfer reaches a terminal state; progress streams
// on the event bus.
func (o *Orchestrator) ExecuteFlash(ctx context.Context, jobID, technicianID, jobRef string) (flash.View, error) {
	job, e, err := o.lookupJob(jobID)
	if err != nil {
		return flash.View{}, err
	}

	level := o.Level()
	var flasher ecu.Flasher = e
	if level == ecu.LevelSimulate {
		flasher = dryRunFlasher{blockSize: e.FlashBlockSize()}
	} else {
		if level != ecu.LevelFlash {
			return flash.View{}, ecu.WrongMode(job.EngineID, level, ecu.LevelFlash)
		}
		if !o.Armed() {
			return flash.View{}, ecu.NotArmed(job.EngineID, "orchestrator is not armed")
		}
		if technicianID == "" || jobRef == "" {
			return flash.View{}, &ecu.Error{
				Kind: ecu.KindValidationFailed, EngineID: job.EngineID, JobID: job.ID,
				Message: "technician id and job reference are required",
			}
		}
		// Programming mode is behind security access.
		if err := e.ArmLiveSession(ctx); err != nil {
			return flash.View{}, err
		}
	}

	o.mu.Lock()
	if o.flashing[job.EngineID] {
		o.mu.Unlock()
		return flash.View{}, &ecu.Error{
			Kind: ecu.KindWrongMode, EngineID: job.EngineID, JobID: job.ID,
			Message: "engine is already flashing",
		}
	}
	o.flashing[job.EngineID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.flashing, job.EngineID)
		o.mu.Unlock()
	}()

	if level != ecu.LevelSimulate {
		lock := o.writeLock(job.EngineID)
		lock.Lock()
		defer lock.Unlock()
	}

	o.log.Info("flash executing", "job", job.ID, "engine", job.EngineID,
		"dry_run", level == ecu.LevelSimulate, "technician", technicianID, "ref", jobRef)
	if err := job.Execute(ctx, flasher, o.bus); err != nil {
		return job.Snapshot(), err
	}
	return job.Snapshot(), nil
}

// AbortFlash cancels a job. Before execution the job moves straight to
// ABORTED; during execution the transfer stops cooperatively and the
// event reports whether a clean ECU state could be confirmed.
func (o *Orchestrator) AbortFlash(jobID string) error {
	job, _, err := o.lookupJob(jobID)
	if err != nil {
		return err
	}
	return job.Abort(o.bus)
}

// FlashJob returns one job's view.
func (o *Orchestrator) FlashJob(id string) (flash.View, error) {
	job, _, err := o.lookupJob(id)
	if err != nil {
		return flash.View{}, err
	}
	return job.Snapshot(), nil
}

// FlashJobs lists all jobs, newest first.
func (o *Orchestrator) FlashJobs() []flash.View {
	o.mu.Lock()
	views := make([]flash.View, 0, len(o.jobs))
	for _, j := range o.jobs {
		views = append(views, j.Snapshot())
	}
	o.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

func (o *Orchestrator) lookupJob(id string) (*flash.Job, ecu.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return nil, nil, &ecu.Error{
			Kind: ecu.KindNotFound, JobID: id,
			Message: fmt.Sprintf("flash job %q not found", id),
		}
	}
	return j, o.engines[j.EngineID], nil
}

// engineBusy returns the id of a non-terminal job on the engine, if
// any.
func (o *Orchestrator) engineBusy(engineID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.jobs {
		if j.EngineID != engineID {
			continue
		}
		switch j.State() {
		case flash.StatePrepared, flash.StateValidating, flash.StateExecuting:
			return j.ID
		}
	}
	return ""
}

// dryRunFlasher swallows the transfer so a SIMULATE-level job can walk
// the full state machine without a single frame on the wire.
type dryRunFlasher struct {
	blockSize int
}

func (f dryRunFlasher) FlashBlockSize() int                                           { return f.blockSize }
func (dryRunFlasher) BeginFlash(ctx context.Context, size int) error                  { return nil }
func (dryRunFlasher) WriteFlashChunk(ctx context.Context, offset int, c []byte) error { return nil }
func (dryRunFlasher) FinalizeFlash(ctx context.Context) error                         { return nil }
func (dryRunFlasher) CancelFlash(ctx context.Context) error                           { return nil }
