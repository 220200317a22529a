package ecu

import "context"

// Gate is the read-only view of the orchestrator's safety state that
// engines consult before any hardware-affecting operation. Engines can
// never flip these flags; all mutation goes through the orchestrator.
type Gate interface {
	// Level returns the current global safety level.
	Level() SafetyLevel

	// Armed reports the orchestrator's global armed flag.
	Armed() bool

	// SessionArmed reports whether an apply session for the given
	// engine is currently in the ARMED state.
	SessionArmed(engineID string) bool
}

// Flasher is the set of ROM-rewrite primitives a protocol variant
// provides. The flash job state machine drives these between progress
// emissions; the engine only moves bytes.
type Flasher interface {
	// FlashBlockSize returns the chunk size for ROM transfer.
	FlashBlockSize() int

	// BeginFlash puts the ECU into programming mode for an image of
	// the given size.
	BeginFlash(ctx context.Context, size int) error

	// WriteFlashChunk transfers one chunk at the given image offset.
	WriteFlashChunk(ctx context.Context, offset int, chunk []byte) error

	// FinalizeFlash commits the transfer and returns the ECU to
	// normal operation.
	FinalizeFlash(ctx context.Context) error

	// CancelFlash attempts to return the ECU to its pre-flash state.
	// Best effort: once bytes have transferred the engine may be
	// unable to confirm a safe state, which the caller must report.
	CancelFlash(ctx context.Context) error
}

// Engine is the uniform capability set every protocol variant exposes.
// Each variant owns its own map catalogue, validation thresholds, and
// request framing; callers reach engines only through the orchestrator.
//
// Operations that touch the vehicle bus take a context and may block
// for bounded wall-clock time; pure operations (ValidateChanges,
// BuildPatch, ValidatePatch) do not.
type Engine interface {
	Flasher

	// ID returns the engine's stable identifier.
	ID() string

	// Capabilities returns the immutable capability declaration.
	Capabilities() EngineCapabilities

	// Status produces a fresh status snapshot. Never cached.
	Status() EngineStatus

	// Connect establishes the vehicle link. Fails with
	// KindNoInterfaceConnected if the transport cannot be reached;
	// "vehicle present but ECU silent" is NOT an error here and
	// surfaces as VehicleConnected=false on Status.
	Connect(ctx context.Context) error

	// Disconnect tears down the vehicle link.
	Disconnect(ctx context.Context) error

	// DiscoverDefinitions probes the vehicle for catalogue hints and
	// returns the definitions this engine will serve.
	DiscoverDefinitions(ctx context.Context) ([]MapDefinition, error)

	// ListMaps returns the static catalogue.
	ListMaps() []MapDefinition

	// GetMap reads current data for one map. Fails with KindNotFound
	// for ids outside the catalogue; the returned data is shaped
	// exactly per the definition.
	GetMap(ctx context.Context, mapID string) (MapData, error)

	// UpdateMap writes new values for one map, subject to the safety
	// gate: under SIMULATE it only emits a simulated-update event and
	// never touches the transport; under LIVE_APPLY/FLASH it requires
	// an armed session, and requires-flash maps additionally require
	// the FLASH level.
	UpdateMap(ctx context.Context, mapID string, values []float64) (MapData, error)

	// CreateChangeset freezes proposed edits into an attributed,
	// content-addressed changeset bound to this engine.
	CreateChangeset(profileID, author, notes string, changes []MapChange) (Changeset, error)

	// ValidateChanges runs the changeset through this variant's
	// threshold rules. Pure and deterministic: identical inputs yield
	// an identical result while the catalogue is unchanged.
	ValidateChanges(cs Changeset) ValidationResult

	// Simulate predicts the effect of a changeset without hardware.
	Simulate(cs Changeset) (SimulationResult, error)

	// BuildPatch encodes a changeset into this variant's binary patch
	// format against the given original ROM image.
	BuildPatch(cs Changeset, rom []byte) ([]byte, error)

	// ValidatePatch verifies a patch against the original ROM. For
	// any changeset that passed ValidateChanges,
	// ValidatePatch(BuildPatch(cs, rom), rom) reports Valid.
	ValidatePatch(patch, rom []byte) (PatchReport, error)

	// StartLiveSession prepares the ECU for RAM-resident writes under
	// the given vehicle session.
	StartLiveSession(ctx context.Context, vehicleSessionID string) error

	// ArmLiveSession performs the seed-key handshake unlocking the
	// write window. Fails with KindSecurityAccessDenied when the ECU
	// rejects the derived key.
	ArmLiveSession(ctx context.Context) error

	// ApplyLive writes the changeset's values into ECU RAM.
	ApplyLive(ctx context.Context, cs Changeset) (ApplyResult, error)

	// RevertLive restores pre-session values. Idempotent best effort.
	RevertLive(ctx context.Context) error

	// ReadROM captures the full calibration image, used by flash
	// preparation for patching and pre-flash snapshots.
	ReadROM(ctx context.Context) ([]byte, error)

	// ChecksumROM computes this variant's ROM integrity checksum.
	ChecksumROM(rom []byte) (uint32, error)

	// VerifyChecksum recomputes the image checksum and compares it
	// against the stored value. Fails with KindChecksumFailed on
	// mismatch.
	VerifyChecksum(rom []byte) error

	// ApplyPatch produces the post-patch image: every record applied
	// and the stored checksum rewritten. The input slices are not
	// modified.
	ApplyPatch(rom, patch []byte) ([]byte, error)

	// ListActions enumerates the variant's custom actions.
	ListActions() []ActionDescriptor

	// ExecuteAction runs a custom action by name. Fails with
	// KindUnsupportedByEngine for unknown names.
	ExecuteAction(ctx context.Context, name string, args map[string]string) (map[string]string, error)
}
