package engines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/security"
	"github.com/openecu/tunegate/internal/transport"
	"github.com/openecu/tunegate/internal/validate"
)

// Spec is the static description of one protocol variant: its map
// catalogue, validation thresholds, security parameters, and the codec
// that frames its requests. The three variants differ only by Spec;
// the Engine below is shared.
type Spec struct {
	ID             string
	Protocol       string
	ROMSize        int
	FlashBlockSize int
	SecurityLevel  security.Level
	KeyAlg         security.Algorithm
	Catalogue      map[string]ecu.MapDefinition
	Rules          []validate.Rule
	Actions        []actionSpec

	codec codec
}

// actionSpec binds a custom action's descriptor to its handler.
type actionSpec struct {
	Descriptor ecu.ActionDescriptor
	Run        func(ctx context.Context, e *Engine) (string, error)
}

// WithMaps returns a copy of the spec with extra catalogue entries,
// as loaded from user catalogue files. Entries with a known id
// override the built-in definition. ByteSize is derived from the
// variant's cell width when not given. Every entry must be well
// formed and fit within the variant's ROM; a region outside the ROM
// would corrupt reads and backups.
func (s Spec) WithMaps(defs ...ecu.MapDefinition) (Spec, error) {
	merged := make(map[string]ecu.MapDefinition, len(s.Catalogue)+len(defs))
	for id, d := range s.Catalogue {
		merged[id] = d
	}
	for _, d := range defs {
		if d.ByteSize == 0 {
			d.ByteSize = d.Shape.Cells() * s.codec.cellWidth()
		}
		if err := d.CheckWellFormed(s.ROMSize); err != nil {
			return Spec{}, fmt.Errorf("catalogue entry for %s: %w", s.ID, err)
		}
		merged[d.ID] = d
	}
	s.Catalogue = merged
	return s, nil
}

// Variants returns the built-in protocol variant specs.
func Variants() []Spec {
	return []Spec{UDS(), KWP(), SSM()}
}

// catalogueByID indexes definitions for the validation pipeline.
func catalogueByID(defs ...ecu.MapDefinition) map[string]ecu.MapDefinition {
	out := make(map[string]ecu.MapDefinition, len(defs))
	for _, d := range defs {
		out[d.ID] = d
	}
	return out
}

// Engine is the shared implementation of ecu.Engine. All protocol
// detail is delegated to the variant codec; the engine owns the
// safety-gate checks, the shadow state for simulated edits, and the
// per-session backup used for live revert.
type Engine struct {
	spec  Spec
	tr    transport.Transport
	gate  ecu.Gate
	bus   *ecu.Bus
	clock ecu.Clock
	log   *slog.Logger

	// wmu serializes hardware writes. UpdateMap, ApplyLive and
	// RevertLive can race each other through different callers; a
	// revert must never interleave with an in-flight apply.
	wmu sync.Mutex

	mu               sync.Mutex
	connected        bool
	vehicleConnected bool
	unlocked         bool
	liveSession      string
	lastActivity     time.Time
	shadow           map[string][]float64
	backup           map[string][]byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(c ecu.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an engine for one variant over the given transport.
func New(spec Spec, tr transport.Transport, gate ecu.Gate, bus *ecu.Bus, opts ...Option) *Engine {
	e := &Engine{
		spec:   spec,
		tr:     tr,
		gate:   gate,
		bus:    bus,
		clock:  ecu.SystemClock{},
		log:    slog.Default(),
		shadow: make(map[string][]float64),
		backup: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("engine", spec.ID)
	return e
}

func (e *Engine) ID() string { return e.spec.ID }

func (e *Engine) Capabilities() ecu.EngineCapabilities {
	types := make(map[ecu.MapType]bool)
	maxMap := 0
	for _, def := range e.spec.Catalogue {
		types[def.Type] = true
		if size := def.Shape.Cells() * e.spec.codec.cellWidth(); size > maxMap {
			maxMap = size
		}
	}
	sorted := make([]ecu.MapType, 0, len(types))
	for t := range types {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	actions := make([]ecu.ActionDescriptor, 0, len(e.spec.Actions))
	for _, a := range e.spec.Actions {
		actions = append(actions, a.Descriptor)
	}

	return ecu.EngineCapabilities{
		EngineID:           e.spec.ID,
		Protocol:           e.spec.Protocol,
		SupportedModes:     []ecu.SafetyLevel{ecu.LevelSimulate, ecu.LevelLiveApply, ecu.LevelFlash},
		SupportsLiveApply:  true,
		SupportsFlash:      true,
		SupportsSimulation: true,
		RequiresArming:     true,
		MaxMapSize:         maxMap,
		ROMSize:            e.spec.ROMSize,
		SupportedMapTypes:  sorted,
		CustomActions:      actions,
	}
}

func (e *Engine) Status() ecu.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ecu.EngineStatus{
		EngineID:         e.spec.ID,
		Connected:        e.connected,
		VehicleConnected: e.vehicleConnected,
		CurrentSession:   e.liveSession,
		SafetyLevel:      e.gate.Level(),
		Armed:            e.gate.Armed(),
		LastActivity:     e.lastActivity,
		Errors:           []string{},
		Warnings:         []string{},
	}
}

// Connect opens the transport and probes the vehicle. A dead interface
// is an error; an open interface with a silent ECU is a reachable
// state reported through Status.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.tr.Open(ctx); err != nil {
		return &ecu.Error{
			Kind: ecu.KindNoInterfaceConnected, EngineID: e.spec.ID,
			Message: "interface unavailable", Err: err,
		}
	}
	e.mu.Lock()
	e.connected = true
	e.lastActivity = e.clock.Now()
	e.mu.Unlock()

	_, err := e.exchange(ctx, e.spec.codec.startSessionRequest())
	if err != nil {
		if ecu.KindOf(err) == ecu.KindNoVehicleResponse {
			e.log.Warn("interface open, ecu silent")
			return nil
		}
		return err
	}
	e.mu.Lock()
	e.vehicleConnected = true
	e.mu.Unlock()
	e.log.Info("connected", "protocol", e.spec.Protocol)
	return nil
}

func (e *Engine) Disconnect(ctx context.Context) error {
	// Best effort: the stop frame may fail if the ECU went away.
	_, _ = e.exchange(ctx, e.spec.codec.stopSessionRequest())
	err := e.tr.Close()

	e.mu.Lock()
	e.connected = false
	e.vehicleConnected = false
	e.unlocked = false
	e.liveSession = ""
	e.backup = make(map[string][]byte)
	e.mu.Unlock()
	return err
}

// exchange performs one request/response round trip and maps transport
// failures onto stable error kinds.
func (e *Engine) exchange(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := e.tr.Exchange(ctx, req)
	e.mu.Lock()
	e.lastActivity = e.clock.Now()
	e.mu.Unlock()
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrNotOpen):
			return nil, &ecu.Error{
				Kind: ecu.KindNoInterfaceConnected, EngineID: e.spec.ID,
				Message: "interface not open", Err: err,
			}
		case errors.Is(err, transport.ErrNoResponse):
			e.mu.Lock()
			e.vehicleConnected = false
			e.mu.Unlock()
			return nil, &ecu.Error{
				Kind: ecu.KindNoVehicleResponse, EngineID: e.spec.ID,
				Message: "ecu did not respond", Err: err,
			}
		default:
			return nil, &ecu.Error{
				Kind: ecu.KindInternal, EngineID: e.spec.ID,
				Message: "transport exchange failed", Err: err,
			}
		}
	}
	return resp, nil
}

func (e *Engine) DiscoverDefinitions(ctx context.Context) ([]ecu.MapDefinition, error) {
	ident, err := e.readIdent(ctx)
	if err != nil {
		return nil, err
	}
	e.log.Info("discovered ecu", "ident", ident, "maps", len(e.spec.Catalogue))
	return e.ListMaps(), nil
}

func (e *Engine) ListMaps() []ecu.MapDefinition {
	out := make([]ecu.MapDefinition, 0, len(e.spec.Catalogue))
	for _, def := range e.spec.Catalogue {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) definition(mapID string) (ecu.MapDefinition, error) {
	def, ok := e.spec.Catalogue[mapID]
	if !ok {
		return ecu.MapDefinition{}, ecu.NotFound(e.spec.ID, mapID)
	}
	return def, nil
}

// toPhysical converts a raw cell to engineering units.
func toPhysical(def ecu.MapDefinition, raw int) float64 {
	return float64(raw)*def.Scale + def.Offset
}

// toRaw converts an engineering value to the nearest raw cell.
func toRaw(def ecu.MapDefinition, v float64) int {
	return int((v-def.Offset)/def.Scale + 0.5)
}

func (e *Engine) GetMap(ctx context.Context, mapID string) (ecu.MapData, error) {
	def, err := e.definition(mapID)
	if err != nil {
		return ecu.MapData{}, err
	}

	if e.gate.Level() == ecu.LevelSimulate {
		e.mu.Lock()
		vals, ok := e.shadow[mapID]
		e.mu.Unlock()
		if ok {
			return ecu.MapData{
				MapID: mapID, Shape: def.Shape,
				Values: append([]float64(nil), vals...),
				Source: "shadow", CapturedAt: e.clock.Now(),
			}, nil
		}
	}

	raw, err := e.readCells(ctx, def)
	if err != nil {
		return ecu.MapData{}, err
	}
	values := make([]float64, def.Shape.Cells())
	w := e.spec.codec.cellWidth()
	for i := range values {
		values[i] = toPhysical(def, e.spec.codec.decodeCell(raw[i*w:]))
	}
	return ecu.MapData{
		MapID: mapID, Shape: def.Shape, Values: values,
		Source: "hardware", CapturedAt: e.clock.Now(),
	}, nil
}

// readCells fetches a map's raw bytes in block-sized reads.
func (e *Engine) readCells(ctx context.Context, def ecu.MapDefinition) ([]byte, error) {
	total := def.Shape.Cells() * e.spec.codec.cellWidth()
	out := make([]byte, 0, total)
	for off := 0; off < total; off += e.spec.FlashBlockSize {
		n := total - off
		if n > e.spec.FlashBlockSize {
			n = e.spec.FlashBlockSize
		}
		resp, err := e.exchange(ctx, e.spec.codec.readRequest(def.Address+uint32(off), n))
		if err != nil {
			return nil, err
		}
		data, err := e.spec.codec.parseReadResponse(resp, n)
		if err != nil {
			return nil, e.wireError(err, def.ID)
		}
		out = append(out, data...)
	}
	return out, nil
}

// wireError maps codec sentinels onto stable kinds.
func (e *Engine) wireError(err error, mapID string) error {
	kind := ecu.KindInternal
	msg := "protocol error"
	switch {
	case errors.Is(err, errDenied):
		kind = ecu.KindSecurityAccessDenied
		msg = "ecu refused security access"
	case errors.Is(err, errOutOfRange):
		kind = ecu.KindValidationFailed
		msg = "request rejected as out of range"
	case errors.Is(err, errMalformedFrame):
		msg = "malformed response frame"
	}
	return &ecu.Error{Kind: kind, EngineID: e.spec.ID, MapID: mapID, Message: msg, Err: err}
}

// UpdateMap writes one map. Under SIMULATE the new values land in the
// shadow overlay and the function returns before any transport use.
func (e *Engine) UpdateMap(ctx context.Context, mapID string, values []float64) (ecu.MapData, error) {
	def, err := e.definition(mapID)
	if err != nil {
		return ecu.MapData{}, err
	}
	if def.ReadOnly {
		return ecu.MapData{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID, MapID: mapID,
			Message: fmt.Sprintf("map %q is read-only", mapID),
		}
	}
	if len(values) != def.Shape.Cells() {
		return ecu.MapData{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID, MapID: mapID,
			Message: fmt.Sprintf("map %q expects %d values, got %d", mapID, def.Shape.Cells(), len(values)),
		}
	}
	for i, v := range values {
		if v < def.Min || v > def.Max {
			return ecu.MapData{}, &ecu.Error{
				Kind: ecu.KindValidationFailed, EngineID: e.spec.ID, MapID: mapID,
				Message: fmt.Sprintf("value %g at index %d outside bounds [%g, %g]", v, i, def.Min, def.Max),
			}
		}
	}

	level := e.gate.Level()
	if level == ecu.LevelSimulate {
		frozen := append([]float64(nil), values...)
		e.mu.Lock()
		e.shadow[mapID] = frozen
		e.mu.Unlock()
		e.publish(ecu.Event{
			Type: ecu.EventSimulatedUpdate, EngineID: e.spec.ID, MapID: mapID,
			Message: fmt.Sprintf("simulated update of %q", mapID),
		})
		return ecu.MapData{
			MapID: mapID, Shape: def.Shape,
			Values: append([]float64(nil), frozen...),
			Source: "simulated", CapturedAt: e.clock.Now(),
		}, nil
	}

	if def.RequiresFlash && level != ecu.LevelFlash {
		return ecu.MapData{}, ecu.WrongMode(e.spec.ID, level, ecu.LevelFlash)
	}
	if !e.gate.SessionArmed(e.spec.ID) {
		return ecu.MapData{}, ecu.NotArmed(e.spec.ID, "no armed apply session")
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	if err := e.backupMap(ctx, def); err != nil {
		return ecu.MapData{}, err
	}
	raw := e.encodeCells(def, values)
	if err := e.writeBytes(ctx, def.Address, raw, def.ID); err != nil {
		return ecu.MapData{}, err
	}

	e.publish(ecu.Event{
		Type: ecu.EventMapUpdated, EngineID: e.spec.ID, MapID: mapID,
		Message: fmt.Sprintf("wrote %d cells to %q", def.Shape.Cells(), mapID),
	})
	return ecu.MapData{
		MapID: mapID, Shape: def.Shape,
		Values: append([]float64(nil), values...),
		Source: "hardware", CapturedAt: e.clock.Now(),
	}, nil
}

func (e *Engine) encodeCells(def ecu.MapDefinition, values []float64) []byte {
	w := e.spec.codec.cellWidth()
	out := make([]byte, 0, len(values)*w)
	for _, v := range values {
		out = append(out, e.spec.codec.encodeCell(toRaw(def, v))...)
	}
	return out
}

// writeBytes pushes raw bytes to the ECU in block-sized writes.
func (e *Engine) writeBytes(ctx context.Context, addr uint32, data []byte, mapID string) error {
	for off := 0; off < len(data); off += e.spec.FlashBlockSize {
		end := off + e.spec.FlashBlockSize
		if end > len(data) {
			end = len(data)
		}
		resp, err := e.exchange(ctx, e.spec.codec.writeRequest(addr+uint32(off), data[off:end]))
		if err != nil {
			return err
		}
		if err := e.spec.codec.checkWriteResponse(resp); err != nil {
			return e.wireError(err, mapID)
		}
	}
	return nil
}

// backupMap captures a map's pre-write bytes once per live session.
func (e *Engine) backupMap(ctx context.Context, def ecu.MapDefinition) error {
	e.mu.Lock()
	_, have := e.backup[def.ID]
	e.mu.Unlock()
	if have {
		return nil
	}
	raw, err := e.readCells(ctx, def)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.backup[def.ID] = raw
	e.mu.Unlock()
	return nil
}

func (e *Engine) CreateChangeset(profileID, author, notes string, changes []ecu.MapChange) (ecu.Changeset, error) {
	return ecu.NewChangeset(profileID, e.spec.ID, author, notes, changes, e.clock.Now())
}

// checkBinding rejects changesets created for a different engine.
func (e *Engine) checkBinding(cs ecu.Changeset) error {
	if cs.EngineID != e.spec.ID {
		return &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("changeset %s is bound to engine %q", cs.ID, cs.EngineID),
		}
	}
	return nil
}

func (e *Engine) ValidateChanges(cs ecu.Changeset) ecu.ValidationResult {
	return validate.Run(e.spec.Catalogue, e.spec.Rules, cs)
}

// Simulate predicts a changeset's effect without hardware. The result
// reuses the validation pipeline's findings and adds per-change deltas.
func (e *Engine) Simulate(cs ecu.Changeset) (ecu.SimulationResult, error) {
	if err := e.checkBinding(cs); err != nil {
		return ecu.SimulationResult{}, err
	}
	vr := e.ValidateChanges(cs)

	effects := make([]ecu.PredictedEffect, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		def, ok := e.spec.Catalogue[ch.MapID]
		if !ok {
			continue
		}
		effects = append(effects, ecu.PredictedEffect{
			MapID: ch.MapID,
			Description: fmt.Sprintf("%s cell (%d,%d): %g -> %g %s",
				def.Name, ch.Row, ch.Col, ch.OldValue, ch.NewValue, def.Unit),
			Delta: ch.NewValue - ch.OldValue,
		})
	}

	warnings := append([]string{}, vr.Warnings...)
	warnings = append(warnings, vr.SafetyViolations...)
	return ecu.SimulationResult{
		ChangesetID:     cs.ID,
		Effects:         effects,
		RiskLevel:       ecu.RiskLevelFor(vr.RiskScore),
		Warnings:        warnings,
		Recommendations: append([]string{}, vr.Recommendations...),
	}, nil
}

func (e *Engine) StartLiveSession(ctx context.Context, vehicleSessionID string) error {
	resp, err := e.exchange(ctx, e.spec.codec.startSessionRequest())
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return e.wireError(errMalformedFrame, "")
	}
	e.mu.Lock()
	e.vehicleConnected = true
	e.liveSession = vehicleSessionID
	e.backup = make(map[string][]byte)
	e.mu.Unlock()
	e.log.Info("live session started", "session", vehicleSessionID)
	return nil
}

// ArmLiveSession runs the seed-key handshake. The ECU issues a seed,
// the engine derives the key with the variant's algorithm, and the ECU
// either unlocks the write window or refuses.
func (e *Engine) ArmLiveSession(ctx context.Context) error {
	c := e.spec.codec
	resp, err := e.exchange(ctx, c.seedRequest(e.spec.SecurityLevel))
	if err != nil {
		return err
	}
	seed, err := c.parseSeedResponse(resp)
	if err != nil {
		return e.securityError(err)
	}

	key := e.spec.KeyAlg(seed, e.spec.SecurityLevel)
	resp, err = e.exchange(ctx, c.keyRequest(e.spec.SecurityLevel, key))
	if err != nil {
		return err
	}
	if err := c.checkKeyResponse(resp); err != nil {
		return e.securityError(err)
	}

	e.mu.Lock()
	e.unlocked = true
	e.mu.Unlock()
	e.publish(ecu.Event{
		Type: ecu.EventSecurityAccess, EngineID: e.spec.ID,
		Message: "security access granted",
	})
	return nil
}

func (e *Engine) securityError(err error) error {
	if errors.Is(err, errDenied) {
		return &ecu.Error{
			Kind: ecu.KindSecurityAccessDenied, EngineID: e.spec.ID,
			Message: "ecu rejected security access", Err: err,
		}
	}
	return e.wireError(err, "")
}

// ApplyLive writes a validated changeset's cells into ECU RAM. Each
// touched map is backed up first so RevertLive can restore it.
func (e *Engine) ApplyLive(ctx context.Context, cs ecu.Changeset) (ecu.ApplyResult, error) {
	if err := e.checkBinding(cs); err != nil {
		return ecu.ApplyResult{}, err
	}
	if !e.gate.SessionArmed(e.spec.ID) {
		return ecu.ApplyResult{}, ecu.NotArmed(e.spec.ID, "no armed apply session")
	}
	e.mu.Lock()
	unlocked := e.unlocked
	session := e.liveSession
	e.mu.Unlock()
	if !unlocked {
		return ecu.ApplyResult{}, ecu.NotArmed(e.spec.ID, "security access not granted")
	}

	vr := e.ValidateChanges(cs)
	if !vr.Valid {
		return ecu.ApplyResult{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("changeset %s failed validation", cs.ID),
		}
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	w := e.spec.codec.cellWidth()
	touched := make(map[string]bool)
	for _, ch := range cs.Changes {
		def := e.spec.Catalogue[ch.MapID]
		if err := e.backupMap(ctx, def); err != nil {
			return ecu.ApplyResult{}, err
		}
		idx := ch.Row*def.Shape.Cols + ch.Col
		addr := def.Address + uint32(idx*w)
		raw := e.spec.codec.encodeCell(toRaw(def, ch.NewValue))
		if err := e.writeBytes(ctx, addr, raw, def.ID); err != nil {
			return ecu.ApplyResult{}, err
		}
		touched[ch.MapID] = true
	}

	for mapID := range touched {
		e.publish(ecu.Event{
			Type: ecu.EventMapUpdated, EngineID: e.spec.ID, MapID: mapID,
			Message: fmt.Sprintf("live apply touched %q", mapID),
		})
	}
	return ecu.ApplyResult{
		SessionID:      session,
		AppliedChanges: len(cs.Changes),
		AppliedAt:      e.clock.Now(),
	}, nil
}

// RevertLive restores every backed-up map. Safe to call repeatedly:
// once a map is restored its backup is dropped, so a second call is a
// no-op.
func (e *Engine) RevertLive(ctx context.Context) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	e.mu.Lock()
	pending := e.backup
	e.backup = make(map[string][]byte)
	e.mu.Unlock()

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		def := e.spec.Catalogue[id]
		if err := e.writeBytes(ctx, def.Address, pending[id], id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.log.Info("reverted map", "map", id)
	}
	return firstErr
}

// ReadROM captures the full calibration image in block-sized reads.
func (e *Engine) ReadROM(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, e.spec.ROMSize)
	for off := 0; off < e.spec.ROMSize; off += e.spec.FlashBlockSize {
		n := e.spec.ROMSize - off
		if n > e.spec.FlashBlockSize {
			n = e.spec.FlashBlockSize
		}
		resp, err := e.exchange(ctx, e.spec.codec.readRequest(uint32(off), n))
		if err != nil {
			return nil, err
		}
		data, err := e.spec.codec.parseReadResponse(resp, n)
		if err != nil {
			return nil, e.wireError(err, "")
		}
		out = append(out, data...)
	}
	return out, nil
}

func (e *Engine) ChecksumROM(rom []byte) (uint32, error) {
	if err := e.checkImageSize(rom); err != nil {
		return 0, err
	}
	return e.spec.codec.checksum(rom), nil
}

// VerifyChecksum compares the recomputed image checksum against the
// stored value.
func (e *Engine) VerifyChecksum(rom []byte) error {
	if err := e.checkImageSize(rom); err != nil {
		return err
	}
	want := e.spec.codec.storedChecksum(rom)
	got := e.spec.codec.checksum(rom)
	if got != want {
		return &ecu.Error{
			Kind: ecu.KindChecksumFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("image checksum 0x%08X does not match stored 0x%08X", got, want),
		}
	}
	return nil
}

func (e *Engine) checkImageSize(rom []byte) error {
	if len(rom) != e.spec.ROMSize {
		return &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("image is %d bytes, variant expects %d", len(rom), e.spec.ROMSize),
		}
	}
	return nil
}

// Flasher implementation. The flash job state machine sequences these.

func (e *Engine) FlashBlockSize() int { return e.spec.FlashBlockSize }

func (e *Engine) BeginFlash(ctx context.Context, size int) error {
	resp, err := e.exchange(ctx, e.spec.codec.beginFlashRequest(size))
	if err != nil {
		return err
	}
	if err := e.spec.codec.checkFlashResponse(resp); err != nil {
		return e.securityError(err)
	}
	return nil
}

func (e *Engine) WriteFlashChunk(ctx context.Context, offset int, chunk []byte) error {
	resp, err := e.exchange(ctx, e.spec.codec.flashChunkRequest(offset, chunk))
	if err != nil {
		return err
	}
	if err := e.spec.codec.checkFlashResponse(resp); err != nil {
		return e.wireError(err, "")
	}
	return nil
}

func (e *Engine) FinalizeFlash(ctx context.Context) error {
	resp, err := e.exchange(ctx, e.spec.codec.finalizeFlashRequest())
	if err != nil {
		return err
	}
	if err := e.spec.codec.checkFlashResponse(resp); err != nil {
		return e.wireError(err, "")
	}
	return nil
}

func (e *Engine) CancelFlash(ctx context.Context) error {
	resp, err := e.exchange(ctx, e.spec.codec.cancelFlashRequest())
	if err != nil {
		return err
	}
	if err := e.spec.codec.checkFlashResponse(resp); err != nil {
		return e.wireError(err, "")
	}
	return nil
}

func (e *Engine) ListActions() []ecu.ActionDescriptor {
	out := make([]ecu.ActionDescriptor, 0, len(e.spec.Actions))
	for _, a := range e.spec.Actions {
		out = append(out, a.Descriptor)
	}
	return out
}

func (e *Engine) ExecuteAction(ctx context.Context, name string, args map[string]string) (map[string]string, error) {
	for _, a := range e.spec.Actions {
		if a.Descriptor.Name != name {
			continue
		}
		result, err := a.Run(ctx, e)
		if err != nil {
			return nil, err
		}
		return map[string]string{"action": name, "result": result}, nil
	}
	return nil, ecu.Unsupported(e.spec.ID, fmt.Sprintf("action %q", name))
}

// readIdent fetches the ECU identification record.
func (e *Engine) readIdent(ctx context.Context) (string, error) {
	resp, err := e.exchange(ctx, e.spec.codec.identRequest())
	if err != nil {
		return "", err
	}
	ident, err := e.spec.codec.parseIdentResponse(resp)
	if err != nil {
		return "", e.wireError(err, "")
	}
	return ident, nil
}

// readScalar formats a one-cell map's current value.
func (e *Engine) readScalar(ctx context.Context, mapID string) (string, error) {
	data, err := e.GetMap(ctx, mapID)
	if err != nil {
		return "", err
	}
	def := e.spec.Catalogue[mapID]
	return fmt.Sprintf("%g %s", data.Values[0], def.Unit), nil
}

func (e *Engine) publish(ev ecu.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

var _ ecu.Engine = (*Engine)(nil)
