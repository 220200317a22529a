// Package orchestrator is the safety layer every tuning operation
// passes through. It owns the global safety level and armed flag, the
// apply-session registry, and the flash-job registry; engines are only
// ever reached through it.
//
// Locking discipline: the orchestrator's mutex protects its own
// registries and flags and is never held across an engine call.
// Engines consult the orchestrator through the ecu.Gate interface
// during those calls.
package orchestrator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/flash"
	"github.com/openecu/tunegate/internal/session"
)

const (
	// DefaultSessionTTL is how long an apply session may exist before
	// it expires, in any state that still accepts transitions.
	DefaultSessionTTL = 15 * time.Minute

	// DefaultMaxSessions is the apply-session concurrency cap.
	DefaultMaxSessions = 1
)

// Orchestrator is the single authority for safety state.
type Orchestrator struct {
	armCode     string
	sessionTTL  time.Duration
	maxSessions int
	gen         ecu.TokenGenerator
	clock       ecu.Clock
	bus         *ecu.Bus
	log         *slog.Logger

	mu       sync.Mutex
	level    ecu.SafetyLevel
	armed    bool
	engines  map[string]ecu.Engine
	sessions map[string]*session.Session
	jobs     map[string]*flash.Job
	flashing map[string]bool
	writing  map[string]*sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock, for tests.
func WithClock(c ecu.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithTokenGenerator overrides id and token generation, for tests.
func WithTokenGenerator(g ecu.TokenGenerator) Option {
	return func(o *Orchestrator) { o.gen = g }
}

// WithBus sets the event bus shared with engines and observers.
func WithBus(b *ecu.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSessionTTL overrides the apply-session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTTL = ttl }
}

// WithMaxSessions overrides the apply-session concurrency cap.
func WithMaxSessions(n int) Option {
	return func(o *Orchestrator) { o.maxSessions = n }
}

// New creates an orchestrator starting at SIMULATE, disarmed, with no
// sessions. armCode is the shared secret required to arm.
func New(armCode string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		armCode:     armCode,
		sessionTTL:  DefaultSessionTTL,
		maxSessions: DefaultMaxSessions,
		gen:         ecu.UUIDv7Generator{},
		clock:       ecu.SystemClock{},
		log:         slog.Default(),
		level:       ecu.LevelSimulate,
		engines:     make(map[string]ecu.Engine),
		sessions:    make(map[string]*session.Session),
		jobs:        make(map[string]*flash.Job),
		flashing:    make(map[string]bool),
		writing:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterEngine adds an engine to the registry.
func (o *Orchestrator) RegisterEngine(e ecu.Engine) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.engines[e.ID()]; dup {
		return &ecu.Error{
			Kind: ecu.KindInternal, EngineID: e.ID(),
			Message: fmt.Sprintf("engine %q already registered", e.ID()),
		}
	}
	o.engines[e.ID()] = e
	o.log.Info("engine registered", "engine", e.ID())
	return nil
}

// Engine looks up a registered engine.
func (o *Orchestrator) Engine(id string) (ecu.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.engines[id]
	if !ok {
		return nil, &ecu.Error{
			Kind: ecu.KindNotFound, EngineID: id,
			Message: fmt.Sprintf("engine %q not registered", id),
		}
	}
	return e, nil
}

// EngineIDs lists registered engines, sorted.
func (o *Orchestrator) EngineIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.engines))
	for id := range o.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Level implements ecu.Gate.
func (o *Orchestrator) Level() ecu.SafetyLevel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Armed implements ecu.Gate.
func (o *Orchestrator) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// SessionArmed implements ecu.Gate. Expiry is checked lazily so a
// stale session can never pass the gate.
func (o *Orchestrator) SessionArmed(engineID string) bool {
	expired, armed := func() ([]session.View, bool) {
		o.mu.Lock()
		defer o.mu.Unlock()
		expired := o.sweepLocked()
		for _, s := range o.sessions {
			if s.EngineID == engineID && s.Armed() {
				return expired, true
			}
		}
		return expired, false
	}()
	o.publishExpired(expired)
	return armed
}

// SetSafetyLevel switches the global operating mode.
func (o *Orchestrator) SetSafetyLevel(level ecu.SafetyLevel) error {
	parsed, err := ecu.ParseSafetyLevel(string(level))
	if err != nil {
		return err
	}
	o.mu.Lock()
	prev := o.level
	o.level = parsed
	o.mu.Unlock()

	if prev != parsed {
		o.publish(ecu.Event{
			Type:    ecu.EventSafetyLevelChanged,
			Message: fmt.Sprintf("safety level %s -> %s", prev, parsed),
			Fields:  map[string]string{"from": string(prev), "to": string(parsed)},
		})
		o.log.Info("safety level changed", "from", prev, "to", parsed)
	}
	return nil
}

// Arm sets the global armed flag after verifying the arm code. The
// comparison is constant time.
func (o *Orchestrator) Arm(code string) error {
	if subtle.ConstantTimeCompare([]byte(code), []byte(o.armCode)) != 1 {
		return &ecu.Error{Kind: ecu.KindInvalidCode, Message: "arm code rejected"}
	}
	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()
	o.publish(ecu.Event{Type: ecu.EventArmed, Message: "orchestrator armed"})
	o.log.Info("armed")
	return nil
}

// Disarm clears the global armed flag. Always succeeds; disarming is
// never gated.
func (o *Orchestrator) Disarm() {
	o.mu.Lock()
	was := o.armed
	o.armed = false
	o.mu.Unlock()
	if was {
		o.publish(ecu.Event{Type: ecu.EventDisarmed, Message: "orchestrator disarmed"})
		o.log.Info("disarmed")
	}
}

// CreateApplySession opens a PENDING session against an engine and
// returns its view plus the one-time apply token.
func (o *Orchestrator) CreateApplySession(ctx context.Context, engineID, changesetID, vehicleSessionID string) (session.View, string, error) {
	e, err := o.Engine(engineID)
	if err != nil {
		return session.View{}, "", err
	}

	expired, err := func() ([]session.View, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		expired := o.sweepLocked()
		if o.level == ecu.LevelSimulate {
			return expired, ecu.WrongMode(engineID, o.level, ecu.LevelLiveApply)
		}
		active := 0
		for _, s := range o.sessions {
			switch s.Status() {
			case session.StatusPending, session.StatusArmed, session.StatusApplied:
				active++
			}
		}
		if active >= o.maxSessions {
			return expired, &ecu.Error{
				Kind: ecu.KindTooManySessions, EngineID: engineID,
				Message: fmt.Sprintf("session cap %d reached", o.maxSessions),
			}
		}
		return expired, nil
	}()
	o.publishExpired(expired)
	if err != nil {
		return session.View{}, "", err
	}

	if err := e.StartLiveSession(ctx, vehicleSessionID); err != nil {
		return session.View{}, "", err
	}

	o.mu.Lock()
	sess, token := session.New(o.gen, o.clock, engineID, vehicleSessionID, changesetID, o.level, o.sessionTTL)
	o.sessions[sess.ID] = sess
	o.mu.Unlock()

	o.publish(ecu.Event{
		Type: ecu.EventSessionCreated, EngineID: engineID, SessionID: sess.ID,
		Message: "apply session created",
	})
	o.log.Info("session created", "session", sess.ID, "engine", engineID)
	return sess.Snapshot(), token, nil
}

// writeLock returns the per-engine mutex serializing hardware writes.
// Apply, revert and flash execution all take it, so the gate checks and
// the write they guard are atomic with respect to each other.
func (o *Orchestrator) writeLock(engineID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.writing[engineID]
	if !ok {
		l = &sync.Mutex{}
		o.writing[engineID] = l
	}
	return l
}

func (o *Orchestrator) lookupSession(id string) (*session.Session, ecu.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, nil, &ecu.Error{
			Kind: ecu.KindNotFound, SessionID: id,
			Message: fmt.Sprintf("session %q not found", id),
		}
	}
	return s, o.engines[s.EngineID], nil
}

// ArmSession transitions a session to ARMED: the orchestrator must be
// globally armed, the caller must present the apply token, and the
// engine must pass the seed-key handshake.
func (o *Orchestrator) ArmSession(ctx context.Context, sessionID, token string) (session.View, error) {
	sess, e, err := o.lookupSession(sessionID)
	if err != nil {
		return session.View{}, err
	}
	if !o.Armed() {
		return session.View{}, ecu.NotArmed(sess.EngineID, "orchestrator is not armed")
	}
	if err := sess.CheckToken(token); err != nil {
		return session.View{}, err
	}
	if err := e.ArmLiveSession(ctx); err != nil {
		return session.View{}, err
	}
	if err := sess.Arm(token); err != nil {
		return session.View{}, err
	}
	o.publish(ecu.Event{
		Type: ecu.EventSessionArmed, EngineID: sess.EngineID, SessionID: sess.ID,
		Message: "apply session armed",
	})
	return sess.Snapshot(), nil
}

// ApplySession writes a changeset through an armed session. The
// changeset must be the one the session was created for.
func (o *Orchestrator) ApplySession(ctx context.Context, sessionID string, cs ecu.Changeset, technicianID, jobRef string) (ecu.ApplyResult, error) {
	sess, e, err := o.lookupSession(sessionID)
	if err != nil {
		return ecu.ApplyResult{}, err
	}

	lock := o.writeLock(sess.EngineID)
	lock.Lock()
	defer lock.Unlock()

	if sess.ExpireIfDue() {
		o.publishExpired([]session.View{sess.Snapshot()})
	}
	if sess.Status() == session.StatusExpired {
		return ecu.ApplyResult{}, &ecu.Error{
			Kind: ecu.KindExpired, EngineID: sess.EngineID, SessionID: sess.ID,
			Message: "session expired",
		}
	}
	if !o.Armed() {
		return ecu.ApplyResult{}, ecu.NotArmed(sess.EngineID, "orchestrator is not armed")
	}
	if !sess.Armed() {
		return ecu.ApplyResult{}, ecu.NotArmed(sess.EngineID, fmt.Sprintf("session is %s", sess.Status()))
	}
	if sess.ChangesetID != "" && sess.ChangesetID != cs.ID {
		return ecu.ApplyResult{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: sess.EngineID, SessionID: sess.ID,
			Message: fmt.Sprintf("session was created for changeset %s", sess.ChangesetID),
		}
	}
	if technicianID == "" || jobRef == "" {
		return ecu.ApplyResult{}, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: sess.EngineID, SessionID: sess.ID,
			Message: "technician id and job reference are required",
		}
	}

	res, err := e.ApplyLive(ctx, cs)
	if err != nil {
		return ecu.ApplyResult{}, err
	}
	if err := sess.MarkApplied(technicianID, jobRef); err != nil {
		return ecu.ApplyResult{}, err
	}
	res.SessionID = sess.ID
	res.TechnicianID = technicianID
	res.JobID = jobRef

	o.publish(ecu.Event{
		Type: ecu.EventSessionApplied, EngineID: sess.EngineID, SessionID: sess.ID,
		Message: fmt.Sprintf("%d changes applied by %s", res.AppliedChanges, technicianID),
	})
	o.log.Info("session applied", "session", sess.ID, "changes", res.AppliedChanges, "technician", technicianID)
	return res, nil
}

// RevertSession undoes a session's writes. Idempotent: reverting an
// unknown or already-reverted session succeeds without touching the
// vehicle.
func (o *Orchestrator) RevertSession(ctx context.Context, sessionID string) error {
	sess, e, err := o.lookupSession(sessionID)
	if err != nil {
		if ecu.KindOf(err) == ecu.KindNotFound {
			return nil
		}
		return err
	}

	lock := o.writeLock(sess.EngineID)
	lock.Lock()
	defer lock.Unlock()

	if !sess.Revert() {
		return nil
	}
	if err := e.RevertLive(ctx); err != nil {
		return err
	}
	o.publish(ecu.Event{
		Type: ecu.EventSessionReverted, EngineID: sess.EngineID, SessionID: sess.ID,
		Message: "session reverted",
	})
	o.log.Info("session reverted", "session", sess.ID)
	return nil
}

// Session returns one session's view.
func (o *Orchestrator) Session(id string) (session.View, error) {
	sess, _, err := o.lookupSession(id)
	if err != nil {
		return session.View{}, err
	}
	if sess.ExpireIfDue() {
		o.publishExpired([]session.View{sess.Snapshot()})
	}
	return sess.Snapshot(), nil
}

// Sessions lists all sessions, newest first by creation time.
func (o *Orchestrator) Sessions() []session.View {
	o.mu.Lock()
	expired := o.sweepLocked()
	views := make([]session.View, 0, len(o.sessions))
	for _, s := range o.sessions {
		views = append(views, s.Snapshot())
	}
	o.mu.Unlock()
	o.publishExpired(expired)

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Run sweeps for expired sessions until the context ends. Expiry is
// also checked lazily on every gate consult, so the sweep only bounds
// how stale an idle registry can get.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.mu.Lock()
			expired := o.sweepLocked()
			o.mu.Unlock()
			o.publishExpired(expired)
		}
	}
}

// sweepLocked expires due sessions. Caller holds o.mu; events are
// returned for publishing after unlock.
func (o *Orchestrator) sweepLocked() []session.View {
	var out []session.View
	for _, s := range o.sessions {
		if s.ExpireIfDue() {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

func (o *Orchestrator) publishExpired(views []session.View) {
	for _, v := range views {
		o.publish(ecu.Event{
			Type: ecu.EventSessionExpired, EngineID: v.EngineID, SessionID: v.ID,
			Message: "session expired",
		})
		o.log.Warn("session expired", "session", v.ID)
	}
}

func (o *Orchestrator) publish(ev ecu.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

// Overview is the orchestrator-level status snapshot.
type Overview struct {
	Level          ecu.SafetyLevel    `json:"level"`
	Armed          bool               `json:"armed"`
	ActiveSessions int                `json:"active_sessions"`
	ActiveJobs     int                `json:"active_jobs"`
	Engines        []ecu.EngineStatus `json:"engines"`
}

// Status aggregates orchestrator and engine state.
func (o *Orchestrator) Status() Overview {
	o.mu.Lock()
	expired := o.sweepLocked()
	ov := Overview{Level: o.level, Armed: o.armed, Engines: []ecu.EngineStatus{}}
	for _, s := range o.sessions {
		switch s.Status() {
		case session.StatusPending, session.StatusArmed, session.StatusApplied:
			ov.ActiveSessions++
		}
	}
	for _, j := range o.jobs {
		switch j.State() {
		case flash.StatePrepared, flash.StateValidating, flash.StateExecuting:
			ov.ActiveJobs++
		}
	}
	engines := make([]ecu.Engine, 0, len(o.engines))
	for _, e := range o.engines {
		engines = append(engines, e)
	}
	o.mu.Unlock()
	o.publishExpired(expired)

	sort.Slice(engines, func(i, j int) bool { return engines[i].ID() < engines[j].ID() })
	for _, e := range engines {
		ov.Engines = append(ov.Engines, e.Status())
	}
	return ov
}
