// Package session implements the live apply-session state machine.
//
// States: PENDING -> ARMED -> APPLIED -> REVERTED, with EXPIRED
// reachable via timeout. Arming requires the opaque apply token issued
// at creation. The expiry timestamp is fixed at creation and never
// extended; an expired session is unusable for applying even if it was
// previously armed.
//
// All transitions go through methods on Session; nothing outside this
// package mutates session state directly.
package session

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/openecu/tunegate/internal/ecu"
)

// Status is the session state machine position.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusArmed    Status = "ARMED"
	StatusApplied  Status = "APPLIED"
	StatusReverted Status = "REVERTED"
	StatusExpired  Status = "EXPIRED"
)

// terminal reports whether no transition leaves the status.
// REVERTED and EXPIRED are fully terminal; APPLIED still accepts
// revert (the whole point of a live session is that it can be undone).
func terminal(s Status) bool {
	return s == StatusReverted || s == StatusExpired
}

// Session is one live-write session bound to a vehicle connection.
//
// Thread-safety: all methods are safe for concurrent use.
type Session struct {
	ID               string
	EngineID         string
	VehicleSessionID string
	ChangesetID      string
	Mode             ecu.SafetyLevel

	mu           sync.Mutex
	status       Status
	applyToken   string
	technicianID string
	jobID        string
	createdAt    time.Time
	updatedAt    time.Time
	expiresAt    time.Time
	clock        ecu.Clock
}

// View is the exported snapshot of a session. The apply token is
// deliberately absent: it is returned exactly once, at creation.
type View struct {
	ID               string          `json:"id"`
	EngineID         string          `json:"engine_id"`
	VehicleSessionID string          `json:"vehicle_session_id"`
	ChangesetID      string          `json:"changeset_id,omitempty"`
	Mode             ecu.SafetyLevel `json:"mode"`
	Status           Status          `json:"status"`
	Armed            bool            `json:"armed"`
	TechnicianID     string          `json:"technician_id,omitempty"`
	JobID            string          `json:"job_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// New creates a PENDING session expiring at now + ttl. The returned
// token is the only copy handed to the caller; the session keeps its
// own for comparison.
func New(gen ecu.TokenGenerator, clock ecu.Clock, engineID, vehicleSessionID, changesetID string, mode ecu.SafetyLevel, ttl time.Duration) (*Session, string) {
	now := clock.Now()
	token := gen.Generate()
	s := &Session{
		ID:               gen.Generate(),
		EngineID:         engineID,
		VehicleSessionID: vehicleSessionID,
		ChangesetID:      changesetID,
		Mode:             mode,
		status:           StatusPending,
		applyToken:       token,
		createdAt:        now,
		updatedAt:        now,
		expiresAt:        now.Add(ttl),
		clock:            clock,
	}
	return s, token
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:               s.ID,
		EngineID:         s.EngineID,
		VehicleSessionID: s.VehicleSessionID,
		ChangesetID:      s.ChangesetID,
		Mode:             s.Mode,
		Status:           s.status,
		Armed:            s.status == StatusArmed,
		TechnicianID:     s.technicianID,
		JobID:            s.jobID,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
		ExpiresAt:        s.expiresAt,
	}
}

// Status returns the current state machine position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Armed reports whether the session is currently in ARMED state.
func (s *Session) Armed() bool { return s.Status() == StatusArmed }

// CheckToken verifies the apply token without mutating state.
// Constant-time comparison; mismatch returns KindInvalidCode.
func (s *Session) CheckToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.applyToken)) != 1 {
		return &ecu.Error{
			Kind:      ecu.KindInvalidCode,
			Message:   "apply token does not match the one issued at session creation",
			EngineID:  s.EngineID,
			SessionID: s.ID,
		}
	}
	return nil
}

// Arm transitions PENDING -> ARMED if the token matches and the
// session has not expired.
func (s *Session) Arm(token string) error {
	if err := s.CheckToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked() {
		return s.expiredErr()
	}
	if s.status != StatusPending {
		return &ecu.Error{
			Kind:      ecu.KindNotArmed,
			Message:   fmt.Sprintf("cannot arm session in state %s", s.status),
			EngineID:  s.EngineID,
			SessionID: s.ID,
		}
	}
	s.status = StatusArmed
	s.touch()
	return nil
}

// MarkApplied transitions ARMED -> APPLIED, recording attribution.
func (s *Session) MarkApplied(technicianID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked() {
		return s.expiredErr()
	}
	if s.status != StatusArmed {
		return &ecu.Error{
			Kind:      ecu.KindNotArmed,
			Message:   fmt.Sprintf("cannot apply in state %s: session is not armed", s.status),
			EngineID:  s.EngineID,
			SessionID: s.ID,
		}
	}
	s.status = StatusApplied
	s.technicianID = technicianID
	s.jobID = jobID
	s.touch()
	return nil
}

// Revert moves any non-terminal state to REVERTED. Idempotent: a
// second revert is a no-op reporting changed=false.
func (s *Session) Revert() (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal(s.status) {
		return false
	}
	s.status = StatusReverted
	s.touch()
	return true
}

// ExpireIfDue transitions to EXPIRED when the deadline has passed.
// Returns true when this call performed the transition. EXPIRED is
// equivalent to REVERTED for resource purposes.
func (s *Session) ExpireIfDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked()
}

// ExpiresAt returns the fixed expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) expireLocked() bool {
	if terminal(s.status) {
		return false
	}
	if s.clock.Now().Before(s.expiresAt) {
		return false
	}
	s.status = StatusExpired
	s.touch()
	return true
}

func (s *Session) expiredErr() *ecu.Error {
	return &ecu.Error{
		Kind:      ecu.KindExpired,
		Message:   fmt.Sprintf("session expired at %s", s.expiresAt.Format(time.RFC3339)),
		EngineID:  s.EngineID,
		SessionID: s.ID,
	}
}

func (s *Session) touch() { s.updatedAt = s.clock.Now() }
