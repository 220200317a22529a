package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
)

func newTestSession(t *testing.T) (*Session, string, *ecu.FakeClock) {
	t.Helper()
	clock := ecu.NewFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	gen := ecu.NewFixedGenerator("token-1", "session-1")
	s, token := New(gen, clock, "uds", "veh-42", "cs-abc", ecu.LevelLiveApply, 15*time.Minute)
	return s, token, clock
}

// TestSession_HappyPath walks PENDING -> ARMED -> APPLIED -> REVERTED.
func TestSession_HappyPath(t *testing.T) {
	s, token, _ := newTestSession(t)

	assert.Equal(t, StatusPending, s.Status())
	require.NoError(t, s.Arm(token))
	assert.True(t, s.Armed())

	require.NoError(t, s.MarkApplied("tech-7", "job-9"))
	assert.Equal(t, StatusApplied, s.Status())

	assert.True(t, s.Revert())
	assert.Equal(t, StatusReverted, s.Status())

	view := s.Snapshot()
	assert.Equal(t, "tech-7", view.TechnicianID)
	assert.Equal(t, "job-9", view.JobID)
	assert.False(t, view.Armed)
}

// TestSession_ArmRequiresMatchingToken rejects a wrong token with
// InvalidCode and leaves the session PENDING.
func TestSession_ArmRequiresMatchingToken(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.Arm("wrong-token")
	require.Error(t, err)
	assert.Equal(t, ecu.KindInvalidCode, ecu.KindOf(err))
	assert.Equal(t, StatusPending, s.Status())
}

// TestSession_ApplyBeforeArmFailsNotArmed covers the apply-before-arm
// safety gate.
func TestSession_ApplyBeforeArmFailsNotArmed(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.MarkApplied("tech-7", "")
	require.Error(t, err)
	assert.Equal(t, ecu.KindNotArmed, ecu.KindOf(err))
}

// TestSession_RevertIsIdempotent: the second revert is a no-op.
func TestSession_RevertIsIdempotent(t *testing.T) {
	s, token, _ := newTestSession(t)
	require.NoError(t, s.Arm(token))

	assert.True(t, s.Revert())
	assert.False(t, s.Revert())
	assert.Equal(t, StatusReverted, s.Status())
}

// TestSession_AbortBeforeApply: ARMED -> REVERTED is a legal abort.
func TestSession_AbortBeforeApply(t *testing.T) {
	s, token, _ := newTestSession(t)
	require.NoError(t, s.Arm(token))

	assert.True(t, s.Revert())
	assert.Equal(t, StatusReverted, s.Status())

	// No transitions leave REVERTED.
	assert.Error(t, s.Arm(token))
	assert.Error(t, s.MarkApplied("", ""))
}

// TestSession_ExpiryBlocksArmAndApply: once expiresAt passes, the
// session is unusable even though it was previously armed.
func TestSession_ExpiryBlocksArmAndApply(t *testing.T) {
	s, token, clock := newTestSession(t)
	require.NoError(t, s.Arm(token))

	clock.Advance(16 * time.Minute)

	err := s.MarkApplied("tech-7", "")
	require.Error(t, err)
	assert.Equal(t, ecu.KindExpired, ecu.KindOf(err))
	assert.Equal(t, StatusExpired, s.Status())
}

// TestSession_ExpiresAtIsFixed: arming does not extend the deadline.
func TestSession_ExpiresAtIsFixed(t *testing.T) {
	s, token, clock := newTestSession(t)
	deadline := s.ExpiresAt()

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.Arm(token))

	assert.Equal(t, deadline, s.ExpiresAt())
}

// TestSession_ExpireIfDue reports the transition exactly once and
// never fires on terminal sessions.
func TestSession_ExpireIfDue(t *testing.T) {
	s, _, clock := newTestSession(t)

	assert.False(t, s.ExpireIfDue(), "not due yet")
	clock.Advance(20 * time.Minute)
	assert.True(t, s.ExpireIfDue())
	assert.False(t, s.ExpireIfDue(), "already expired")

	s2, _, clock2 := newTestSession(t)
	s2.Revert()
	clock2.Advance(20 * time.Minute)
	assert.False(t, s2.ExpireIfDue(), "reverted sessions do not expire")
}
