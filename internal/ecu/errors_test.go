package ecu

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKindOf_CoreError verifies kind extraction from a direct error.
func TestKindOf_CoreError(t *testing.T) {
	err := NotFound("uds", "ignition_base")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindNotArmed))
}

// TestKindOf_WrappedError verifies kinds survive %w wrapping.
func TestKindOf_WrappedError(t *testing.T) {
	inner := NotArmed("kwp", "no armed session")
	wrapped := fmt.Errorf("apply live: %w", inner)

	assert.Equal(t, KindNotArmed, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotArmed))
}

// TestKindOf_ForeignError maps non-core errors to the internal kind.
func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

// TestError_MessageIncludesContext checks the rendered message carries
// the engine id so logs are self-describing.
func TestError_MessageIncludesContext(t *testing.T) {
	err := WrongMode("ssm", LevelLiveApply, LevelFlash)
	assert.Contains(t, err.Error(), "WRONG_MODE")
	assert.Contains(t, err.Error(), "engine=ssm")
	assert.Contains(t, err.Error(), string(LevelFlash))
}

// TestError_Unwrap verifies the cause chain is preserved.
func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("bus timeout")
	err := &Error{Kind: KindNoVehicleResponse, Message: "ecu silent", Err: cause}

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindNoVehicleResponse, KindOf(err))
}

// TestParseSafetyLevel_InvalidLevel returns a typed InvalidLevel error.
func TestParseSafetyLevel_InvalidLevel(t *testing.T) {
	_, err := ParseSafetyLevel("TURBO")
	require.Error(t, err)
	assert.Equal(t, KindInvalidLevel, KindOf(err))

	lvl, err := ParseSafetyLevel("FLASH")
	require.NoError(t, err)
	assert.Equal(t, LevelFlash, lvl)
}
