package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
)

func testDefs() map[string]ecu.MapDefinition {
	return map[string]ecu.MapDefinition{
		"ignition_base": {
			ID: "ignition_base", Type: ecu.MapTypeIgnition,
			Shape: ecu.MapShape{Rows: 8, Cols: 16},
			Min:   -10, Max: 45, Scale: 0.75, ByteSize: 128,
			SafetyCritical: true,
		},
		"boost_target": {
			ID: "boost_target", Type: ecu.MapTypeBoost,
			Shape: ecu.MapShape{Rows: 1, Cols: 8},
			Min:   0.3, Max: 2.0, Scale: 0.01, ByteSize: 8,
		},
		"ecu_serial": {
			ID: "ecu_serial", Type: ecu.MapTypeCorrection,
			Shape: ecu.ScalarShape(),
			Min:   0, Max: 1e9, Scale: 1, ByteSize: 4,
			ReadOnly: true,
		},
	}
}

func testRules() []Rule {
	return []Rule{
		{MapType: ecu.MapTypeIgnition, Max: Threshold(35), Severity: SeverityViolation, Weight: 30,
			Message: "Excessive ignition timing: %g°"},
		{MapType: ecu.MapTypeBoost, Max: Threshold(1.4), Severity: SeverityWarning, Weight: 15,
			Message: "Boost target above wastegate margin: %g bar"},
	}
}

func changeset(t *testing.T, changes ...ecu.MapChange) ecu.Changeset {
	t.Helper()
	cs, err := ecu.NewChangeset("profile-1", "uds", "alex", "", changes,
		time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return cs
}

// TestRun_CleanChangesetIsValid: in-bounds edits below every threshold.
func TestRun_CleanChangesetIsValid(t *testing.T) {
	cs := changeset(t, ecu.MapChange{MapID: "ignition_base", Row: 2, Col: 3, OldValue: 28, NewValue: 30})

	res := Run(testDefs(), testRules(), cs)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.SafetyViolations)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 5, res.RiskScore) // safety-critical touch only
}

// TestRun_IgnitionCeilingViolation mirrors the 40 degrees over a 35
// degree ceiling case: invalid, flagged, risk at least 30.
func TestRun_IgnitionCeilingViolation(t *testing.T) {
	cs := changeset(t, ecu.MapChange{MapID: "ignition_base", Row: 2, Col: 3, OldValue: 28, NewValue: 40})

	res := Run(testDefs(), testRules(), cs)

	assert.False(t, res.Valid)
	assert.Empty(t, res.Errors)
	require.Len(t, res.SafetyViolations, 1)
	assert.Equal(t, "Excessive ignition timing: 40°", res.SafetyViolations[0])
	assert.GreaterOrEqual(t, res.RiskScore, 30)
	assert.NotEmpty(t, res.Recommendations)
}

// TestRun_WarningsDoNotInvalidate: a boost warning alone keeps Valid.
func TestRun_WarningsDoNotInvalidate(t *testing.T) {
	cs := changeset(t, ecu.MapChange{MapID: "boost_target", Row: 0, Col: 4, OldValue: 1.2, NewValue: 1.5})

	res := Run(testDefs(), testRules(), cs)

	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "1.5 bar")
	assert.Equal(t, 15, res.RiskScore)
}

// TestRun_StructuralErrors covers unknown map, read-only map, bad
// coordinate, and out-of-bounds value.
func TestRun_StructuralErrors(t *testing.T) {
	cs := changeset(t,
		ecu.MapChange{MapID: "nonexistent", NewValue: 1},
		ecu.MapChange{MapID: "ecu_serial", NewValue: 5},
		ecu.MapChange{MapID: "ignition_base", Row: 9, Col: 0, NewValue: 20},
		ecu.MapChange{MapID: "boost_target", Row: 0, Col: 1, NewValue: 9.9},
	)

	res := Run(testDefs(), testRules(), cs)

	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 4)
	assert.Contains(t, res.Errors[0], "unknown map")
	assert.Contains(t, res.Errors[1], "read-only")
	assert.Contains(t, res.Errors[2], "no cell (9,0)")
	assert.Contains(t, res.Errors[3], "outside definition bounds")
}

// TestRun_RiskMonotonicity: adding a change never decreases the score.
func TestRun_RiskMonotonicity(t *testing.T) {
	pool := []ecu.MapChange{
		{MapID: "ignition_base", Row: 0, Col: 0, NewValue: 30},
		{MapID: "ignition_base", Row: 1, Col: 1, NewValue: 40}, // violation
		{MapID: "boost_target", Row: 0, Col: 0, NewValue: 1.5}, // warning
		{MapID: "nonexistent", NewValue: 1},                    // error
		{MapID: "boost_target", Row: 0, Col: 2, NewValue: 1.0},
	}

	prev := 0
	for n := 1; n <= len(pool); n++ {
		res := Run(testDefs(), testRules(), changeset(t, pool[:n]...))
		assert.GreaterOrEqual(t, res.RiskScore, prev, "score decreased at %d changes", n)
		prev = res.RiskScore
	}
}

// TestRun_RiskScoreClamped verifies the 100 cap.
func TestRun_RiskScoreClamped(t *testing.T) {
	var changes []ecu.MapChange
	for i := 0; i < 8; i++ {
		changes = append(changes, ecu.MapChange{MapID: "ignition_base", Row: i, Col: 0, NewValue: 44})
	}
	res := Run(testDefs(), testRules(), changeset(t, changes...))

	assert.Equal(t, 100, res.RiskScore)
	assert.Equal(t, ecu.RiskHigh, ecu.RiskLevelFor(res.RiskScore))
}

// TestRun_Deterministic: identical inputs yield identical results.
func TestRun_Deterministic(t *testing.T) {
	cs := changeset(t,
		ecu.MapChange{MapID: "ignition_base", Row: 1, Col: 1, NewValue: 40},
		ecu.MapChange{MapID: "boost_target", Row: 0, Col: 0, NewValue: 1.5},
	)

	first := Run(testDefs(), testRules(), cs)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Run(testDefs(), testRules(), cs))
	}
}
