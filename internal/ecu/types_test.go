package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRiskLevelFor verifies the bucket thresholds: LOW <40,
// MEDIUM 40-70, HIGH >70.
func TestRiskLevelFor(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevelFor(0))
	assert.Equal(t, RiskLow, RiskLevelFor(39))
	assert.Equal(t, RiskMedium, RiskLevelFor(40))
	assert.Equal(t, RiskMedium, RiskLevelFor(70))
	assert.Equal(t, RiskHigh, RiskLevelFor(71))
	assert.Equal(t, RiskHigh, RiskLevelFor(100))
}

// TestMapDefinition_CheckWellFormed covers the static invariants.
func TestMapDefinition_CheckWellFormed(t *testing.T) {
	good := MapDefinition{
		ID:       "ignition_base",
		Type:     MapTypeIgnition,
		Address:  0x6780,
		ByteSize: 128,
		Shape:    MapShape{Rows: 8, Cols: 16},
		Min:      -10,
		Max:      45,
		Scale:    0.75,
	}
	assert.NoError(t, good.CheckWellFormed(0x10000))

	tooBig := good
	tooBig.Address = 0xFFF0
	assert.Error(t, tooBig.CheckWellFormed(0x10000), "region past end of memory")

	inverted := good
	inverted.Min, inverted.Max = 45, -10
	assert.Error(t, inverted.CheckWellFormed(0x10000), "min above max")

	ragged := good
	ragged.ByteSize = 100 // not divisible by 128 cells
	assert.Error(t, ragged.CheckWellFormed(0x10000))

	zeroScale := good
	zeroScale.Scale = 0
	assert.Error(t, zeroScale.CheckWellFormed(0x10000))
}

// TestMapShape_Helpers exercises Cells/IsScalar/Equal.
func TestMapShape_Helpers(t *testing.T) {
	grid := MapShape{Rows: 8, Cols: 16, RowAxis: "rpm", ColAxis: "load"}
	assert.Equal(t, 128, grid.Cells())
	assert.False(t, grid.IsScalar())

	assert.True(t, ScalarShape().IsScalar())
	assert.True(t, grid.Equal(MapShape{Rows: 8, Cols: 16})) // axes are labels only
	assert.False(t, grid.Equal(MapShape{Rows: 16, Cols: 8}))
}

// TestMapData_Value checks row-major indexing.
func TestMapData_Value(t *testing.T) {
	data := MapData{
		MapID:  "fuel_base",
		Shape:  MapShape{Rows: 2, Cols: 3},
		Values: []float64{1, 2, 3, 4, 5, 6},
	}
	assert.Equal(t, 3.0, data.Value(0, 2))
	assert.Equal(t, 4.0, data.Value(1, 0))
}
