package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
)

func writeCatalogue(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validCatalogue = `engine: uds-gen3
maps:
  - id: launch_rpm
    name: Launch control rpm
    type: limiter
    address: 90112
    rows: 1
    cols: 1
    unit: rpm
    min: 3000
    max: 6000
    scale: 1
  - id: ignition_cold
    name: Cold start ignition
    type: ignition
    address: 90368
    rows: 4
    cols: 8
    row_axis: load
    col_axis: rpm
    unit: deg
    min: -10
    max: 30
    scale: 0.1
    offset: -60
    safety_critical: true
`

func TestLoadFile_Valid(t *testing.T) {
	path := writeCatalogue(t, t.TempDir(), "uds.yaml", validCatalogue)

	cat, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "uds-gen3", cat.Engine)
	require.Len(t, cat.Maps, 2)

	launch := cat.Maps[0]
	assert.Equal(t, "launch_rpm", launch.ID)
	assert.Equal(t, ecu.MapTypeLimiter, launch.Type)
	assert.Equal(t, uint32(90112), launch.Address)
	assert.Equal(t, 0.0, launch.Offset, "offset defaults to zero")
	assert.False(t, launch.SafetyCritical)

	cold := cat.Maps[1]
	assert.Equal(t, ecu.MapShape{Rows: 4, Cols: 8, RowAxis: "load", ColAxis: "rpm"}, cold.Shape)
	assert.True(t, cold.SafetyCritical)
	assert.Equal(t, -60.0, cold.Offset)
}

func TestLoadFile_SchemaRejections(t *testing.T) {
	cases := map[string]string{
		"unknown map type": `engine: uds-gen3
maps:
  - {id: x, name: X, type: nitrous, address: 1, rows: 1, cols: 1, min: 0, max: 1, scale: 1}
`,
		"max not above min": `engine: uds-gen3
maps:
  - {id: x, name: X, type: fuel, address: 1, rows: 1, cols: 1, min: 5, max: 5, scale: 1}
`,
		"zero scale": `engine: uds-gen3
maps:
  - {id: x, name: X, type: fuel, address: 1, rows: 1, cols: 1, min: 0, max: 1, scale: 0}
`,
		"bad map id": `engine: uds-gen3
maps:
  - {id: UpperCase, name: X, type: fuel, address: 1, rows: 1, cols: 1, min: 0, max: 1, scale: 1}
`,
		"missing name": `engine: uds-gen3
maps:
  - {id: x, type: fuel, address: 1, rows: 1, cols: 1, min: 0, max: 1, scale: 1}
`,
	}

	dir := t.TempDir()
	for label, content := range cases {
		t.Run(label, func(t *testing.T) {
			path := writeCatalogue(t, dir, "bad.yaml", content)
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_DuplicateMapID(t *testing.T) {
	content := `engine: uds-gen3
maps:
  - {id: x, name: X, type: fuel, address: 1, rows: 1, cols: 1, min: 0, max: 1, scale: 1}
  - {id: x, name: X2, type: fuel, address: 9, rows: 1, cols: 1, min: 0, max: 1, scale: 1}
`
	path := writeCatalogue(t, t.TempDir(), "dup.yaml", content)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeCatalogue(t, dir, "b.yaml", `engine: kwp-classic
maps: []
`)
	writeCatalogue(t, dir, "a.yml", validCatalogue)
	writeCatalogue(t, dir, "notes.txt", "ignored")

	cats, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "uds-gen3", cats[0].Engine, "sorted by filename")
	assert.Equal(t, "kwp-classic", cats[1].Engine)
}

func TestLoadDir_PropagatesFileError(t *testing.T) {
	dir := t.TempDir()
	writeCatalogue(t, dir, "bad.yaml", "engine: [not a string]\n")

	_, err := LoadDir(dir)
	assert.Error(t, err)
}
