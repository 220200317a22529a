package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/api"
	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/engines"
	"github.com/openecu/tunegate/internal/orchestrator"
)

// startServer stands up a real orchestrator with one bench UDS engine
// behind the HTTP API and returns its base URL.
func startServer(t *testing.T) string {
	t.Helper()
	bus := ecu.NewBus()
	t.Cleanup(bus.Close)
	clock := ecu.NewFakeClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))

	o := orchestrator.New("octane-9000", orchestrator.WithBus(bus), orchestrator.WithClock(clock))
	spec := engines.UDS()
	sim := engines.NewSimECU(spec)
	eng := engines.New(spec, sim.Transport(), o, bus, engines.WithClock(clock))
	require.NoError(t, o.RegisterEngine(eng))

	srv, err := api.New(o, nil, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// run executes one CLI invocation against the given server and returns
// stdout. JSON format keeps the assertions stable.
func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	full := append([]string{args[0], "--server", server, "--format", "json"}, args[1:]...)
	root.SetArgs(full)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string, dst any) {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status, "output: %s", out)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dst))
}

func TestStatusCommand(t *testing.T) {
	server := startServer(t)
	out, err := run(t, server, "status")
	require.NoError(t, err)

	var st orchestrator.Overview
	decodeData(t, out, &st)
	assert.Equal(t, ecu.LevelSimulate, st.Level)
	assert.False(t, st.Armed)
}

func TestArmAndLevelCommands(t *testing.T) {
	server := startServer(t)

	_, err := run(t, server, "arm", "--code", "wrong")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := run(t, server, "arm", "--code", "octane-9000")
	require.NoError(t, err)
	var st orchestrator.Overview
	decodeData(t, out, &st)
	assert.True(t, st.Armed)

	out, err = run(t, server, "level", "LIVE_APPLY")
	require.NoError(t, err)
	decodeData(t, out, &st)
	assert.Equal(t, ecu.LevelLiveApply, st.Level)

	_, err = run(t, server, "disarm")
	require.NoError(t, err)
}

func TestEnginesAndMapsCommands(t *testing.T) {
	server := startServer(t)
	_, err := run(t, server, "engines", "connect", "uds-gen3")
	require.NoError(t, err)

	out, err := run(t, server, "engines")
	require.NoError(t, err)
	var caps []ecu.EngineCapabilities
	decodeData(t, out, &caps)
	require.Len(t, caps, 1)

	out, err = run(t, server, "maps", "uds-gen3")
	require.NoError(t, err)
	var defs []ecu.MapDefinition
	decodeData(t, out, &defs)
	assert.NotEmpty(t, defs)

	out, err = run(t, server, "maps", "show", "uds-gen3", "rev_limit")
	require.NoError(t, err)
	var data ecu.MapData
	decodeData(t, out, &data)
	assert.Equal(t, "rev_limit", data.MapID)
}

func TestChangesetCommandsFromEditFile(t *testing.T) {
	server := startServer(t)
	_, err := run(t, server, "engines", "connect", "uds-gen3")
	require.NoError(t, err)

	edit := filepath.Join(t.TempDir(), "edit.yaml")
	require.NoError(t, os.WriteFile(edit, []byte(`
engine: uds-gen3
profile_id: profile-1
author: tech-7
notes: raise limiter
changes:
  - map_id: rev_limit
    row: 0
    col: 0
    old_value: 7000
    new_value: 7200
`), 0o644))

	out, err := run(t, server, "changeset", "create", edit)
	require.NoError(t, err)
	var cs ecu.Changeset
	decodeData(t, out, &cs)
	require.NotEmpty(t, cs.ID)

	out, err = run(t, server, "changeset", "validate", cs.ID)
	require.NoError(t, err)
	var vr ecu.ValidationResult
	decodeData(t, out, &vr)
	assert.True(t, vr.Valid)

	out, err = run(t, server, "changeset", "simulate", cs.ID)
	require.NoError(t, err)
	var sr ecu.SimulationResult
	decodeData(t, out, &sr)
	assert.Len(t, sr.Effects, 1)
}

func TestSessionCommandRefusedUnderSimulate(t *testing.T) {
	server := startServer(t)
	_, err := run(t, server, "engines", "connect", "uds-gen3")
	require.NoError(t, err)

	edit := filepath.Join(t.TempDir(), "edit.yaml")
	require.NoError(t, os.WriteFile(edit, []byte(`
engine: uds-gen3
profile_id: profile-1
author: tech-7
changes:
  - map_id: rev_limit
    row: 0
    col: 0
    new_value: 7200
`), 0o644))
	out, err := run(t, server, "changeset", "create", edit)
	require.NoError(t, err)
	var cs ecu.Changeset
	decodeData(t, out, &cs)

	_, err = run(t, server, "session", "create",
		"--engine", "uds-gen3", "--changeset", cs.ID, "--vehicle", "veh-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestClientDecodesAPIErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"kind": "NOT_ARMED", "message": "orchestrator not armed"})
	}))
	defer ts.Close()

	c := newClient(&RootOptions{Server: ts.URL})
	err := c.get("/api/v1/status", nil)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "NOT_ARMED", ae.Kind)
	assert.Equal(t, http.StatusConflict, ae.Status)
}
