package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/engines"
	"github.com/openecu/tunegate/internal/orchestrator"
)

const testArmCode = "octane-9000"

type rig struct {
	srv  *httptest.Server
	orch *orchestrator.Orchestrator
	sim  *engines.SimECU
}

func newRig(t *testing.T) *rig {
	t.Helper()
	bus := ecu.NewBus()
	t.Cleanup(bus.Close)
	clock := ecu.NewFakeClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))

	o := orchestrator.New(testArmCode, orchestrator.WithBus(bus), orchestrator.WithClock(clock))
	spec := engines.UDS()
	sim := engines.NewSimECU(spec)
	eng := engines.New(spec, sim.Transport(), o, bus, engines.WithClock(clock))
	require.NoError(t, o.RegisterEngine(eng))

	s, err := New(o, nil, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &rig{srv: srv, orch: o, sim: sim}
}

// do issues a request and decodes the JSON response into out (skipped
// when out is nil).
func (r *rig) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, r.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := r.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (r *rig) connect(t *testing.T) {
	t.Helper()
	code := r.do(t, http.MethodPost, "/api/v1/engines/uds-gen3/connect", nil, nil)
	require.Equal(t, http.StatusOK, code)
}

// createChangeset posts a rev_limit edit and returns its id.
func (r *rig) createChangeset(t *testing.T, rpm float64) string {
	t.Helper()
	var cs ecu.Changeset
	code := r.do(t, http.MethodPost, "/api/v1/engines/uds-gen3/changesets", map[string]any{
		"profile_id": "profile-1",
		"author":     "tech-7",
		"changes": []map[string]any{
			{"map_id": "rev_limit", "row": 0, "col": 0, "old_value": 7000, "new_value": rpm},
		},
	}, &cs)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, cs.ID)
	return cs.ID
}

func TestHealthz(t *testing.T) {
	r := newRig(t)
	resp, err := r.srv.Client().Get(r.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusAndSafetyLevel(t *testing.T) {
	r := newRig(t)

	var st orchestrator.Overview
	code := r.do(t, http.MethodGet, "/api/v1/status", nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ecu.LevelSimulate, st.Level)
	assert.False(t, st.Armed)

	code = r.do(t, http.MethodPost, "/api/v1/safety/level", map[string]string{"level": "LIVE_APPLY"}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ecu.LevelLiveApply, st.Level)

	// Schema rejects unknown levels before the orchestrator sees them.
	var eb errorBody
	code = r.do(t, http.MethodPost, "/api/v1/safety/level", map[string]string{"level": "TURBO"}, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, ecu.KindValidationFailed, eb.Kind)
}

func TestArmEndpoints(t *testing.T) {
	r := newRig(t)

	var eb errorBody
	code := r.do(t, http.MethodPost, "/api/v1/safety/arm", map[string]string{"code": "wrong"}, &eb)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, ecu.KindInvalidCode, eb.Kind)

	var st orchestrator.Overview
	code = r.do(t, http.MethodPost, "/api/v1/safety/arm", map[string]string{"code": testArmCode}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.Armed)

	code = r.do(t, http.MethodPost, "/api/v1/safety/disarm", nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, st.Armed)
}

func TestEngineAndMapEndpoints(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	var caps []ecu.EngineCapabilities
	code := r.do(t, http.MethodGet, "/api/v1/engines", nil, &caps)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, caps, 1)
	assert.Equal(t, "uds-gen3", caps[0].EngineID)

	var defs []ecu.MapDefinition
	code = r.do(t, http.MethodGet, "/api/v1/engines/uds-gen3/maps", nil, &defs)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, defs)

	var data ecu.MapData
	code = r.do(t, http.MethodGet, "/api/v1/engines/uds-gen3/maps/rev_limit", nil, &data)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rev_limit", data.MapID)
	assert.Len(t, data.Values, 1)

	var eb errorBody
	code = r.do(t, http.MethodGet, "/api/v1/engines/uds-gen3/maps/nope", nil, &eb)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ecu.KindNotFound, eb.Kind)

	code = r.do(t, http.MethodGet, "/api/v1/engines/missing", nil, &eb)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUpdateMapSimulatedByDefault(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	var data ecu.MapData
	code := r.do(t, http.MethodPut, "/api/v1/engines/uds-gen3/maps/rev_limit",
		map[string]any{"values": []float64{7200}}, &data)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "simulated", data.Source)

	// Live updates without an armed session map to 409.
	var eb errorBody
	r.do(t, http.MethodPost, "/api/v1/safety/level", map[string]string{"level": "LIVE_APPLY"}, nil)
	code = r.do(t, http.MethodPut, "/api/v1/engines/uds-gen3/maps/rev_limit",
		map[string]any{"values": []float64{7200}}, &eb)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, ecu.KindNotArmed, eb.Kind)
}

func TestChangesetValidateAndSimulate(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.createChangeset(t, 7200)

	var cs ecu.Changeset
	code := r.do(t, http.MethodGet, "/api/v1/changesets/"+id, nil, &cs)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "uds-gen3", cs.EngineID)

	var vr ecu.ValidationResult
	code = r.do(t, http.MethodPost, "/api/v1/changesets/"+id+"/validate", nil, &vr)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, vr.Valid)

	var sr ecu.SimulationResult
	code = r.do(t, http.MethodPost, "/api/v1/changesets/"+id+"/simulate", nil, &sr)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, sr.Effects, 1)

	var eb errorBody
	code = r.do(t, http.MethodGet, "/api/v1/changesets/unknown", nil, &eb)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.createChangeset(t, 7200)

	r.do(t, http.MethodPost, "/api/v1/safety/level", map[string]string{"level": "LIVE_APPLY"}, nil)
	r.do(t, http.MethodPost, "/api/v1/safety/arm", map[string]string{"code": testArmCode}, nil)

	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Token string `json:"token"`
	}
	code := r.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"engine_id":          "uds-gen3",
		"changeset_id":       id,
		"vehicle_session_id": "veh-1",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.Session.ID)
	require.NotEmpty(t, created.Token)

	armPath := fmt.Sprintf("/api/v1/sessions/%s/arm", created.Session.ID)
	var eb errorBody
	code = r.do(t, http.MethodPost, armPath, map[string]string{"token": "bogus"}, &eb)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = r.do(t, http.MethodPost, armPath, map[string]string{"token": created.Token}, nil)
	require.Equal(t, http.StatusOK, code)

	var res ecu.ApplyResult
	code = r.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/apply", created.Session.ID),
		map[string]string{"technician_id": "tech-7", "job_ref": "RO-1234"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, res.AppliedChanges)

	code = r.do(t, http.MethodDelete, "/api/v1/sessions/"+created.Session.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestCreateSessionRejectedUnderSimulate(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.createChangeset(t, 7200)

	var eb errorBody
	code := r.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"engine_id":          "uds-gen3",
		"changeset_id":       id,
		"vehicle_session_id": "veh-1",
	}, &eb)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, ecu.KindWrongMode, eb.Kind)
}

func TestFlashLifecycleOverHTTP(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.createChangeset(t, 7200)

	r.do(t, http.MethodPost, "/api/v1/safety/level", map[string]string{"level": "FLASH"}, nil)
	r.do(t, http.MethodPost, "/api/v1/safety/arm", map[string]string{"code": testArmCode}, nil)

	var job struct {
		ID string `json:"id"`
	}
	code := r.do(t, http.MethodPost, "/api/v1/flash/jobs", map[string]string{
		"engine_id":    "uds-gen3",
		"changeset_id": id,
	}, &job)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, job.ID)

	// Executing before validation surfaces the checksum gate as 422.
	var eb errorBody
	code = r.do(t, http.MethodPost, "/api/v1/flash/jobs/"+job.ID+"/execute",
		map[string]string{"technician_id": "tech-7", "job_ref": "RO-1"}, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, ecu.KindChecksumFailed, eb.Kind)

	var view struct {
		ChecksumOk   bool   `json:"checksum_ok"`
		ValidationOk bool   `json:"validation_ok"`
		State        string `json:"state"`
		Progress     int    `json:"progress"`
	}
	code = r.do(t, http.MethodPost, "/api/v1/flash/jobs/"+job.ID+"/validate", nil, &view)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, view.ChecksumOk)
	assert.True(t, view.ValidationOk)

	code = r.do(t, http.MethodPost, "/api/v1/flash/jobs/"+job.ID+"/execute",
		map[string]string{"technician_id": "tech-7", "job_ref": "RO-1"}, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETE", view.State)
	assert.Equal(t, 100, view.Progress)
}

func TestSchemaRejectsMalformedBodies(t *testing.T) {
	r := newRig(t)

	var eb errorBody
	code := r.do(t, http.MethodPost, "/api/v1/safety/arm", map[string]any{"codeword": "x"}, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, ecu.KindValidationFailed, eb.Kind)

	code = r.do(t, http.MethodPost, "/api/v1/engines/uds-gen3/changesets", map[string]any{
		"profile_id": "p", "author": "a", "changes": []any{},
	}, &eb)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestJournalNotConfigured(t *testing.T) {
	r := newRig(t)
	var eb errorBody
	code := r.do(t, http.MethodGet, "/api/v1/journal", nil, &eb)
	assert.Equal(t, http.StatusNotFound, code)
}
