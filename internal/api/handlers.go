package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openecu/tunegate/internal/ecu"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := s.decode(r, "set_level", &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.orch.SetSafetyLevel(ecu.SafetyLevel(req.Level)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := s.decode(r, "arm", &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.orch.Arm(req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleDisarm(w http.ResponseWriter, _ *http.Request) {
	s.orch.Disarm()
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) engine(r *http.Request) (ecu.Engine, error) {
	return s.orch.Engine(mux.Vars(r)["engine"])
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	ids := s.orch.EngineIDs()
	caps := make([]ecu.EngineCapabilities, 0, len(ids))
	for _, id := range ids {
		e, err := s.orch.Engine(id)
		if err != nil {
			continue
		}
		caps = append(caps, e.Capabilities())
	}
	s.writeJSON(w, http.StatusOK, caps)
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := e.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := e.Disconnect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Status())
}

func (s *Server) handleListMaps(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.ListMaps())
}

func (s *Server) handleGetMap(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := e.GetMap(r.Context(), mux.Vars(r)["map"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleUpdateMap(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Values []float64 `json:"values"`
	}
	if err := s.decode(r, "update_map", &req); err != nil {
		s.writeError(w, err)
		return
	}
	data, err := e.UpdateMap(r.Context(), mux.Vars(r)["map"], req.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.ListActions())
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Args map[string]string `json:"args"`
	}
	if err := s.decode(r, "execute_action", &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := e.ExecuteAction(r.Context(), mux.Vars(r)["action"], req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateChangeset(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ProfileID string          `json:"profile_id"`
		Author    string          `json:"author"`
		Notes     string          `json:"notes"`
		Changes   []ecu.MapChange `json:"changes"`
	}
	if err := s.decode(r, "create_changeset", &req); err != nil {
		s.writeError(w, err)
		return
	}
	cs, err := e.CreateChangeset(req.ProfileID, req.Author, req.Notes, req.Changes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.storeChangeset(cs)
	s.writeJSON(w, http.StatusCreated, cs)
}

func (s *Server) handleGetChangeset(w http.ResponseWriter, r *http.Request) {
	cs, err := s.changeset(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleValidateChangeset(w http.ResponseWriter, r *http.Request) {
	cs, err := s.changeset(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.orch.Engine(cs.EngineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.ValidateChanges(cs))
}

func (s *Server) handleSimulateChangeset(w http.ResponseWriter, r *http.Request) {
	cs, err := s.changeset(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.orch.Engine(cs.EngineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := e.Simulate(cs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EngineID         string `json:"engine_id"`
		ChangesetID      string `json:"changeset_id"`
		VehicleSessionID string `json:"vehicle_session_id"`
	}
	if err := s.decode(r, "create_session", &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.changeset(req.ChangesetID); err != nil {
		s.writeError(w, err)
		return
	}
	view, token, err := s.orch.CreateApplySession(r.Context(), req.EngineID, req.ChangesetID, req.VehicleSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The apply token appears in this response and nowhere else.
	s.writeJSON(w, http.StatusCreated, struct {
		Session any    `json:"session"`
		Token   string `json:"token"`
	}{Session: view, Token: token})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Session(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleArmSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := s.decode(r, "arm_session", &req); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.orch.ArmSession(r.Context(), mux.Vars(r)["id"], req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApplySession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		TechnicianID string `json:"technician_id"`
		JobRef       string `json:"job_ref"`
	}
	if err := s.decode(r, "apply_session", &req); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.orch.Session(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cs, err := s.changeset(view.ChangesetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.orch.ApplySession(r.Context(), id, cs, req.TechnicianID, req.JobRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevertSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RevertSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, &ecu.Error{Kind: ecu.KindNotFound, Message: "journal not configured"})
		return
	}
	records, err := s.journal.SessionTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePrepareFlash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EngineID    string `json:"engine_id"`
		ChangesetID string `json:"changeset_id"`
	}
	if err := s.decode(r, "prepare_flash", &req); err != nil {
		s.writeError(w, err)
		return
	}
	cs, err := s.changeset(req.ChangesetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.orch.PrepareFlash(r.Context(), req.EngineID, cs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListFlashJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.FlashJobs())
}

func (s *Server) handleGetFlashJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.FlashJob(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleValidateFlashJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.ValidateFlashJob(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExecuteFlash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TechnicianID string `json:"technician_id"`
		JobRef       string `json:"job_ref"`
	}
	if err := s.decode(r, "execute_flash", &req); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.orch.ExecuteFlash(r.Context(), mux.Vars(r)["id"], req.TechnicianID, req.JobRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbortFlash(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.AbortFlash(id); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.orch.FlashJob(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, &ecu.Error{Kind: ecu.KindNotFound, Message: "journal not configured"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, &ecu.Error{Kind: ecu.KindValidationFailed, Message: "limit must be an integer"})
			return
		}
		limit = n
	}
	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
