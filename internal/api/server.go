// Package api exposes the orchestrator over HTTP. Request bodies are
// validated against JSON schemas before decoding, and every core error
// kind maps to a stable status code so clients can branch on status
// without parsing messages.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/journal"
	"github.com/openecu/tunegate/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to the orchestrator. It also keeps the
// in-memory changeset registry: changesets are created through the API,
// referenced by ID in session and flash requests, and never mutated.
type Server struct {
	orch    *orchestrator.Orchestrator
	journal *journal.Journal
	log     *slog.Logger
	router  *mux.Router
	schemas map[string]*gojsonschema.Schema

	mu         sync.Mutex
	changesets map[string]ecu.Changeset
}

// New builds a Server. The journal may be nil, in which case the
// journal endpoints answer 404.
func New(orch *orchestrator.Orchestrator, jnl *journal.Journal, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		orch:       orch,
		journal:    jnl,
		log:        log.With("component", "api"),
		router:     mux.NewRouter(),
		schemas:    schemas,
		changesets: make(map[string]ecu.Changeset),
	}
	s.routes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	v1.HandleFunc("/safety/level", s.handleSetLevel).Methods(http.MethodPost)
	v1.HandleFunc("/safety/arm", s.handleArm).Methods(http.MethodPost)
	v1.HandleFunc("/safety/disarm", s.handleDisarm).Methods(http.MethodPost)

	v1.HandleFunc("/engines", s.handleEngines).Methods(http.MethodGet)
	v1.HandleFunc("/engines/{engine}", s.handleEngineStatus).Methods(http.MethodGet)
	v1.HandleFunc("/engines/{engine}/connect", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/engines/{engine}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/engines/{engine}/maps", s.handleListMaps).Methods(http.MethodGet)
	v1.HandleFunc("/engines/{engine}/maps/{map}", s.handleGetMap).Methods(http.MethodGet)
	v1.HandleFunc("/engines/{engine}/maps/{map}", s.handleUpdateMap).Methods(http.MethodPut)
	v1.HandleFunc("/engines/{engine}/actions", s.handleListActions).Methods(http.MethodGet)
	v1.HandleFunc("/engines/{engine}/actions/{action}", s.handleExecuteAction).Methods(http.MethodPost)
	v1.HandleFunc("/engines/{engine}/changesets", s.handleCreateChangeset).Methods(http.MethodPost)

	v1.HandleFunc("/changesets/{id}", s.handleGetChangeset).Methods(http.MethodGet)
	v1.HandleFunc("/changesets/{id}/validate", s.handleValidateChangeset).Methods(http.MethodPost)
	v1.HandleFunc("/changesets/{id}/simulate", s.handleSimulateChangeset).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleRevertSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/arm", s.handleArmSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/apply", s.handleApplySession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/journal", s.handleSessionJournal).Methods(http.MethodGet)

	v1.HandleFunc("/flash/jobs", s.handlePrepareFlash).Methods(http.MethodPost)
	v1.HandleFunc("/flash/jobs", s.handleListFlashJobs).Methods(http.MethodGet)
	v1.HandleFunc("/flash/jobs/{id}", s.handleGetFlashJob).Methods(http.MethodGet)
	v1.HandleFunc("/flash/jobs/{id}/validate", s.handleValidateFlashJob).Methods(http.MethodPost)
	v1.HandleFunc("/flash/jobs/{id}/execute", s.handleExecuteFlash).Methods(http.MethodPost)
	v1.HandleFunc("/flash/jobs/{id}/abort", s.handleAbortFlash).Methods(http.MethodPost)

	v1.HandleFunc("/journal", s.handleJournal).Methods(http.MethodGet)
}

// decode validates the body against the named schema and unmarshals it.
func (s *Server) decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &ecu.Error{Kind: ecu.KindValidationFailed, Message: "read request body", Err: err}
	}
	sch, ok := s.schemas[schema]
	if !ok {
		return &ecu.Error{Kind: ecu.KindInternal, Message: fmt.Sprintf("no schema %q registered", schema)}
	}
	res, err := sch.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ecu.Error{Kind: ecu.KindValidationFailed, Message: "request is not valid JSON", Err: err}
	}
	if !res.Valid() {
		msg := "invalid request"
		if errs := res.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return &ecu.Error{Kind: ecu.KindValidationFailed, Message: msg}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &ecu.Error{Kind: ecu.KindValidationFailed, Message: "decode request body", Err: err}
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Kind    ecu.Kind `json:"kind"`
	Message string   `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := ecu.KindOf(err)
	s.writeJSON(w, statusFor(kind), errorBody{Kind: kind, Message: err.Error()})
}

// statusFor maps an error kind to an HTTP status. The mapping is part
// of the API contract; changing a code is a breaking change.
func statusFor(kind ecu.Kind) int {
	switch kind {
	case ecu.KindNotFound:
		return http.StatusNotFound
	case ecu.KindInvalidCode:
		return http.StatusUnauthorized
	case ecu.KindSecurityAccessDenied:
		return http.StatusForbidden
	case ecu.KindNotArmed, ecu.KindWrongMode:
		return http.StatusConflict
	case ecu.KindExpired:
		return http.StatusGone
	case ecu.KindValidationFailed, ecu.KindChecksumFailed, ecu.KindInvalidLevel:
		return http.StatusUnprocessableEntity
	case ecu.KindTooManySessions:
		return http.StatusTooManyRequests
	case ecu.KindNoInterfaceConnected, ecu.KindNoVehicleResponse:
		return http.StatusServiceUnavailable
	case ecu.KindUnsupportedByEngine:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) storeChangeset(cs ecu.Changeset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changesets[cs.ID] = cs
}

func (s *Server) changeset(id string) (ecu.Changeset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.changesets[id]
	if !ok {
		return ecu.Changeset{}, &ecu.Error{Kind: ecu.KindNotFound, Message: fmt.Sprintf("unknown changeset %q", id)}
	}
	return cs, nil
}
