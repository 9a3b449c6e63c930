package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arbitergames/arbiter-server-go/internal/engine"
	"github.com/arbitergames/arbiter-server-go/internal/fault"
	"github.com/arbitergames/arbiter-server-go/internal/router"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/session"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20 // 1 MiB

type createSessionRequest struct {
	RuleSet json.RawMessage `json:"ruleset"`
	Players []string        `json:"players"`
}

type sessionResponse struct {
	SessionID string               `json:"sessionId"`
	Phase     string               `json:"phase"`
	Ended     bool                 `json:"ended"`
	Fault     *fault.GameError     `json:"fault,omitempty"`
	State     state.Tree           `json:"state"`
	Steps     []*engine.StepResult `json:"steps,omitempty"`
}

type inputRequest struct {
	PlayerID string          `json:"playerId"`
	Action   json.RawMessage `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rs, err := ruleset.Parse(req.RuleSet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, steps, err := s.manager.Create(r.Context(), rs, req.Players)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.recordSteps(steps)

	writeJSON(w, http.StatusCreated, sessionSummary(sess, steps))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionSummary(sess, nil))
}

// handleGetAliasedView returns the state re-keyed by player aliases: the
// exact view handed to the external judge, with no canonical ids in it.
func (s *Server) handleGetAliasedView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"aliases":   sess.Mapping.Aliases(),
		"state":     sess.Mapping.AliasedView(sess.State),
	})
}

func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "sessionID")

	var action any
	if len(req.Action) > 0 {
		if err := json.Unmarshal(req.Action, &action); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	start := time.Now()
	steps, err := s.manager.Submit(r.Context(), id, &router.PlayerInput{
		PlayerID: req.PlayerID,
		Action:   action,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	recordAdvance(time.Since(start))
	s.recordSteps(steps)

	s.respondWithSteps(w, r, id, steps)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	start := time.Now()
	steps, err := s.manager.Advance(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	recordAdvance(time.Since(start))
	s.recordSteps(steps)

	s.respondWithSteps(w, r, id, steps)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	if s.logger != nil {
		s.logger.Info("session deleted via api", zap.String("session_id", id))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondWithSteps(w http.ResponseWriter, r *http.Request, id string, steps []*engine.StepResult) {
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionSummary(sess, steps))
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) recordSteps(steps []*engine.StepResult) {
	for _, st := range steps {
		recordStep(string(st.Decision.Kind))
		if st.Decision.Fatal != nil {
			recordFatal(string(st.Decision.Fatal.Kind))
		}
	}
	sessionsActive.Set(float64(s.manager.LiveCount()))
}

func sessionSummary(sess *engine.Session, steps []*engine.StepResult) sessionResponse {
	phase := sess.State.GetString(state.PathCurrentPhase)
	ended := sess.State.GetBool(state.PathGameEnded)
	ge, _ := fault.FromState(sess.State)
	return sessionResponse{
		SessionID: sess.ID,
		Phase:     phase,
		Ended:     ended,
		Fault:     ge,
		State:     sess.State,
		Steps:     steps,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
