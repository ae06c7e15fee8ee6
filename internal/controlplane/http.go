// SPDX-License-Identifier: MIT

package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// envelope is the `{code, msg, data?}` response shape from original §6.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Numeric codes, unchanged from the original's result.rs constants.
const (
	codeSuccess          = 0
	codeInvalidParameter = 10001
	codeDataNotFound     = 10002
	codeAlreadyPushing   = 10003
	codeNotPushing       = 10004
	codeStreamRunning    = 10007 // update/delete rejected while enabled; not in the original's fixed set
	codeStorageError     = 60001
)

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeSuccess, Msg: "Success", Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Code: codeDataNotFound, Msg: "Data not found"})
	case errors.Is(err, ErrAlreadyPushing):
		writeJSON(w, http.StatusConflict, envelope{Code: codeAlreadyPushing, Msg: "Already pushing"})
	case errors.Is(err, ErrNotPushing):
		writeJSON(w, http.StatusConflict, envelope{Code: codeNotPushing, Msg: "Not pushing"})
	case errors.Is(err, ErrStreamRunning):
		writeJSON(w, http.StatusConflict, envelope{Code: codeStreamRunning, Msg: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, envelope{Code: codeStorageError, Msg: "Database operational error: " + err.Error()})
	}
}

// streamPayload is the request/response body shape for insert/update.
type streamPayload struct {
	Name      string `json:"name"`
	InputURL  string `json:"rtsp"`
	OutputURL string `json:"rtmp"`
}

// NewRouter mounts the control-plane Service as a go-chi/chi router under
// /api, matching the original's add_ipc/update_ipc/delete_ipc/get_ipc/
// ipc_publish_start/ipc_publish_stop route shape (original §4.5). It does
// not implement the token/session auth layer (an explicit non-goal boundary
// per SPEC_FULL.md §4.5) — callers wanting auth should wrap the returned
// handler in their own middleware.
func NewRouter(svc *Service) http.Handler {
	r := chi.NewRouter()

	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/", svc.handleList)
		r.Post("/", svc.handleInsert)
		r.Get("/next-key", svc.handleNextKey)
		r.Get("/counts", svc.handleCounts)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", svc.handleGet)
			r.Put("/", svc.handleUpdate)
			r.Delete("/", svc.handleDelete)
			r.Post("/start", svc.handleStart)
			r.Post("/stop", svc.handleStop)
		})
	})

	return r
}

func idFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	rows, _ := strconv.Atoi(q.Get("rows"))
	recs, err := s.ListStreams(r.Context(), page, rows, q.Get("keyword"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, recs)
}

func (s *Service) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req streamPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter"})
		return
	}
	rec, err := s.InsertStream(r.Context(), req.Name, req.InputURL, req.OutputURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, rec)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter: id"})
		return
	}
	var req streamPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter"})
		return
	}
	if err := s.UpdateStream(r.Context(), id, req.Name, req.InputURL, req.OutputURL); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter: id"})
		return
	}
	if err := s.DeleteStream(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter: id"})
		return
	}
	rec, err := s.GetStream(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, rec)
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter: id"})
		return
	}
	if err := s.RequestStart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: codeInvalidParameter, Msg: "Invalid parameter: id"})
		return
	}
	if err := s.RequestStop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Service) handleNextKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.GenerateNextKey(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"key": key})
}

func (s *Service) handleCounts(w http.ResponseWriter, r *http.Request) {
	total, err := s.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	enabled, err := s.CountEnabled(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	withReason, err := s.CountWithReason(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]int64{"total": total, "enabled": enabled, "with_reason": withReason})
}
