package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carinho/integracoes/internal/deadletter"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/storage"
)

type DeadLetterHandler struct {
	svc *deadletter.Service
}

func NewDeadLetterHandler(svc *deadletter.Service) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	includeArchived := r.URL.Query().Get("archived") == "true"
	dls, err := h.svc.List(r.Context(), includeArchived, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if dls == nil {
		dls = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDeadLetterError(w, err, "failed to get dead letter")
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDeadLetterError(w, err, "failed to retry dead letter")
		return
	}
	writeJSON(w, http.StatusAccepted, createEventResponse{ID: ev.ID, Status: ev.Status})
}

type archiveRequest struct {
	Note string `json:"note"`
}

func (h *DeadLetterHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dl, err := h.svc.Archive(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeDeadLetterError(w, err, "failed to archive dead letter")
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func writeDeadLetterError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, deadletter.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, deadletter.ErrArchived):
		writeError(w, http.StatusConflict, "dead letter is archived")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
