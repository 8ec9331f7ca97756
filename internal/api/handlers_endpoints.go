package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/registry"
)

type EndpointHandler struct {
	registry *registry.Registry
}

func NewEndpointHandler(reg *registry.Registry) *EndpointHandler {
	return &EndpointHandler{registry: reg}
}

type registerEndpointRequest struct {
	Source string   `json:"source"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// endpointWithSecret is only ever rendered for a newly created endpoint.
type endpointWithSecret struct {
	*models.WebhookEndpoint
	Secret string `json:"secret"`
}

func (h *EndpointHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, created, err := h.registry.Register(r.Context(), req.Source, req.URL, req.Events)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidEndpoint) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to register endpoint")
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, endpointWithSecret{WebhookEndpoint: ep, Secret: ep.Secret})
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get endpoint")
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	eps, err := h.registry.List(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}
	if eps == nil {
		eps = []models.WebhookEndpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *EndpointHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.registry.Deactivate)
}

func (h *EndpointHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.registry.Activate)
}

func (h *EndpointHandler) setStatus(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		if registry.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update endpoint")
		return
	}
	ep, err := h.registry.Get(r.Context(), id)
	if err != nil || ep == nil {
		writeError(w, http.StatusInternalServerError, "failed to get endpoint")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}
