package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/carinho/integracoes/internal/mapping"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/storage"
)

type MappingHandler struct {
	mappings *mapping.Service
	store    storage.Storage
}

func NewMappingHandler(svc *mapping.Service, store storage.Storage) *MappingHandler {
	return &MappingHandler{mappings: svc, store: store}
}

type createMappingRequest struct {
	EventType    string          `json:"event_type"`
	TargetSystem string          `json:"target_system"`
	Mapping      json.RawMessage `json:"mapping"`
	Version      string          `json:"version"`
	Required     *bool           `json:"required"`
}

// Create stores a new mapping version. A YAML body is treated as a mapping
// file and may carry several entries.
func (h *MappingHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		created, err := h.mappings.Import(r.Context(), r.Body)
		if err != nil {
			writeError(w, mappingStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	var req createMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" || req.TargetSystem == "" {
		writeError(w, http.StatusBadRequest, "event_type and target_system are required")
		return
	}
	if _, err := mapping.Parse(req.Mapping); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	required := true
	if req.Required != nil {
		required = *req.Required
	}

	m, err := h.mappings.CreateVersion(r.Context(), req.EventType, req.TargetSystem, req.Mapping, required, req.Version)
	if err != nil {
		writeError(w, mappingStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func mappingStatus(err error) int {
	if errors.Is(err, mapping.ErrVersionExists) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (h *MappingHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ms, err := h.store.ListMappings(r.Context(), q.Get("event_type"), q.Get("target_system"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list mappings")
		return
	}
	if ms == nil {
		ms = []models.EventMapping{}
	}
	writeJSON(w, http.StatusOK, ms)
}
