package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carinho/integracoes/internal/ingest"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/storage"
)

type EventHandler struct {
	ingest *ingest.Service
	store  storage.Storage
}

func NewEventHandler(svc *ingest.Service, store storage.Storage) *EventHandler {
	return &EventHandler{ingest: svc, store: store}
}

type createEventRequest struct {
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type createEventResponse struct {
	ID     string             `json:"id"`
	Status models.EventStatus `json:"status"`
}

const maxPayloadSize = 256 * 1024 // 256KB

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	occurredAt, err := parseTimestamp(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "timestamp must be ISO-8601")
		return
	}

	ev, err := h.ingest.CreateEvent(r.Context(), req.EventType, req.Source, req.Data, occurredAt)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}
	writeJSON(w, http.StatusAccepted, createEventResponse{ID: ev.ID, Status: ev.Status})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	events, err := h.store.ListEvents(r.Context(), storage.EventFilter{
		Status:       models.EventStatus(q.Get("status")),
		EventType:    q.Get("event_type"),
		SourceSystem: q.Get("source"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type eventDetail struct {
	*models.Event
	Deliveries []models.WebhookDelivery `json:"deliveries"`
	DeadLetter *models.DeadLetter       `json:"dead_letter,omitempty"`
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	deliveries, err := h.store.ListDeliveriesByEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	dl, err := h.store.GetDeadLetterByEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}

	writeJSON(w, http.StatusOK, eventDetail{Event: ev, Deliveries: deliveries, DeadLetter: dl})
}
