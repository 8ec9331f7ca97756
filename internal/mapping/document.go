package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

// SourceDocument is what rule paths are evaluated against. The event payload
// sits under "data", so "data.name" addresses a payload field.
func SourceDocument(ev *models.Event) (map[string]any, error) {
	var data any
	if len(bytes.TrimSpace(ev.Payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(ev.Payload))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return map[string]any{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"source":     ev.SourceSystem,
		"timestamp":  ev.OccurredAt.UTC().Format(time.RFC3339),
		"data":       data,
	}, nil
}

// Apply parses the mapping's rules and transforms ev into the target payload.
func Apply(m *models.EventMapping, ev *models.Event) (json.RawMessage, error) {
	rules, err := Parse(m.Mapping)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", m.ID, err)
	}
	doc, err := SourceDocument(ev)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(Transform(doc, rules))
	if err != nil {
		return nil, fmt.Errorf("encode target payload: %w", err)
	}
	return out, nil
}
