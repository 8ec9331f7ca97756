package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/carinho/integracoes/internal/models"
)

type fileEntry struct {
	EventType    string         `yaml:"event_type"`
	TargetSystem string         `yaml:"target_system"`
	Version      string         `yaml:"version"`
	Required     *bool          `yaml:"required"`
	Rules        map[string]any `yaml:"rules"`
}

type file struct {
	Mappings []fileEntry `yaml:"mappings"`
}

// Import reads a YAML mapping file and creates one new version per entry.
//
//	mappings:
//	  - event_type: lead.created
//	    target_system: crm
//	    rules:
//	      full_name: data.name
//	      contact_phone: {type: direct, source: data.phone, default: ""}
func (s *Service) Import(ctx context.Context, r io.Reader) ([]*models.EventMapping, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode mapping file: %w", err)
	}

	created := make([]*models.EventMapping, 0, len(f.Mappings))
	for i, e := range f.Mappings {
		if e.EventType == "" || e.TargetSystem == "" {
			return created, fmt.Errorf("entry %d: event_type and target_system are required", i)
		}
		raw, err := json.Marshal(e.Rules)
		if err != nil {
			return created, fmt.Errorf("entry %d: %w", i, err)
		}
		required := true
		if e.Required != nil {
			required = *e.Required
		}
		m, err := s.CreateVersion(ctx, e.EventType, e.TargetSystem, raw, required, e.Version)
		if err != nil {
			return created, fmt.Errorf("entry %d: %w", i, err)
		}
		created = append(created, m)
	}
	return created, nil
}
