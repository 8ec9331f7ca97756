// Package mapping converts a source event document into the payload a target
// system expects. A rule-set is parsed once into typed rules and then applied
// by Transform, which is a pure function of its inputs.
package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Rule is one of Direct, Concat, Map, Date, Number, Boolean, Array or Static.
type Rule interface {
	kind() string
}

// Direct copies the value found at Path, or Default when it is missing.
type Direct struct {
	Path       string
	Default    any
	HasDefault bool
}

// Concat joins the non-empty values found at Paths with Separator.
type Concat struct {
	Paths      []string
	Separator  string
	Default    any
	HasDefault bool
}

// Map translates the value at Path through Values. Without a match the
// explicit Default wins, otherwise the original value is kept.
type Map struct {
	Path       string
	Values     map[string]any
	Default    any
	HasDefault bool
}

// Date parses the value at Path and renders it with Layout (a Go layout or
// one of the aliases "date", "datetime", "iso8601").
type Date struct {
	Path       string
	Layout     string
	Default    any
	HasDefault bool
}

// Number casts the value at Path to an int64 ("int") or float64 ("float").
type Number struct {
	Path       string
	Cast       string
	Default    any
	HasDefault bool
}

// Boolean applies a truthy cast to the value at Path.
type Boolean struct {
	Path       string
	Default    any
	HasDefault bool
}

// Array builds an object from Fields or, when Items is set, a list.
type Array struct {
	Fields []Field
	Items  []Rule
}

// Static always yields Value.
type Static struct {
	Value any
}

func (Direct) kind() string  { return "direct" }
func (Concat) kind() string  { return "concat" }
func (Map) kind() string     { return "map" }
func (Date) kind() string    { return "date" }
func (Number) kind() string  { return "number" }
func (Boolean) kind() string { return "boolean" }
func (Array) kind() string   { return "array" }
func (Static) kind() string  { return "static" }

// Field binds a target key (dots create nested objects) to a rule.
type Field struct {
	Target string
	Rule   Rule
}

// RuleSet is a parsed mapping, ordered by target key.
type RuleSet []Field

// Parse decodes a JSON rule-set. Only invalid JSON or a non-object top level
// is an error; unknown rule kinds fall back to Direct.
func Parse(raw []byte) (RuleSet, error) {
	fields, err := parseFields(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	return RuleSet(fields), nil
}

func parseFields(raw []byte) ([]Field, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		rule, err := parseRule(obj[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields = append(fields, Field{Target: k, Rule: rule})
	}
	return fields, nil
}

type rawRule struct {
	Type      string                     `json:"type"`
	Source    string                     `json:"source"`
	Sources   []json.RawMessage          `json:"sources"`
	Separator *string                    `json:"separator"`
	Values    map[string]json.RawMessage `json:"values"`
	Default   json.RawMessage            `json:"default"`
	Format    string                     `json:"format"`
	Cast      string                     `json:"cast"`
	Fields    json.RawMessage            `json:"fields"`
	Value     json.RawMessage            `json:"value"`
}

func parseRule(raw json.RawMessage) (Rule, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Direct{}, nil
	}
	switch raw[0] {
	case '"':
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return nil, err
		}
		return Direct{Path: path}, nil
	case '{':
	default:
		return Direct{}, nil
	}

	var in rawRule
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	def, hasDef, err := decodeOptional(in.Default)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(in.Type) {
	case "concat":
		paths := make([]string, 0, len(in.Sources))
		for _, s := range in.Sources {
			var p string
			if json.Unmarshal(s, &p) == nil {
				paths = append(paths, p)
			}
		}
		sep := " "
		if in.Separator != nil {
			sep = *in.Separator
		}
		return Concat{Paths: paths, Separator: sep, Default: def, HasDefault: hasDef}, nil
	case "map":
		values := make(map[string]any, len(in.Values))
		for k, v := range in.Values {
			decoded, _, err := decodeOptional(v)
			if err != nil {
				return nil, err
			}
			values[k] = decoded
		}
		return Map{Path: in.Source, Values: values, Default: def, HasDefault: hasDef}, nil
	case "date":
		return Date{Path: in.Source, Layout: in.Format, Default: def, HasDefault: hasDef}, nil
	case "number":
		return Number{Path: in.Source, Cast: strings.ToLower(in.Cast), Default: def, HasDefault: hasDef}, nil
	case "boolean", "bool":
		return Boolean{Path: in.Source, Default: def, HasDefault: hasDef}, nil
	case "array":
		return parseArray(in)
	case "static":
		v, _, err := decodeOptional(in.Value)
		if err != nil {
			return nil, err
		}
		return Static{Value: v}, nil
	default:
		return Direct{Path: in.Source, Default: def, HasDefault: hasDef}, nil
	}
}

func parseArray(in rawRule) (Rule, error) {
	if len(in.Fields) > 0 && bytes.TrimSpace(in.Fields)[0] == '{' {
		fields, err := parseFields(in.Fields)
		if err != nil {
			return nil, err
		}
		return Array{Fields: fields}, nil
	}
	items := make([]Rule, 0, len(in.Sources))
	for _, s := range in.Sources {
		r, err := parseRule(s)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return Array{Items: items}, nil
}

func decodeOptional(raw json.RawMessage) (any, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}
