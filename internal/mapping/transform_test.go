package mapping

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func mustParse(t *testing.T, s string) RuleSet {
	t.Helper()
	rules, err := Parse([]byte(s))
	require.NoError(t, err)
	return rules
}

const leadDoc = `{
	"event_type": "lead.created",
	"source": "site",
	"data": {
		"name": "Maria",
		"last_name": "Silva",
		"phone": "+5511999990000",
		"status": "novo",
		"age": "42",
		"score": 7.5,
		"opt_in": "sim",
		"created": "2026-03-05 14:30:00",
		"items": [{"sku": "A1"}, {"sku": "B2"}],
		"address": {"city": "São Paulo", "uf": "SP"}
	}
}`

func TestTransform_RuleKinds(t *testing.T) {
	doc := decodeDoc(t, leadDoc)

	tests := []struct {
		name     string
		rules    string
		expected map[string]any
	}{
		{
			name:     "bare path",
			rules:    `{"full_name": "data.name", "contact_phone": "data.phone"}`,
			expected: map[string]any{"full_name": "Maria", "contact_phone": "+5511999990000"},
		},
		{
			name:     "direct with default for missing path",
			rules:    `{"email": {"type": "direct", "source": "data.email", "default": "n/a"}}`,
			expected: map[string]any{"email": "n/a"},
		},
		{
			name:     "missing path without default is null",
			rules:    `{"email": "data.email"}`,
			expected: map[string]any{"email": nil},
		},
		{
			name:     "concat skips missing parts",
			rules:    `{"name": {"type": "concat", "sources": ["data.name", "data.middle", "data.last_name"], "separator": " "}}`,
			expected: map[string]any{"name": "Maria Silva"},
		},
		{
			name:     "map hit",
			rules:    `{"stage": {"type": "map", "source": "data.status", "values": {"novo": "new", "ganho": "won"}}}`,
			expected: map[string]any{"stage": "new"},
		},
		{
			name:     "map miss keeps original value",
			rules:    `{"stage": {"type": "map", "source": "data.status", "values": {"ganho": "won"}}}`,
			expected: map[string]any{"stage": "novo"},
		},
		{
			name:     "map miss uses explicit default",
			rules:    `{"stage": {"type": "map", "source": "data.status", "values": {"ganho": "won"}, "default": "other"}}`,
			expected: map[string]any{"stage": "other"},
		},
		{
			name:     "date reformat",
			rules:    `{"day": {"type": "date", "source": "data.created", "format": "02/01/2006"}}`,
			expected: map[string]any{"day": "05/03/2026"},
		},
		{
			name:     "date alias",
			rules:    `{"day": {"type": "date", "source": "data.created", "format": "date"}}`,
			expected: map[string]any{"day": "2026-03-05"},
		},
		{
			name:     "number int cast from string",
			rules:    `{"age": {"type": "number", "source": "data.age", "cast": "int"}}`,
			expected: map[string]any{"age": int64(42)},
		},
		{
			name:     "number float cast",
			rules:    `{"score": {"type": "number", "source": "data.score", "cast": "float"}}`,
			expected: map[string]any{"score": 7.5},
		},
		{
			name:     "number default on garbage",
			rules:    `{"n": {"type": "number", "source": "data.name", "cast": "int", "default": 0}}`,
			expected: map[string]any{"n": json.Number("0")},
		},
		{
			name:     "boolean truthy",
			rules:    `{"opt_in": {"type": "boolean", "source": "data.opt_in"}, "vip": {"type": "boolean", "source": "data.vip"}}`,
			expected: map[string]any{"opt_in": true, "vip": false},
		},
		{
			name:  "array object from fields",
			rules: `{"address": {"type": "array", "fields": {"city": "data.address.city", "state": "data.address.uf"}}}`,
			expected: map[string]any{"address": map[string]any{
				"city": "São Paulo", "state": "SP",
			}},
		},
		{
			name:     "array list from sources",
			rules:    `{"skus": {"type": "array", "sources": ["data.items[0].sku", "data.items.1.sku"]}}`,
			expected: map[string]any{"skus": []any{"A1", "B2"}},
		},
		{
			name:     "static",
			rules:    `{"origin": {"type": "static", "value": "integracoes"}}`,
			expected: map[string]any{"origin": "integracoes"},
		},
		{
			name:     "dotted target builds nested object",
			rules:    `{"contact.name": "data.name", "contact.phone": "data.phone"}`,
			expected: map[string]any{"contact": map[string]any{"name": "Maria", "phone": "+5511999990000"}},
		},
		{
			name:     "unknown kind degrades to direct",
			rules:    `{"full_name": {"type": "uppercase", "source": "data.name"}}`,
			expected: map[string]any{"full_name": "Maria"},
		},
		{
			name:     "non-object rule degrades to null",
			rules:    `{"weird": 12}`,
			expected: map[string]any{"weird": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transform(doc, mustParse(t, tt.rules))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTransform_IntCastRange(t *testing.T) {
	doc := decodeDoc(t, `{"data": {
		"big": 9007199254740993,
		"fraction": -12.9,
		"huge": 1e30,
		"overflow": 9223372036854775808,
		"max": "9223372036854775807",
		"inf": "Infinity"
	}}`)
	rules := mustParse(t, `{
		"big": {"type": "number", "source": "data.big", "cast": "int"},
		"fraction": {"type": "number", "source": "data.fraction", "cast": "int"},
		"huge": {"type": "number", "source": "data.huge", "cast": "int", "default": 0},
		"overflow": {"type": "number", "source": "data.overflow", "cast": "int", "default": -1},
		"max": {"type": "number", "source": "data.max", "cast": "int"},
		"inf": {"type": "number", "source": "data.inf", "cast": "int", "default": 0}
	}`)

	got := Transform(doc, rules)
	assert.Equal(t, map[string]any{
		"big":      int64(9007199254740993),
		"fraction": int64(-12),
		"huge":     json.Number("0"),
		"overflow": json.Number("-1"),
		"max":      int64(9223372036854775807),
		"inf":      json.Number("0"),
	}, got)
}

func TestTransform_IsPure(t *testing.T) {
	doc := decodeDoc(t, leadDoc)
	before, err := json.Marshal(doc)
	require.NoError(t, err)

	rules := mustParse(t, `{
		"address": "data.address",
		"address.extra": {"type": "static", "value": 1},
		"skus": {"type": "array", "sources": ["data.items"]}
	}`)

	first := Transform(doc, rules)
	second := Transform(doc, rules)
	assert.Equal(t, first, second)

	after, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "source document must not change")

	first["address"].(map[string]any)["city"] = "Rio"
	assert.Equal(t, "São Paulo", Lookup(doc, "data.address.city"), "output must not alias the source")
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"a": `))
	assert.Error(t, err)

	_, err = Parse([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	doc := decodeDoc(t, leadDoc)

	assert.Equal(t, "A1", Lookup(doc, "data.items[0].sku"))
	assert.Equal(t, "B2", Lookup(doc, "data.items.1.sku"))
	assert.Nil(t, Lookup(doc, "data.items[5].sku"))
	assert.Nil(t, Lookup(doc, "data.name.first"))
	assert.Nil(t, Lookup(doc, "nope"))
	assert.Nil(t, Lookup(doc, ""))
}
