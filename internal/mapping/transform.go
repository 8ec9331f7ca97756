package mapping

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Transform applies rules to doc and returns a new target payload. doc is
// never modified and repeated calls with the same inputs return equal output.
func Transform(doc any, rules RuleSet) map[string]any {
	return buildObject(doc, rules)
}

func buildObject(doc any, fields []Field) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		setPath(out, f.Target, Resolve(doc, f.Rule))
	}
	return out
}

// Resolve evaluates a single rule against doc.
func Resolve(doc any, rule Rule) any {
	switch r := rule.(type) {
	case Direct:
		v := Lookup(doc, r.Path)
		if v == nil {
			return orDefault(r.Default, r.HasDefault)
		}
		return clone(v)
	case Concat:
		return resolveConcat(doc, r)
	case Map:
		v := Lookup(doc, r.Path)
		if v != nil {
			if mapped, ok := r.Values[stringify(v)]; ok {
				return clone(mapped)
			}
		}
		if r.HasDefault {
			return clone(r.Default)
		}
		return clone(v)
	case Date:
		return resolveDate(doc, r)
	case Number:
		return resolveNumber(doc, r)
	case Boolean:
		v := Lookup(doc, r.Path)
		if v == nil && r.HasDefault {
			return clone(r.Default)
		}
		return truthy(v)
	case Array:
		if r.Fields != nil {
			return buildObject(doc, r.Fields)
		}
		items := make([]any, 0, len(r.Items))
		for _, item := range r.Items {
			items = append(items, Resolve(doc, item))
		}
		return items
	case Static:
		return clone(r.Value)
	default:
		return nil
	}
}

func resolveConcat(doc any, r Concat) any {
	parts := make([]string, 0, len(r.Paths))
	for _, p := range r.Paths {
		v := Lookup(doc, p)
		if v == nil {
			continue
		}
		if s := stringify(v); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return orDefault(r.Default, r.HasDefault)
	}
	return strings.Join(parts, r.Separator)
}

var dateInputLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

var dateAliases = map[string]string{
	"":         time.RFC3339,
	"iso8601":  time.RFC3339,
	"date":     "2006-01-02",
	"datetime": "2006-01-02 15:04:05",
	"time":     "15:04:05",
}

func resolveDate(doc any, r Date) any {
	t, ok := parseTime(Lookup(doc, r.Path))
	if !ok {
		return orDefault(r.Default, r.HasDefault)
	}
	layout := r.Layout
	if alias, ok := dateAliases[strings.ToLower(layout)]; ok {
		layout = alias
	}
	return t.Format(layout)
}

func parseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateInputLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	case float64:
		return time.Unix(int64(val), 0).UTC(), true
	}
	return time.Time{}, false
}

func resolveNumber(doc any, r Number) any {
	v := Lookup(doc, r.Path)
	switch r.Cast {
	case "int", "integer":
		n, ok := toInt(v)
		if !ok {
			return orDefault(r.Default, r.HasDefault)
		}
		return n
	default:
		f, ok := toFloat(v)
		if !ok {
			return orDefault(r.Default, r.HasDefault)
		}
		return f
	}
}

// toInt truncates v toward zero. Integral inputs keep every digit; values
// outside the int64 range are rejected.
func toInt(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return n, true
		}
	case int:
		return int64(val), true
	case int64:
		return val, true
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	f = math.Trunc(f)
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(val)
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", ".")
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "y", "on", "sim", "s":
			return true
		}
		return false
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		f, ok := toFloat(val)
		return ok && f != 0
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func orDefault(def any, has bool) any {
	if !has {
		return nil
	}
	return clone(def)
}

// clone deep-copies JSON containers so the output never aliases doc.
func clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = clone(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = clone(item)
		}
		return out
	default:
		return v
	}
}
