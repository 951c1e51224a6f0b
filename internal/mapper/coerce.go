package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FieldType is the upstream column type of a mapping row. Coercion
// dispatches on it; the raw JSON shape of a value varies per type and per
// upstream version, so each coercion accepts every shape seen in the wild.
type FieldType int

const (
	TypeText FieldType = iota
	TypeNumber
	TypeSingleSelect
	TypeMultiSelect
	TypeLink
	TypeAttachment
	TypeLookup
	TypeFormula
	TypeTimestamp
	TypeAutoNumber
)

// String returns the lowercase type tag used in warnings and logs.
func (t FieldType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeNumber:
		return "number"
	case TypeSingleSelect:
		return "singleSelect"
	case TypeMultiSelect:
		return "multiSelect"
	case TypeLink:
		return "link"
	case TypeAttachment:
		return "attachment"
	case TypeLookup:
		return "lookup"
	case TypeFormula:
		return "formula"
	case TypeTimestamp:
		return "timestamp"
	case TypeAutoNumber:
		return "autoNumber"
	default:
		return "unknown"
	}
}

// coerceBy renders a raw value of the given column type as a string.
// Number and timestamp columns have dedicated typed coercers; their
// string renderings here serve lookup and formula projections.
func coerceBy(t FieldType, raw any) string {
	switch t {
	case TypeSingleSelect:
		return coerceSelect(raw, false)
	case TypeMultiSelect:
		return coerceSelect(raw, true)
	case TypeAutoNumber:
		return coerceAutoNumber(raw)
	case TypeLink:
		return coerceLink(raw)
	case TypeNumber:
		if raw == nil {
			return ""
		}

		return trimFloat(coerceNumber(raw))
	default:
		return coerceText(raw)
	}
}

// coerceText flattens any text-ish upstream value to a trimmed,
// NFC-normalized string. Nil becomes the empty string.
func coerceText(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return cleanText(v)
	case map[string]any:
		if t, ok := v["text"].(string); ok {
			return cleanText(t)
		}

		if t, ok := v["value"]; ok {
			return coerceText(t)
		}

		return ""
	case []any:
		// Rich-text arrays and lookup projections: concatenate segments.
		var b strings.Builder
		for _, seg := range v {
			b.WriteString(coerceText(seg))
		}

		return cleanText(b.String())
	case float64:
		return trimFloat(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return cleanText(fmt.Sprint(v))
	}
}

// cleanText trims whitespace and normalizes to NFC so digests are stable
// across upstream unicode forms.
func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// trimFloat renders a float without a trailing ".000000" tail.
func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// coerceNumber converts a numeric-ish value to a float rounded to two
// decimals. NaN, infinities, and garbage strings coerce to 0 (tolerant
// mode); non-core numeric fields never fail a record.
func coerceNumber(raw any) float64 {
	switch v := raw.(type) {
	case nil:
		return 0
	case float64:
		return round2(v)
	case int:
		return round2(float64(v))
	case int64:
		return round2(float64(v))
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		s = strings.TrimPrefix(s, "¥")
		s = strings.TrimPrefix(s, "$")

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}

		return round2(f)
	case map[string]any:
		if inner, ok := v["value"]; ok {
			return coerceNumber(inner)
		}

		return 0
	case []any:
		if len(v) > 0 {
			return coerceNumber(v[0])
		}

		return 0
	default:
		return 0
	}
}

// round2 rounds to two decimal places, mapping NaN and infinities to 0.
func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return math.Round(v*100) / 100
}

// round4 rounds to four decimal places. Used for derived ratios.
func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return math.Round(v*10000) / 10000
}

// coerceSelect flattens single/multi select values. Single select takes
// the first option; multi select joins all options with ", ".
func coerceSelect(raw any, multi bool) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return cleanText(v)
	case []any:
		if len(v) == 0 {
			return ""
		}

		if !multi {
			return coerceText(v[0])
		}

		parts := make([]string, 0, len(v))
		for _, opt := range v {
			if s := coerceText(opt); s != "" {
				parts = append(parts, s)
			}
		}

		return strings.Join(parts, ", ")
	default:
		return coerceText(v)
	}
}

// coerceAttachmentTokens extracts file tokens from an attachment value in
// upstream order. Items without a token are skipped.
func coerceAttachmentTokens(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var tokens []string

	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		if tok, ok := m["file_token"].(string); ok && tok != "" {
			tokens = append(tokens, tok)
		} else if tok, ok := m["token"].(string); ok && tok != "" {
			tokens = append(tokens, tok)
		}
	}

	return tokens
}

// timestampLayouts are accepted ISO-ish string forms, most specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceTimestamp converts epoch-ms numbers, ISO strings, or structured
// {timestamp: ...} values to a UTC time. Returns the zero time when the
// value is absent or unparseable; the mapping's default decides whether
// that falls back to now().
func coerceTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case nil:
		return time.Time{}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}
		}

		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}

		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}

		return time.Time{}
	case map[string]any:
		if inner, ok := v["timestamp"]; ok {
			return coerceTimestamp(inner)
		}

		if inner, ok := v["value"]; ok {
			return coerceTimestamp(inner)
		}

		return time.Time{}
	default:
		return time.Time{}
	}
}

// coerceLink extracts a URL from a string or {link, text} value.
func coerceLink(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if l, ok := v["link"].(string); ok {
			return strings.TrimSpace(l)
		}

		if l, ok := v["url"].(string); ok {
			return strings.TrimSpace(l)
		}

		return ""
	default:
		return ""
	}
}

// validateLink rejects non-http(s) URLs.
func validateLink(s string) error {
	if s == "" {
		return nil
	}

	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return fmt.Errorf("mapper: link %q is not an absolute http(s) URL", s)
	}

	return nil
}
