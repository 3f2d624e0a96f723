package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/support-agent/backend/internal/models"
)

// ParseObject pulls the JSON object out of free-form model output by taking
// the text between the first '{' and the last '}'. It never fails: empty,
// truncated or otherwise unparsable input yields an empty map.
func ParseObject(raw string) map[string]any {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

// FieldsFromMap maps a parsed object onto ExtractedFields. Scalars are
// coerced to strings; nulls, empty strings and nested values count as absent.
// When a confidence is present, low_confidence is derived from it.
func FieldsFromMap(obj map[string]any) models.ExtractedFields {
	f := models.ExtractedFields{
		OrderID:     stringField(obj["order_id"]),
		TrackingNo:  stringField(obj["tracking_no"]),
		ProductName: stringField(obj["product_name"]),
		Price:       stringField(obj["price"]),
		IssueType:   stringField(obj["issue_type"]),
		Confidence:  floatField(obj["confidence"]),
	}

	if f.Confidence != nil {
		low := *f.Confidence < models.LowConfidenceThreshold
		f.LowConfidence = &low
	} else if b, ok := obj["low_confidence"].(bool); ok {
		f.LowConfidence = &b
	}
	return f
}

func stringField(v any) *string {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	return &s
}

func floatField(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
