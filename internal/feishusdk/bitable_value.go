package feishusdk

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BitableValueToString normalizes a Feishu bitable cell value into a plain string.
// It follows the official bitable value structures (text/number/boolean/list/object)
// and strips schema metadata such as type wrappers.
// Reference: https://feishu.apifox.cn/doc-436428.md
func BitableValueToString(value any) string {
	return strings.TrimSpace(normalizeBitableValue(value))
}

// BitableFieldString reads a field value from a Feishu bitable row fields map as string.
func BitableFieldString(fields map[string]any, name string) string {
	if fields == nil || strings.TrimSpace(name) == "" {
		return ""
	}
	val, ok := fields[name]
	if !ok {
		return ""
	}
	return BitableValueToString(val)
}

// BitableValueToInt64 converts a Feishu bitable cell value into int64 with best-effort parsing.
func BitableValueToInt64(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int64(f)
		}
		return 0
	default:
		trimmed := strings.TrimSpace(fmt.Sprint(v))
		if trimmed == "" {
			return 0
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int64(f)
		}
		return 0
	}
}

// bitableTimeValue decodes a Feishu datetime cell (unix millis or common layout).
func bitableTimeValue(value any) *time.Time {
	switch v := value.(type) {
	case float64:
		ts := int64(v)
		if ts == 0 {
			return nil
		}
		t := time.UnixMilli(ts)
		return &t
	case int64:
		if v == 0 {
			return nil
		}
		t := time.UnixMilli(v)
		return &t
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", trimmed); err == nil {
			return &parsed
		}
		if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil && ms > 0 {
			t := time.UnixMilli(ms)
			return &t
		}
	}
	return nil
}

func normalizeBitableValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case json.Number:
		return strings.TrimSpace(v.String())
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []any:
		return normalizeBitableArray(v)
	case map[string]any:
		return normalizeBitableObject(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func normalizeBitableArray(items []any) string {
	if len(items) == 0 {
		return ""
	}
	if isRichTextArray(items) {
		return joinRichText(items)
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		part := normalizeBitableValue(item)
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ",")
}

func normalizeBitableObject(obj map[string]any) string {
	if obj == nil {
		return ""
	}
	for _, key := range []string{"value", "values", "elements", "content"} {
		if nested, ok := obj[key]; ok {
			if text := normalizeBitableValue(nested); text != "" {
				return text
			}
		}
	}
	if text, ok := obj["text"].(string); ok {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	if link, ok := obj["link"].(string); ok {
		if trimmed := strings.TrimSpace(link); trimmed != "" {
			return trimmed
		}
	}
	if name := pickFirstString(obj, "name", "en_name", "email", "id", "user_id"); name != "" {
		return name
	}
	if b, err := json.Marshal(obj); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}

func isRichTextArray(items []any) bool {
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if _, hasText := m["text"]; hasText {
				return true
			}
		}
	}
	return false
}

func joinRichText(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if text, ok := m["text"].(string); ok {
				if trimmed := strings.TrimSpace(text); trimmed != "" {
					parts = append(parts, trimmed)
				}
				continue
			}
			if nested, ok := m["value"]; ok {
				if nestedText := normalizeBitableValue(nested); nestedText != "" {
					parts = append(parts, nestedText)
				}
			}
		} else if text := normalizeBitableValue(item); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}

func pickFirstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := obj[key]; ok {
			if text := normalizeBitableValue(raw); text != "" {
				return text
			}
		}
	}
	return ""
}

func formatFloat(v float64) string {
	if math.Mod(v, 1) == 0 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
