package progress

import "strings"

// redactedValue replaces any metadata value whose key matches the denylist.
const redactedValue = "[REDACTED]"

// denylist is matched case-insensitively as a substring of the key, so
// "apiKey", "DB_PASSWORD" and "registry_token" are all caught.
var denylist = []string{"password", "token", "secret", "apikey", "key"}

// Redact returns a copy of metadata with sensitive values replaced by
// "[REDACTED]". Nested maps and slices are walked recursively; non-sensitive
// siblings are left untouched. The input is never mutated.
func Redact(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if sensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, d := range denylist {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}
