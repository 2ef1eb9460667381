// Package sanitize redacts sensitive values from nested payloads before they are persisted.
package sanitize

import (
	"strings"
)

// Redaction markers written in place of sensitive values.
const (
	Hidden       = "[HIDDEN]"
	Masked       = "[MASKED]"
	Empty        = "[EMPTY]"
	BearerHidden = "Bearer [HIDDEN]"
)

const bearerPrefix = "Bearer "

// sensitiveKeys are matched as substrings of the lower-cased key.
var sensitiveKeys = []string{
	"password", "passwd", "pwd", "pass",
	"token", "access_token", "refresh_token", "api_token", "auth_token",
	"secret", "key", "private_key", "secret_key",
	"credit_card", "card_number", "cvv", "cvc",
	"ssn", "social_security",
	"email", "phone", "telephone",
	"authorization", "auth",
	"session_id", "sessionid",
	"cookie", "cookies",
	"x-api-key", "x-auth-token",
	"bearer", "jwt",
}

// IsSensitiveKey reports whether values stored under key must be redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isMarker(s string) bool {
	switch s {
	case Hidden, Masked, Empty, BearerHidden:
		return true
	}
	return false
}

// MaskValue masks a single string value, keeping the scheme of bearer credentials visible.
func MaskValue(s string) string {
	switch {
	case s == "":
		return Empty
	case isMarker(s):
		return s
	case strings.HasPrefix(s, bearerPrefix):
		return BearerHidden
	default:
		return Hidden
	}
}

// Map returns a redacted copy of data. The input is not modified.
func Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsSensitiveKey(k) {
			out[k] = maskSensitive(v)
			continue
		}
		out[k] = Value(v)
	}
	return out
}

// Value recurses into maps and slices; scalars pass through unchanged.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if IsSensitiveKey(k) {
				out[k] = maskSensitive(s)
				continue
			}
			out[k] = s
		}
		return out
	case map[string][]string:
		out := make(map[string]any, len(t))
		for k, list := range t {
			if IsSensitiveKey(k) {
				out[k] = maskSensitive(list)
				continue
			}
			out[k] = Value(list)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func maskSensitive(v any) any {
	switch t := v.(type) {
	case string:
		if t == "" {
			return Masked
		}
		return MaskValue(t)
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = MaskValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				out[i] = Hidden
				continue
			}
			out[i] = MaskValue(s)
		}
		return out
	default:
		return Masked
	}
}
