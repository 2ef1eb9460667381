package tracelog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is the normalized form of an operation's return value. The set of
// implementations is closed: StructuredData, ResponseLike, RawString, Opaque.
type Result interface {
	responseData() map[string]any
	status() (int, bool)
}

// StructuredData is a result that is already a key/value payload.
type StructuredData map[string]any

// ResponseLike is an HTTP-response shaped result.
type ResponseLike struct {
	Status      int
	ContentType string
	Headers     http.Header
	Body        any
}

// RawString is a textual result; JSON text is decoded when stored.
type RawString string

// Opaque wraps any other value.
type Opaque struct {
	Value any
}

func (d StructuredData) responseData() map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return map[string]any(d)
}

func (StructuredData) status() (int, bool) { return 0, false }

func (r ResponseLike) responseData() map[string]any {
	out := map[string]any{}
	switch body := r.Body.(type) {
	case nil:
	case []byte:
		mergeDecoded(out, string(body))
	case string:
		mergeDecoded(out, body)
	case map[string]any:
		for k, v := range body {
			out[k] = v
		}
	default:
		out["data"] = jsonCompatible(body)
	}
	if r.Status != 0 {
		out["status_code"] = r.Status
	}
	if r.ContentType != "" {
		out["content_type"] = r.ContentType
	}
	if len(r.Headers) > 0 {
		out["headers"] = map[string][]string(r.Headers.Clone())
	}
	return out
}

func (r ResponseLike) status() (int, bool) {
	return r.Status, r.Status != 0
}

func (s RawString) responseData() map[string]any {
	out := map[string]any{}
	mergeDecoded(out, string(s))
	return out
}

func (RawString) status() (int, bool) { return 0, false }

func (o Opaque) responseData() map[string]any {
	if m, ok := jsonCompatible(o.Value).(map[string]any); ok {
		return m
	}
	return map[string]any{"value": jsonCompatible(o.Value)}
}

func (Opaque) status() (int, bool) { return 0, false }

// Classify converts an arbitrary operation result into a Result.
func Classify(v any) Result {
	switch t := v.(type) {
	case Result:
		return t
	case map[string]any:
		return StructuredData(t)
	case string:
		return RawString(t)
	case []byte:
		return RawString(t)
	case json.RawMessage:
		return RawString(t)
	case *http.Response:
		if t == nil {
			return Opaque{}
		}
		return ResponseLike{Status: t.StatusCode, ContentType: t.Header.Get("Content-Type"), Headers: t.Header}
	default:
		return Opaque{Value: v}
	}
}

// mergeDecoded stores s decoded as JSON into out. JSON objects are merged,
// other JSON values go under "data", and non-JSON text under "content".
func mergeDecoded(out map[string]any, s string) {
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		out["content"] = s
		return
	}
	if m, ok := decoded.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
		return
	}
	out["data"] = decoded
}

// normalize converts v into the plain maps, slices and scalars the sanitizer
// walks, so that struct values cannot carry sensitive fields past it.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time, json.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]string, []string, map[string][]string:
		return v
	case http.Header:
		return map[string][]string(t)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return jsonCompatible(v)
	}
}

// jsonCompatible converts v to plain maps, slices and scalars by a JSON round
// trip. Values that cannot be encoded are replaced by their type name.
func jsonCompatible(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"unserializable": typeName(v)}
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"unserializable": typeName(v)}
	}
	return out
}
