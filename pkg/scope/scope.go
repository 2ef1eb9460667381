// Package scope carries request identity through context.Context and holds the
// per-request call stacks and entry methods used to attribute trace rows.
package scope

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultRequestIDHeader is the inbound correlation header.
const DefaultRequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 255

// Info describes the request a trace row belongs to.
type Info struct {
	RequestID  string
	IPAddress  string
	UserAgent  string
	URL        string
	HTTPMethod string
	Headers    http.Header
}

type contextKey struct{}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the request info stored in ctx, if any.
func FromContext(ctx context.Context) (Info, bool) {
	if ctx == nil {
		return Info{}, false
	}
	info, ok := ctx.Value(contextKey{}).(Info)
	return info, ok
}

// Background returns the metadata used when no HTTP request is available,
// for example in CLI commands and background jobs.
func Background(requestID string) Info {
	if requestID == "" {
		requestID = NewRequestID()
	}
	return Info{
		RequestID:  requestID,
		IPAddress:  "127.0.0.1",
		UserAgent:  "unknown",
		URL:        "unknown",
		HTTPMethod: "TEST",
	}
}

// NewRequestID generates a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFromHeader returns the caller supplied request id, or a generated one.
func RequestIDFromHeader(h http.Header, name string) string {
	if name == "" {
		name = DefaultRequestIDHeader
	}
	id := strings.TrimSpace(h.Get(name))
	if id == "" {
		return NewRequestID()
	}
	if len(id) > maxRequestIDLength {
		id = id[:maxRequestIDLength]
	}
	return id
}

// FromRequest builds Info for an inbound HTTP request. Missing fields fall back
// to the Background sentinels.
func FromRequest(r *http.Request, requestID string) Info {
	info := Background(requestID)
	if r == nil {
		return info
	}
	if r.RemoteAddr != "" {
		info.IPAddress = hostOnly(r.RemoteAddr)
	}
	if ua := r.UserAgent(); ua != "" {
		info.UserAgent = ua
	}
	if r.URL != nil {
		info.URL = r.URL.String()
	}
	if r.Method != "" {
		info.HTTPMethod = r.Method
	}
	info.Headers = r.Header.Clone()
	return info
}

func hostOnly(addr string) string {
	if strings.HasPrefix(addr, "[") {
		if i := strings.Index(addr, "]"); i > 0 {
			return addr[1:i]
		}
	}
	if i := strings.LastIndex(addr, ":"); i > 0 && strings.Count(addr, ":") == 1 {
		return addr[:i]
	}
	return addr
}
