package scope

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// UnknownMethod is reported for rows written before any instrumented method ran.
const UnknownMethod = "unknown"

// EntryMethods records the first instrumented method of each request lifecycle.
type EntryMethods struct {
	methods *xsync.MapOf[string, string]
}

// NewEntryMethods creates an empty resolver.
func NewEntryMethods() *EntryMethods {
	return &EntryMethods{methods: xsync.NewMapOf[string, string]()}
}

// SetIfAbsent records method for requestID unless one is already set, and
// returns the method in effect.
func (e *EntryMethods) SetIfAbsent(requestID, method string) string {
	actual, _ := e.methods.LoadOrStore(requestID, method)
	return actual
}

// Get returns the entry method of requestID, or UnknownMethod.
func (e *EntryMethods) Get(requestID string) string {
	if m, ok := e.methods.Load(requestID); ok {
		return m
	}
	return UnknownMethod
}

// Reset forgets the entry method of requestID.
func (e *EntryMethods) Reset(requestID string) {
	e.methods.Delete(requestID)
}

// Len returns the number of lifecycles with an entry method.
func (e *EntryMethods) Len() int {
	return e.methods.Size()
}

// Registry bundles the per-request state shared by every recorder of a process.
type Registry struct {
	Stacks  *Tracker
	Entries *EntryMethods
}

// NewRegistry creates a registry whose tracker holds at most maxTracked request ids.
func NewRegistry(maxTracked int) *Registry {
	return &Registry{
		Stacks:  NewTracker(maxTracked),
		Entries: NewEntryMethods(),
	}
}

// Begin starts a new lifecycle for requestID, discarding any leftover state.
func (r *Registry) Begin(requestID string) {
	r.Entries.Reset(requestID)
	r.Stacks.Release(requestID)
}

// End releases everything held for requestID.
func (r *Registry) End(requestID string) {
	r.Entries.Reset(requestID)
	r.Stacks.Release(requestID)
}
