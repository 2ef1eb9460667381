package scope

import (
	"sync"
	"time"
)

// DefaultMaxTracked is the number of request ids whose call stacks are kept at once.
const DefaultMaxTracked = 10

// Frame is one entry on a request's call stack.
type Frame struct {
	Timestamp time.Time
	Method    string
}

// Tracker keeps one call stack per request id. When more than maxTracked
// request ids are held, the oldest ones are evicted in insertion order.
type Tracker struct {
	mu         sync.Mutex
	stacks     map[string][]Frame
	order      []string
	maxTracked int
	now        func() time.Time
}

// NewTracker creates a tracker bounded to maxTracked request ids.
// A non-positive value selects DefaultMaxTracked.
func NewTracker(maxTracked int) *Tracker {
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTracked
	}
	return &Tracker{
		stacks:     make(map[string][]Frame),
		maxTracked: maxTracked,
		now:        time.Now,
	}
}

// Push appends method to the stack of requestID and returns the resulting depth.
func (t *Tracker) Push(requestID, method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack, ok := t.stacks[requestID]
	if !ok {
		t.order = append(t.order, requestID)
	}
	stack = append(stack, Frame{Timestamp: t.now(), Method: method})
	t.stacks[requestID] = stack
	t.evictLocked()
	return len(stack)
}

// Pop removes the top frame of requestID. Popping an empty or unknown stack is a no-op.
func (t *Tracker) Pop(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack, ok := t.stacks[requestID]
	if !ok {
		return
	}
	if len(stack) <= 1 {
		t.removeLocked(requestID)
		return
	}
	t.stacks[requestID] = stack[:len(stack)-1]
}

// Depth returns the current depth of requestID, never less than 1.
func (t *Tracker) Depth(requestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return max(1, len(t.stacks[requestID]))
}

// Frames returns a copy of the stack of requestID, outermost first.
func (t *Tracker) Frames(requestID string) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := t.stacks[requestID]
	out := make([]Frame, len(stack))
	copy(out, stack)
	return out
}

// Release drops the whole stack of requestID.
func (t *Tracker) Release(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(requestID)
}

// Tracked returns the number of request ids currently held.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.stacks)
}

func (t *Tracker) evictLocked() {
	for len(t.order) > t.maxTracked {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.stacks, oldest)
	}
}

func (t *Tracker) removeLocked(requestID string) {
	if _, ok := t.stacks[requestID]; !ok {
		return
	}
	delete(t.stacks, requestID)
	for i, id := range t.order {
		if id == requestID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
