package stdiorpc

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/stdiobridge/internal/metrics"
)

var (
	// ErrDuplicateID indicates a call is already pending under the same id.
	ErrDuplicateID = errors.New("correlation id already in flight")
	// ErrTimeout indicates no reply arrived before the call's deadline.
	ErrTimeout = errors.New("timed out waiting for subprocess reply")
	// ErrChannelClosed indicates the subprocess terminated.
	ErrChannelClosed = errors.New("subprocess channel closed")
)

// NormalizeID maps a raw JSON-RPC id to its correlation key. Numeric and
// string forms of the same identifier compare equal: 7 and "7" share a key.
func NormalizeID(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

type callResult struct {
	msg json.RawMessage
	err error
}

// Call is the single-fulfillment handle for one outstanding request.
type Call struct {
	id   string
	done chan callResult
}

// ID returns the normalized correlation key of the call.
func (c *Call) ID() string { return c.id }

type pendingEntry struct {
	call  *Call
	timer *time.Timer
}

// PendingTable maps correlation ids to outstanding calls. At most one live
// entry exists per id; expiry is driven by a per-entry timer rather than a
// global sweep.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  error
}

// NewPendingTable constructs an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: map[string]*pendingEntry{}}
}

// Register creates a pending entry for id. It fails with ErrDuplicateID when
// the id is already in flight and with the closing error once FailAll ran.
// A positive timeout arms the entry's expiry timer.
func (t *PendingTable) Register(id string, timeout time.Duration) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}
	c := &Call{id: id, done: make(chan callResult, 1)}
	e := &pendingEntry{call: c}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { t.expire(id, c) })
	}
	t.entries[id] = e
	metrics.SetPendingCalls(len(t.entries))
	return c, nil
}

// Resolve fulfills the pending call for id with msg. It reports false when no
// entry matches, in which case the caller routes msg as unsolicited.
func (t *PendingTable) Resolve(id string, msg json.RawMessage) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.call.done <- callResult{msg: msg}
	return true
}

// Remove drops the entry for id without fulfilling it. Used when the caller
// abandons the wait (context cancellation, failed write).
func (t *PendingTable) Remove(id string) {
	t.take(id)
}

// FailAll rejects every pending call with err and poisons the table so new
// registrations fail with the same error.
func (t *PendingTable) FailAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[string]*pendingEntry{}
	t.closed = err
	metrics.SetPendingCalls(0)
	t.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.call.done <- callResult{err: err}
	}
}

// Len returns the number of calls currently pending.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *PendingTable) take(id string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	metrics.SetPendingCalls(len(t.entries))
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

// expire removes the entry if it is still the same call and unblocks the
// caller with ErrTimeout. A reply arriving afterwards is unsolicited.
func (t *PendingTable) expire(id string, c *Call) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.call != c {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	metrics.SetPendingCalls(len(t.entries))
	t.mu.Unlock()
	c.done <- callResult{err: ErrTimeout}
}
