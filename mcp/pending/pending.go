// Package pending tracks tool calls that were handed to an out of process
// worker and are waiting for the worker's result.
package pending

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrSessionClosed rejects calls whose session was torn down
	ErrSessionClosed = errors.New("session closed")
	// ErrSuperseded rejects a call replaced by a newer call with the same correlation id
	ErrSuperseded = errors.New("pending call superseded")
	// ErrRemoved rejects a call removed without a result
	ErrRemoved = errors.New("pending call removed")
	// ErrExpired rejects a call that waited longer than the registry allows
	ErrExpired = errors.New("pending call expired")
)

// CorrelationID identifies a pending call by its session and request id
type CorrelationID struct {
	SessionID    string
	RequestID    string
	HasRequestID bool
}

// NewCorrelationID builds a CorrelationID. An empty messageID means the call
// is correlated by session alone.
func NewCorrelationID(sessionID, messageID string) CorrelationID {
	return CorrelationID{SessionID: sessionID, RequestID: messageID, HasRequestID: messageID != ""}
}

func (c CorrelationID) String() string {
	if !c.HasRequestID {
		return c.SessionID
	}
	return c.SessionID + "_" + c.RequestID
}

// Call is a single pending tool call. It settles exactly once.
type Call struct {
	ID        CorrelationID
	RawID     json.RawMessage
	CreatedAt time.Time

	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func (c *Call) settle(value interface{}, err error) bool {
	settled := false
	c.once.Do(func() {
		c.value = value
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed when the call settles
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done
func (c *Call) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SettledHistory is how many settled request ids a session remembers
const SettledHistory = 256

// settledSet is a bounded FIFO of request ids that already settled
type settledSet struct {
	ids   map[string]struct{}
	order []string
}

func (s *settledSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) >= SettledHistory {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Registry maps correlation ids to pending calls
type Registry struct {
	mu      sync.Mutex
	calls   map[CorrelationID]*Call
	settled map[string]*settledSet
	clock   clockwork.Clock
	logger  logger.Logger
}

type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(r *Registry) {
		r.logger = log
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		calls:   make(map[CorrelationID]*Call),
		settled: make(map[string]*settledSet),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store registers a pending call. A call already stored under the same id is
// rejected with ErrSuperseded so its waiter does not hang.
func (r *Registry) Store(sessionID, messageID string, rawID json.RawMessage) *Call {
	id := NewCorrelationID(sessionID, messageID)
	call := &Call{
		ID:        id,
		RawID:     rawID,
		CreatedAt: r.clock.Now(),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	prev := r.calls[id]
	r.calls[id] = call
	r.mu.Unlock()
	if prev != nil {
		if r.logger != nil {
			r.logger.Warn("pending call %s replaced by a newer call", id)
		}
		prev.settle(nil, ErrSuperseded)
	}
	return call
}

func (r *Registry) take(id CorrelationID) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)
	r.markSettled(id)
	return call
}

// markSettled records that id will not settle again. Callers hold r.mu.
func (r *Registry) markSettled(id CorrelationID) {
	if !id.HasRequestID {
		return
	}
	set, ok := r.settled[id.SessionID]
	if !ok {
		set = &settledSet{ids: make(map[string]struct{})}
		r.settled[id.SessionID] = set
	}
	set.add(id.RequestID)
}

// MarkSettled records a result delivered without a stored call so a later
// duplicate can be recognised
func (r *Registry) MarkSettled(sessionID, messageID string) {
	r.mu.Lock()
	r.markSettled(NewCorrelationID(sessionID, messageID))
	r.mu.Unlock()
}

// Settled reports whether a call under the id was stored and has since
// settled. Only the most recent SettledHistory ids of a session are kept.
func (r *Registry) Settled(sessionID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.settled[sessionID]
	if !ok {
		return false
	}
	_, ok = set.ids[messageID]
	return ok
}

// Resolve settles the call with value. It returns false when no call is
// pending under the id.
func (r *Registry) Resolve(sessionID, messageID string, value interface{}) bool {
	call := r.take(NewCorrelationID(sessionID, messageID))
	if call == nil {
		return false
	}
	return call.settle(value, nil)
}

// Reject settles the call with err
func (r *Registry) Reject(sessionID, messageID string, err error) bool {
	call := r.take(NewCorrelationID(sessionID, messageID))
	if call == nil {
		return false
	}
	return call.settle(nil, err)
}

func (r *Registry) Has(sessionID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[NewCorrelationID(sessionID, messageID)]
	return ok
}

func (r *Registry) Get(sessionID, messageID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[NewCorrelationID(sessionID, messageID)]
	return call, ok
}

// Remove drops a call without a result, rejecting it with ErrRemoved
func (r *Registry) Remove(sessionID, messageID string) bool {
	return r.Reject(sessionID, messageID, ErrRemoved)
}

// RemoveCall drops call only if it is still the one registered under its id
func (r *Registry) RemoveCall(call *Call, err error) bool {
	r.mu.Lock()
	current, ok := r.calls[call.ID]
	if ok && current == call {
		delete(r.calls, call.ID)
		r.markSettled(call.ID)
	}
	r.mu.Unlock()
	if !ok || current != call {
		return false
	}
	if err == nil {
		err = ErrRemoved
	}
	call.settle(nil, err)
	return true
}

// CleanupBySessionID rejects every call of a session with ErrSessionClosed
// and returns how many were removed. The session's settled history is
// forgotten too.
func (r *Registry) CleanupBySessionID(sessionID string) int {
	r.mu.Lock()
	delete(r.settled, sessionID)
	var removed []*Call
	for id, call := range r.calls {
		if id.SessionID == sessionID {
			removed = append(removed, call)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()
	for _, call := range removed {
		call.settle(nil, ErrSessionClosed)
	}
	return len(removed)
}

// Expire rejects calls older than maxAge with ErrExpired
func (r *Registry) Expire(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)
	r.mu.Lock()
	var expired []*Call
	for id, call := range r.calls {
		if call.CreatedAt.Before(cutoff) {
			expired = append(expired, call)
			delete(r.calls, id)
			r.markSettled(id)
		}
	}
	r.mu.Unlock()
	for _, call := range expired {
		if r.logger != nil {
			r.logger.Warn("pending call %s expired after %v", call.ID, maxAge)
		}
		call.settle(nil, ErrExpired)
	}
	return len(expired)
}

// PendingIDs lists the request ids of a session's pending calls in order
func (r *Registry) PendingIDs(sessionID string) []string {
	r.mu.Lock()
	var ids []string
	for id := range r.calls {
		if id.SessionID == sessionID {
			ids = append(ids, id.RequestID)
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) CountBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int
	for id := range r.calls {
		if id.SessionID == sessionID {
			count++
		}
	}
	return count
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
