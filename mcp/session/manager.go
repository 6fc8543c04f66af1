package session

import (
	"context"
	"sort"
	"sync"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
)

// Engine answers the protocol messages of one session
type Engine interface {
	HandleMessage(ctx context.Context, message *types.JSONRPCMessage) *types.JSONRPCMessage
}

// State is the lifecycle state of a locally held session
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

type entry struct {
	transport transport.Transport
	engine    Engine
	tools     *tool.Set
	state     State
}

// Placement says where the transport of a session lives
type Placement int

const (
	// PlacementUnknown means no process holds the session
	PlacementUnknown Placement = iota
	// PlacementLocal means this process holds the transport
	PlacementLocal
	// PlacementRemote means the store knows the session but another process
	// holds, or held, its transport
	PlacementRemote
)

// Affinity is the result of Lookup
type Affinity struct {
	Placement Placement
	Transport transport.Transport
	Record    *Record
}

// Manager pairs the shared Store with the sessions held by this process
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	store    Store
	nodeID   string
	logger   logger.Logger
}

func NewManager(store Store, nodeID string, log logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		store:    store,
		nodeID:   nodeID,
		logger:   log.With(map[string]interface{}{"component": "session-manager"}),
	}
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) NodeID() string {
	return m.nodeID
}

// RegisterSession records the session in the store, owned by this process,
// and holds its transport and engine locally. Registering an id again
// replaces the previous local entry.
func (m *Manager) RegisterSession(ctx context.Context, sessionID string, engine Engine, t transport.Transport, tools *tool.Set) error {
	if sessionID == "" {
		return errors.New("cannot register a session without an id")
	}
	if t == nil {
		return errors.Newf("cannot register session %s without a transport", sessionID)
	}
	record := &Record{
		ID:        sessionID,
		Kind:      t.Kind(),
		Tools:     tools.Names(),
		OwnerNode: m.nodeID,
	}
	if existing, err := m.store.Get(ctx, sessionID); err == nil && existing != nil {
		record.CreatedAt = existing.CreatedAt
		if existing.OwnerNode != m.nodeID {
			m.logger.Debug("taking over session %s from node %s", sessionID, existing.OwnerNode)
		}
	}
	if err := m.store.Save(ctx, record); err != nil {
		return errors.Wrapf(err, "failed to register session %s", sessionID)
	}
	m.mu.Lock()
	m.sessions[sessionID] = &entry{
		transport: t,
		engine:    engine,
		tools:     tools,
		state:     StateActive,
	}
	m.mu.Unlock()
	m.logger.Debug("registered %s session %s", t.Kind(), sessionID)
	return nil
}

// GetTransport returns the locally held transport of a session
func (m *Manager) GetTransport(sessionID string) (transport.Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

func (m *Manager) GetEngine(sessionID string) (Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.engine == nil {
		return nil, false
	}
	return e.engine, true
}

// IsSessionValid reports whether the shared store knows the session. Store
// failures count as invalid.
func (m *Manager) IsSessionValid(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	ok, err := m.store.Exists(ctx, sessionID)
	if err != nil {
		m.logger.Warn("failed to check session %s: %s", sessionID, err)
		return false
	}
	return ok
}

// SetTools replaces the tool set of a locally held session
func (m *Manager) SetTools(sessionID string, tools *tool.Set) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	e.tools = tools
	return true
}

// GetTools returns the tool set of a locally held session, nil when the
// session is not held here
func (m *Manager) GetTools(sessionID string) *tool.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.tools
	}
	return nil
}

func (m *Manager) State(sessionID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.state
	}
	return StateDestroyed
}

// MarkClosing flags a local session as being torn down. It returns false if
// the session is not held here or is already closing.
func (m *Manager) MarkClosing(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.state != StateActive {
		return false
	}
	e.state = StateClosing
	return true
}

// DestroySession drops the local entry and the store record. It returns the
// transport that was held, if any. Calling it again is a no-op.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) (transport.Transport, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		e.state = StateDestroyed
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if err := m.store.Delete(ctx, sessionID); err != nil {
		m.logger.Warn("failed to delete session %s from the store: %s", sessionID, err)
	}
	if !ok {
		return nil, false
	}
	m.logger.Debug("destroyed session %s", sessionID)
	return e.transport, true
}

// Evict drops the local entry only. The store record survives so another
// process can recreate the session.
func (m *Manager) Evict(sessionID string) (transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.state = StateDestroyed
	delete(m.sessions, sessionID)
	return e.transport, true
}

// Lookup locates a session
func (m *Manager) Lookup(ctx context.Context, sessionID string) Affinity {
	if t, ok := m.GetTransport(sessionID); ok {
		return Affinity{Placement: PlacementLocal, Transport: t}
	}
	if sessionID == "" {
		return Affinity{}
	}
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.logger.Warn("failed to look up session %s: %s", sessionID, err)
		return Affinity{}
	}
	if rec == nil {
		return Affinity{}
	}
	return Affinity{Placement: PlacementRemote, Record: rec}
}

// OwnerOf returns the node recorded as holding the session's transport
func (m *Manager) OwnerOf(ctx context.Context, sessionID string) (string, bool) {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil || rec == nil || rec.OwnerNode == "" {
		return "", false
	}
	return rec.OwnerNode, true
}

// Touch refreshes the store record of a session
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.store.Touch(ctx, sessionID)
}

// LocalSessionIDs returns the ids of sessions held by this process, sorted
func (m *Manager) LocalSessionIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
