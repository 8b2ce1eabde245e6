// Package sessionmgr maps session identifiers to Session-Info records:
// which run backs a session, whether it is currently streaming, and
// supports the synthetic-to-real identifier rename that happens once a
// spawned child reports its real session id.
package sessionmgr

import (
	"sync"

	"github.com/riftlabs/cortexd/internal/procreg"
)

// Info is one session's state.
type Info struct {
	SessionID   string
	ProjectPath string
	Model       string
	RunID       procreg.RunID
	Streaming   bool
}

// Manager maps session id -> Info, protected by a single RWMutex — the
// table is small and short-lived enough that per-entry locking (unlike
// the process registry) buys nothing here.
type Manager struct {
	mu    sync.RWMutex
	table map[string]*Info
}

// New creates an empty session manager.
func New() *Manager {
	return &Manager{table: make(map[string]*Info)}
}

// Register inserts or overwrites a session's info.
func (m *Manager) Register(info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := info
	m.table[info.SessionID] = &cp
}

// Get returns a copy of a session's info.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.table[sessionID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// List returns a snapshot of every tracked session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.table))
	for _, info := range m.table {
		out = append(out, *info)
	}
	return out
}

// Remove deletes a session's entry.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, sessionID)
}

// SetStreaming updates a session's streaming flag. No-op if unknown.
func (m *Manager) SetStreaming(sessionID string, streaming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.table[sessionID]; ok {
		info.Streaming = streaming
	}
}

// SetRunID updates the run-id backing a session. No-op if unknown.
func (m *Manager) SetRunID(sessionID string, runID procreg.RunID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.table[sessionID]; ok {
		info.RunID = runID
	}
}

// Rename atomically moves a session's entry from oldID to newID: removes
// the old key, updates the identifier field, inserts under the new key.
// A no-op (but still successful) when oldID == newID. Concurrent readers
// observe either the old or the new entry, never both, never neither.
func (m *Manager) Rename(oldID, newID string) bool {
	if oldID == newID {
		m.mu.RLock()
		_, ok := m.table[oldID]
		m.mu.RUnlock()
		return ok
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.table[oldID]
	if !ok {
		return false
	}
	delete(m.table, oldID)
	info.SessionID = newID
	m.table[newID] = info
	return true
}
