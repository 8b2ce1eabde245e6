// Package compaction tracks per-session context-window usage and decides
// when a session should be warned, auto-compacted, or force-compacted,
// and persists the context manifest a compaction produces so a resumed
// session can rebuild its working context.
package compaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/riftlabs/cortexd/internal/config"
	"github.com/riftlabs/cortexd/internal/persistence"
)

// Action is the decision returned by Update for a single usage reading.
type Action int

const (
	ActionNone Action = iota
	ActionWarning
	ActionAutoTrigger
	ActionForce
)

// Message returns the human-readable notice for an action, or "" for
// ActionNone.
func (a Action) Message() string {
	switch a {
	case ActionWarning:
		return "Context usage at 55%. Auto-compact will trigger at 60%."
	case ActionAutoTrigger:
		return "Context usage at 60%. Auto-compacting (38% buffer reserved)."
	case ActionForce:
		return "Context usage at 65%. Force-compacting to prevent context overflow."
	default:
		return ""
	}
}

// ShouldCompact reports whether the action should actually trigger a
// compaction pass, as opposed to merely warning.
func (a Action) ShouldCompact() bool {
	return a == ActionAutoTrigger || a == ActionForce
}

// Config holds the thresholds a Manager evaluates usage against.
type Config struct {
	AutoThreshold    float64
	ForceThreshold   float64
	PreserveContext  bool
	GenerateManifest bool
}

// DefaultConfig matches the reference implementation's defaults: warn at
// 55%, auto-compact at 60%, force at 65%.
func DefaultConfig() Config {
	return Config{
		AutoThreshold:    0.60,
		ForceThreshold:   0.65,
		PreserveContext:  true,
		GenerateManifest: true,
	}
}

// warningThreshold clamps to the auto threshold when it was configured
// below the usual 55% warning band, so the warning edge never lies above
// the auto threshold. Once AutoTrigger has fired, later readings at or
// above this edge report ActionWarning.
func (c Config) warningThreshold() float64 {
	if c.AutoThreshold < 0.55 {
		return c.AutoThreshold
	}
	return 0.55
}

// State is one session's compaction bookkeeping.
type State struct {
	SessionID      string
	ContextUsage   float64
	LastCompaction *time.Time
	AutoTriggered  bool
	ForceTriggered bool
	ManifestSaved  bool
}

// Decision is one recorded design choice folded into a manifest.
type Decision struct {
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextInfo is the body of a ContextManifest: what the session had
// touched by the time it compacted.
type ContextInfo struct {
	Files        []string   `json:"files"`
	Functions    []string   `json:"functions"`
	Dependencies []string   `json:"dependencies"`
	Decisions    []Decision `json:"decisions"`
}

// ContextManifest is the durable record a compaction produces, letting a
// resumed session rebuild working context without replaying the entire
// transcript.
type ContextManifest struct {
	Version     string      `json:"version"`
	TaskID      string      `json:"task_id,omitempty"`
	SessionID   string      `json:"session_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Context     ContextInfo `json:"context"`
	Scope       string      `json:"scope,omitempty"`
	EntryPoints []string    `json:"entry_points"`
	TestFiles   []string    `json:"test_files"`
}

// Manager tracks compaction state for every active session and persists
// manifests under a manifest directory (one JSON file per session ID).
type Manager struct {
	mu     sync.Mutex
	config Config
	states map[string]*State

	manifests *persistence.Store
}

// NewManager creates a Manager with the default thresholds, persisting
// manifests under dir (typically config.ManifestDir()).
func NewManager(dir string) (*Manager, error) {
	store, err := persistence.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("compaction: open manifest store: %w", err)
	}
	return &Manager{
		config:    DefaultConfig(),
		states:    make(map[string]*State),
		manifests: store,
	}, nil
}

// NewDefaultManager opens a Manager rooted at config.ManifestDir().
func NewDefaultManager() (*Manager, error) {
	return NewManager(config.ManifestDir())
}

// UpdateConfig replaces the thresholds used by future Update calls.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// GetConfig returns the thresholds currently in effect.
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Update records a new context-usage reading for a session and returns the
// action the caller should take. Each of AutoTrigger and Force fires at
// most once per session until ResetFlags is called — a session sitting
// above a threshold does not re-trigger on every subsequent reading.
func (m *Manager) Update(sessionID string, usage float64) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[sessionID]
	if !ok {
		state = &State{SessionID: sessionID}
		m.states[sessionID] = state
	}
	state.ContextUsage = usage

	switch {
	case usage >= m.config.ForceThreshold && !state.ForceTriggered:
		state.ForceTriggered = true
		return ActionForce
	case usage >= m.config.AutoThreshold && !state.AutoTriggered:
		state.AutoTriggered = true
		return ActionAutoTrigger
	case usage >= m.config.warningThreshold():
		return ActionWarning
	default:
		return ActionNone
	}
}

// ResetFlags clears the auto/force trigger flags after a compaction has
// completed, allowing the session to trigger again on its next approach
// to a threshold.
func (m *Manager) ResetFlags(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sessionID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	state.AutoTriggered = false
	state.ForceTriggered = false
	state.ManifestSaved = false
	state.LastCompaction = &now
}

// GetState returns a copy of a session's compaction state, or false if the
// session has never reported usage.
func (m *Manager) GetState(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sessionID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// ResetSession discards all tracked state for a session (e.g. on session
// close).
func (m *Manager) ResetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
}

// SaveManifest persists a manifest under the session's ID and marks the
// session's state as having a saved manifest. A session that has never
// reported usage has no state, so nothing is marked for it.
func (m *Manager) SaveManifest(sessionID string, manifest ContextManifest) (string, error) {
	if err := m.manifests.WriteLocked(sessionID, manifest); err != nil {
		return "", fmt.Errorf("compaction: save manifest for %s: %w", sessionID, err)
	}

	m.mu.Lock()
	if state, ok := m.states[sessionID]; ok {
		state.ManifestSaved = true
	}
	m.mu.Unlock()

	return m.manifests.Path(sessionID), nil
}

// LoadManifest reads back a previously saved manifest for sessionID.
func (m *Manager) LoadManifest(sessionID string) (ContextManifest, error) {
	var manifest ContextManifest
	if err := m.manifests.ReadLocked(sessionID, &manifest); err != nil {
		return ContextManifest{}, fmt.Errorf("compaction: load manifest for %s: %w", sessionID, err)
	}
	return manifest, nil
}
