// Package procreg tracks every child process this daemon has spawned: one
// entry per run, each carrying the child's process handle, its stdin, and
// a live-output buffer. Registration happens synchronously immediately
// after spawn so that no child ever exists unregistered — the central
// invariant every other package in this module relies on to avoid
// orphaning processes.
package procreg

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riftlabs/cortexd/internal/obslog"
)

// RunID identifies one registered process for the lifetime of the
// registry. IDs are assigned monotonically and never reused.
type RunID int64

// ProcessHandle is the registry's view of a spawned child: the *exec.Cmd
// it came from, by way of anything satisfying Killer so tests can
// substitute a fake, and the stdin pipe if one was piped.
type ProcessHandle struct {
	Process Killer
	Stdin   io.WriteCloser

	// done is closed exactly once, by the owner of Process, when the
	// process has been reaped. Passed in through NewProcessHandle so the registry's
	// IsProcessRunning probe never itself calls a blocking Wait.
	done chan struct{}
	once sync.Once
}

// Killer is the subset of *os.Process the registry needs to send signals
// and read the PID. Wrap a *os.Process with WrapProcess.
type Killer interface {
	Signal(sig os.Signal) error
	Pid() int
}

// osProcess adapts *os.Process (whose Pid is a field, not a method) to
// the Killer interface.
type osProcess struct {
	p *os.Process
}

func (o osProcess) Signal(sig os.Signal) error { return o.p.Signal(sig) }
func (o osProcess) Pid() int                   { return o.p.Pid }

// WrapProcess adapts a *os.Process to Killer.
func WrapProcess(p *os.Process) Killer {
	return osProcess{p: p}
}

// NewProcessHandle wraps an os-level process. done is closed once the
// caller's own reaper goroutine observes process exit.
func NewProcessHandle(p Killer, stdin io.WriteCloser, done chan struct{}) *ProcessHandle {
	return &ProcessHandle{Process: p, Stdin: stdin, done: done}
}

// Exited reports whether the process has already been reaped, without
// blocking.
func (h *ProcessHandle) Exited() bool {
	if h == nil || h.done == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type entry struct {
	runID       RunID
	kind        string
	sessionID   string
	osPID       int
	projectPath string
	task        string
	model       string
	registeredAt time.Time

	handleMu sync.Mutex
	handle   *ProcessHandle

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	outputMu sync.Mutex
	output   []byte
}

// Info is a read-only snapshot of an entry for List/Find callers.
type Info struct {
	RunID       RunID
	Kind        string
	SessionID   string
	OSPID       int
	ProjectPath string
	Task        string
	Model       string
	Running     bool
}

// Registry is the process table: run-id -> entry, protected by a
// readers-writer lock at the table level. Each entry's handle, stdin, and
// output buffer are independently locked so a long write-to-stdin or a
// live-output snapshot never blocks an unrelated lookup.
type Registry struct {
	mu      sync.RWMutex
	table   map[RunID]*entry
	nextID  int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{table: make(map[RunID]*entry)}
}

// Register assigns a new run-id, takes ownership of handle and its stdin
// (if any), and stores an empty live-output buffer. Must be called
// synchronously, immediately after spawn.
func (r *Registry) Register(kind, sessionID string, osPID int, projectPath, task, model string, handle *ProcessHandle) RunID {
	id := RunID(atomic.AddInt64(&r.nextID, 1))
	e := &entry{
		runID:        id,
		kind:         kind,
		sessionID:    sessionID,
		osPID:        osPID,
		projectPath:  projectPath,
		task:         task,
		model:        model,
		registeredAt: time.Now(),
		handle:       handle,
	}
	if handle != nil {
		e.stdin = handle.Stdin
	}

	r.mu.Lock()
	r.table[id] = e
	r.mu.Unlock()

	obslog.LogKV("procreg", "registered", "run_id", id, "kind", kind, "session_id", sessionID, "pid", osPID)
	return id
}

// RegisterWithoutChild is Register with no handle yet; the handle arrives
// later via AttachChild.
func (r *Registry) RegisterWithoutChild(kind, sessionID string, osPID int, projectPath, task, model string) RunID {
	return r.Register(kind, sessionID, osPID, projectPath, task, model, nil)
}

// AttachChild supplies the handle for an entry registered without one.
func (r *Registry) AttachChild(id RunID, handle *ProcessHandle) error {
	e, ok := r.get(id)
	if !ok {
		return fmt.Errorf("procreg: unknown run id %d", id)
	}
	e.handleMu.Lock()
	e.handle = handle
	e.handleMu.Unlock()
	if handle != nil {
		e.stdinMu.Lock()
		e.stdin = handle.Stdin
		e.stdinMu.Unlock()
	}
	return nil
}

// TakeChild borrows the handle out, leaving the slot empty. The caller
// must either ReturnChild it or kill the process — losing a handle this
// way would orphan the child.
func (r *Registry) TakeChild(id RunID) (*ProcessHandle, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	e.handleMu.Lock()
	defer e.handleMu.Unlock()
	h := e.handle
	e.handle = nil
	return h, h != nil
}

// ReturnChild gives a previously taken handle back.
func (r *Registry) ReturnChild(id RunID, handle *ProcessHandle) error {
	e, ok := r.get(id)
	if !ok {
		return fmt.Errorf("procreg: unknown run id %d", id)
	}
	e.handleMu.Lock()
	e.handle = handle
	e.handleMu.Unlock()
	return nil
}

// AppendLiveOutput appends a line plus a trailing newline to the run's
// live-output buffer.
func (r *Registry) AppendLiveOutput(id RunID, line string) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	e.outputMu.Lock()
	e.output = append(e.output, line...)
	e.output = append(e.output, '\n')
	e.outputMu.Unlock()
}

// GetLiveOutput returns a snapshot copy of the run's accumulated output.
func (r *Registry) GetLiveOutput(id RunID) (string, bool) {
	e, ok := r.get(id)
	if !ok {
		return "", false
	}
	e.outputMu.Lock()
	defer e.outputMu.Unlock()
	return string(e.output), true
}

// IsProcessRunning is a non-blocking reap probe: if the child has already
// exited, the stored handle is cleared and false is reported.
func (r *Registry) IsProcessRunning(id RunID) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	e.handleMu.Lock()
	defer e.handleMu.Unlock()
	if e.handle == nil {
		return false
	}
	if e.handle.Exited() {
		e.handle = nil
		return false
	}
	return true
}

// Kill runs the graceful termination protocol: signal the process,
// poll briefly for it to exit, then escalate to SIGKILL if it hasn't.
// Returns true if a kill was attempted (handle or PID found), matching
// the reference's "absence of a running process is not an error" stance
// — callers should not treat a false return as a failure worth surfacing.
func (r *Registry) Kill(id RunID) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}

	e.handleMu.Lock()
	handle := e.handle
	pid := e.osPID
	e.handleMu.Unlock()

	killed := false
	if handle != nil {
		killed = r.killHandle(id, handle)
	} else if pid > 0 {
		killed = killPID(pid)
	}

	r.Unregister(id)
	return killed
}

// KillByPID kills by raw PID when the stored handle is gone.
func (r *Registry) KillByPID(id RunID, osPID int) bool {
	killed := killPID(osPID)
	r.Unregister(id)
	return killed
}

// These are vars, not consts, so tests can shrink them instead of waiting
// out the real protocol timings.
var (
	gracefulPollInterval = 100 * time.Millisecond
	gracefulTimeout      = 5 * time.Second
	escalateWait         = 2 * time.Second
)

func (r *Registry) killHandle(id RunID, handle *ProcessHandle) bool {
	if handle.Process != nil {
		handle.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(gracefulTimeout)
	for time.Now().Before(deadline) {
		if handle.Exited() {
			return true
		}
		time.Sleep(gracefulPollInterval)
	}

	if handle.Exited() {
		return true
	}

	if handle.Process != nil {
		handle.Process.Signal(syscall.SIGTERM)
	}
	time.Sleep(escalateWait)
	if handle.Exited() {
		return true
	}
	if handle.Process != nil {
		handle.Process.Signal(syscall.SIGKILL)
	}
	return true
}

func killPID(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	time.Sleep(escalateWait)
	if err := syscall.Kill(pid, 0); err != nil {
		return true // already gone
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	syscall.Kill(pid, syscall.SIGKILL)
	return true
}

// WriteToStdin takes the stdin handle out for the duration of a single
// write, then returns it — no registry lock is held across the write
// itself. If ctx ends first, the context's error is returned at once and
// the handle goes back only when the pending write finishes.
func (r *Registry) WriteToStdin(ctx context.Context, id RunID, data []byte) error {
	e, ok := r.get(id)
	if !ok {
		return fmt.Errorf("procreg: unknown run id %d", id)
	}

	e.stdinMu.Lock()
	stdin := e.stdin
	e.stdin = nil
	e.stdinMu.Unlock()

	if stdin == nil {
		return fmt.Errorf("procreg: run %d has no stdin", id)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := stdin.Write(data)
		writeErr <- err
	}()

	var err error
	select {
	case err = <-writeErr:
	case <-ctx.Done():
		go func() {
			<-writeErr
			e.stdinMu.Lock()
			e.stdin = stdin
			e.stdinMu.Unlock()
		}()
		return ctx.Err()
	}

	e.stdinMu.Lock()
	e.stdin = stdin
	e.stdinMu.Unlock()

	return err
}

// List returns a snapshot of every registered run.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.table))
	for _, e := range r.table {
		out = append(out, r.snapshot(e))
	}
	return out
}

// FindBySessionID returns the run-id registered under a session id.
func (r *Registry) FindBySessionID(sessionID string) (RunID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.table {
		if e.sessionID == sessionID {
			return id, true
		}
	}
	return 0, false
}

// RenameSession updates the session id an entry is tracked under, e.g.
// once a spawned child's real session id is extracted from its init
// event. No-op if id is unknown.
func (r *Registry) RenameSession(id RunID, newSessionID string) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	e.sessionID = newSessionID
	r.mu.Unlock()
}

// Unregister removes an entry without attempting to kill it; callers that
// want the kill-then-unregister protocol should use Kill.
func (r *Registry) Unregister(id RunID) {
	r.mu.Lock()
	delete(r.table, id)
	r.mu.Unlock()
}

// CleanupFinished unregisters every run whose process has already exited.
func (r *Registry) CleanupFinished() int {
	r.mu.RLock()
	ids := make([]RunID, 0, len(r.table))
	for id := range r.table {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if !r.IsProcessRunning(id) {
			r.Unregister(id)
			removed++
		}
	}
	return removed
}

// KillAll kills every registered run. Used for crash/panic cleanup.
func (r *Registry) KillAll() {
	r.mu.RLock()
	ids := make([]RunID, 0, len(r.table))
	for id := range r.table {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Kill(id)
	}
}

// KillByKind kills every registered run whose kind matches, returning the
// session ids that were killed. Used by the interrupt fallback strategy
// to clear all running sessions without touching unrelated background
// agents sharing the same registry.
func (r *Registry) KillByKind(kind string) []string {
	r.mu.RLock()
	type target struct {
		id  RunID
		sid string
	}
	targets := make([]target, 0)
	for id, e := range r.table {
		if e.kind == kind {
			targets = append(targets, target{id, e.sessionID})
		}
	}
	r.mu.RUnlock()

	sessionIDs := make([]string, 0, len(targets))
	for _, t := range targets {
		r.Kill(t.id)
		sessionIDs = append(sessionIDs, t.sid)
	}
	return sessionIDs
}

func (r *Registry) get(id RunID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table[id]
	return e, ok
}

func (r *Registry) snapshot(e *entry) Info {
	e.handleMu.Lock()
	handle := e.handle
	e.handleMu.Unlock()

	return Info{
		RunID:       e.runID,
		Kind:        e.kind,
		SessionID:   e.sessionID,
		OSPID:       e.osPID,
		ProjectPath: e.projectPath,
		Task:        e.task,
		Model:       e.model,
		Running:     handle != nil && !handle.Exited(),
	}
}
