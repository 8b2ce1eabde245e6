// Package agentqueue runs a bounded pool of background agents: CLI child
// processes admitted under a concurrency cap, each producing output to a
// file rather than streaming to the UI directly. Admission is atomic and
// TOCTOU-free — two concurrent callers can never both claim a slot.
package agentqueue

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/riftlabs/cortexd/internal/agent"
	"github.com/riftlabs/cortexd/internal/agentkind"
	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/procreg"
)

// Status is the background-agent state machine's current state.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

const (
	// DefaultCap bounds how many background agents may run concurrently.
	DefaultCap = 4
	// DefaultTimeout is the per-agent wall-clock budget.
	DefaultTimeout = 10 * time.Minute
	// RetentionWindow is how long a terminal-state agent's record and
	// output file survive before cleanup-old removes them.
	RetentionWindow = 24 * time.Hour
)

// Progress tracks an in-flight agent's reported activity.
type Progress struct {
	TurnCount     int
	CurrentAction string
	LastUpdateSec int64
	TokensUsed    int
}

// Agent is one queued or running background worker.
type Agent struct {
	ID           string
	Kind         string
	Prompt       string
	WorkingDir   string
	Model        string
	Status       Status
	Progress     Progress
	GitBranch    string
	OutputFile   string
	CreatedSec   int64
	StartedSec   int64
	CompletedSec int64
	Error        string
	PID          int
}

// SpawnOptions configures one queue(...) request.
type SpawnOptions struct {
	Kind       string
	Prompt     string
	WorkingDir string
	Model      string
	GitBranch  string
	OutputFile string
	Async      bool

	BinaryName     string // defaults to "claude-agent"
	BinaryOverride string
}

// nowSeconds and newID are indirected so tests can make time and
// identifiers deterministic without reaching for the real clock.
var nowSeconds = func() int64 { return time.Now().Unix() }
var newID = func() string { return uuid.New().String() }

// Queue is the background-agent table plus the single process-spawning
// collaborator every try-start-next call uses.
type Queue struct {
	registry *procreg.Registry
	bus      *eventbus.Bus

	cap     int
	timeout time.Duration

	mu        sync.Mutex
	table     map[string]*Agent
	spawnOpts map[string]SpawnOptions
}

// New creates a queue with the default cap and timeout.
func New(registry *procreg.Registry, bus *eventbus.Bus) *Queue {
	return NewWithLimits(registry, bus, DefaultCap, DefaultTimeout)
}

// NewWithLimits allows tests to shrink the cap/timeout.
func NewWithLimits(registry *procreg.Registry, bus *eventbus.Bus, cap int, timeout time.Duration) *Queue {
	return &Queue{
		registry:  registry,
		bus:       bus,
		cap:       cap,
		timeout:   timeout,
		table:     make(map[string]*Agent),
		spawnOpts: make(map[string]SpawnOptions),
	}
}

// resolveKind fills in a built-in kind's default model and folds its
// prompt seed onto the front of the prompt, leaving custom:* and unknown
// kinds untouched beyond whatever the caller already supplied.
func resolveKind(opts SpawnOptions) SpawnOptions {
	info, ok := agentkind.InfoFor(opts.Kind)
	if !ok {
		return opts
	}
	if opts.Model == "" {
		opts.Model = info.DefaultModel
	}
	if info.PromptSeed != "" {
		opts.Prompt = info.PromptSeed + "\n\n" + opts.Prompt
	}
	return opts
}

// Queue admits a new agent in the Queued state and returns its id.
func (q *Queue) Queue(opts SpawnOptions) string {
	opts = resolveKind(opts)
	id := newID()
	a := &Agent{
		ID:         id,
		Kind:       opts.Kind,
		Prompt:     opts.Prompt,
		WorkingDir: opts.WorkingDir,
		Model:      opts.Model,
		Status:     StatusQueued,
		GitBranch:  opts.GitBranch,
		OutputFile: opts.OutputFile,
		CreatedSec: nowSeconds(),
	}

	q.mu.Lock()
	q.table[id] = a
	q.spawnOpts[id] = opts
	q.mu.Unlock()

	q.emitStatus(id)
	return id
}

func (q *Queue) takeSpawnOpts(id string) (SpawnOptions, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	opts, ok := q.spawnOpts[id]
	return opts, ok
}

func (q *Queue) dropSpawnOpts(id string) {
	q.mu.Lock()
	delete(q.spawnOpts, id)
	q.mu.Unlock()
}

// GetAll returns a snapshot of every tracked agent.
func (q *Queue) GetAll() []Agent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Agent, 0, len(q.table))
	for _, a := range q.table {
		out = append(out, *a)
	}
	return out
}

// Get returns a snapshot of one agent.
func (q *Queue) Get(id string) (Agent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.table[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Remove deletes an agent's record outright (no status change, no kill).
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	delete(q.table, id)
	q.mu.Unlock()
	q.dropSpawnOpts(id)
}

// Cancel is legal from Queued or Running; from Running it kills the
// child via the process registry.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	a, ok := q.table[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	status := a.Status
	q.mu.Unlock()

	switch status {
	case StatusQueued:
		q.setStatus(id, StatusCancelled, "", 0)
		return true
	case StatusRunning:
		if runID, ok := q.registry.FindBySessionID(id); ok {
			q.registry.Kill(runID)
		}
		q.setStatus(id, StatusCancelled, "", 0)
		return true
	default:
		return false
	}
}

// TryStartNext performs the atomic admission protocol: under a single
// lock hold, check the running count against the cap, pick the oldest
// Queued agent, and flip it to Running before releasing the lock. The
// actual spawn happens outside the lock.
func (q *Queue) TryStartNext(ctx context.Context) (string, bool) {
	q.mu.Lock()
	running := 0
	var oldest *Agent
	for _, a := range q.table {
		if a.Status == StatusRunning {
			running++
		}
	}
	if running >= q.cap {
		q.mu.Unlock()
		return "", false
	}
	for _, a := range q.table {
		if a.Status != StatusQueued {
			continue
		}
		if oldest == nil || a.CreatedSec < oldest.CreatedSec {
			oldest = a
		}
	}
	if oldest == nil {
		q.mu.Unlock()
		return "", false
	}
	oldest.Status = StatusRunning
	oldest.StartedSec = nowSeconds()
	id := oldest.ID
	q.mu.Unlock()

	q.emitStatus(id)

	if err := q.spawn(ctx, id); err != nil {
		q.setStatus(id, StatusFailed, err.Error(), 0)
	}
	return id, true
}

func (q *Queue) spawn(ctx context.Context, id string) error {
	opts, ok := q.takeSpawnOpts(id)
	if !ok {
		return fmt.Errorf("agentqueue: no spawn options recorded for %s", id)
	}

	binaryName := opts.BinaryName
	if binaryName == "" {
		binaryName = "claude-agent"
	}
	binPath, err := agent.FindBinary(binaryName, opts.BinaryOverride)
	if err != nil {
		return fmt.Errorf("locating %q: %w", binaryName, err)
	}

	args := []string{
		"--provider", "anthropic",
		"--model", opts.Model,
		"--cwd", opts.WorkingDir,
		"--session-id", id,
		"--prompt", opts.Prompt,
		"--permission-mode", "auto",
		"--agent-type", opts.Kind,
	}
	if opts.OutputFile != "" {
		args = append(args, "--output-file", opts.OutputFile)
	}
	if opts.GitBranch != "" {
		args = append(args, "--git-branch", opts.GitBranch, "--async")
	}

	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.Dir = opts.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	go io.Copy(io.Discard, stdout)
	go io.Copy(io.Discard, stderr)

	q.mu.Lock()
	if a, ok := q.table[id]; ok {
		a.PID = cmd.Process.Pid
	}
	q.mu.Unlock()

	done := make(chan struct{})
	handle := procreg.NewProcessHandle(procreg.WrapProcess(cmd.Process), nil, done)
	q.registry.Register("background-agent", id, cmd.Process.Pid, opts.WorkingDir, opts.Prompt, opts.Model, handle)

	go func() {
		waitErr := cmd.Wait()
		close(done)
		q.finish(id, cmd.ProcessState, waitErr)
	}()

	return nil
}

func (q *Queue) finish(id string, state *os.ProcessState, waitErr error) {
	q.mu.Lock()
	a, ok := q.table[id]
	if !ok || a.Status != StatusRunning {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	switch {
	case waitErr != nil:
		q.setStatus(id, StatusFailed, waitErr.Error(), 0)
	case state != nil && state.Success():
		q.setStatus(id, StatusCompleted, "", 0)
	case state != nil:
		q.setStatus(id, StatusFailed, fmt.Sprintf("Exit code: %d", state.ExitCode()), 0)
	default:
		q.setStatus(id, StatusFailed, "process exited with unknown state", 0)
	}
}

// CheckRunning scans every Running agent: a process past its timeout is
// killed and marked Failed with "Agent timed out". Liveness beyond that
// is handled by the reaper goroutine spawn starts.
func (q *Queue) CheckRunning() {
	q.mu.Lock()
	var timedOut []string
	now := nowSeconds()
	for id, a := range q.table {
		if a.Status != StatusRunning {
			continue
		}
		if a.StartedSec > 0 && now-a.StartedSec > int64(q.timeout.Seconds()) {
			timedOut = append(timedOut, id)
		}
	}
	q.mu.Unlock()

	for _, id := range timedOut {
		if runID, ok := q.registry.FindBySessionID(id); ok {
			q.registry.Kill(runID)
		}
		q.setStatus(id, StatusFailed, "Agent timed out", 0)
	}
}

// CleanupOld removes any terminal-state agent whose completed-at is
// older than RetentionWindow, deleting its output file too.
func (q *Queue) CleanupOld() int {
	cutoff := nowSeconds() - int64(RetentionWindow.Seconds())

	q.mu.Lock()
	var stale []*Agent
	for _, a := range q.table {
		if !isTerminal(a.Status) {
			continue
		}
		if a.CompletedSec > 0 && a.CompletedSec < cutoff {
			stale = append(stale, a)
		}
	}
	q.mu.Unlock()

	for _, a := range stale {
		if a.OutputFile != "" {
			os.Remove(a.OutputFile)
		}
		q.Remove(a.ID)
	}
	return len(stale)
}

// KillAll kills every currently running background agent.
func (q *Queue) KillAll() {
	q.mu.Lock()
	var running []string
	for id, a := range q.table {
		if a.Status == StatusRunning {
			running = append(running, id)
		}
	}
	q.mu.Unlock()

	for _, id := range running {
		if runID, ok := q.registry.FindBySessionID(id); ok {
			q.registry.Kill(runID)
		}
		q.setStatus(id, StatusCancelled, "", 0)
	}
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (q *Queue) setStatus(id string, status Status, errMsg string, pid int) {
	q.mu.Lock()
	a, ok := q.table[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	a.Status = status
	a.Error = errMsg
	if pid != 0 {
		a.PID = pid
	}
	if isTerminal(status) {
		a.CompletedSec = nowSeconds()
	}
	q.mu.Unlock()

	q.emitStatus(id)
}

func (q *Queue) emitStatus(id string) {
	a, ok := q.Get(id)
	if !ok {
		return
	}
	q.bus.Publish("background-agent-status", a)
}
