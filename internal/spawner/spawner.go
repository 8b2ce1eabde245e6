// Package spawner launches a Claude CLI child process, registers it with
// the process and session managers before any I/O happens, and mirrors
// its stdout/stderr onto the event bus keyed by session identifier.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/riftlabs/cortexd/internal/agent"
	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/obslog"
	"github.com/riftlabs/cortexd/internal/procreg"
	"github.com/riftlabs/cortexd/internal/recording"
	"github.com/riftlabs/cortexd/internal/sessionmgr"
	"github.com/riftlabs/cortexd/internal/stream"
)

const sessionKind = "session"

var realSessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{26}$`)

var completionPollInterval = 100 * time.Millisecond

// Options describes one spawn request.
type Options struct {
	ProjectPath     string
	Model           string
	InitialPrompt   string
	ResumeSessionID string
	Continue        bool

	// BinaryName defaults to "claude" when empty.
	BinaryName     string
	BinaryOverride string

	// Settings, when set, is passed as a pre-serialized JSON document via
	// --settings.
	Settings string

	// DangerouslySkipPermissions is only ever applied on the one host
	// platform the reference restricts it to (Windows, where the CLI's
	// interactive permission prompt cannot be answered headlessly).
	DangerouslySkipPermissions bool
}

// Result is returned immediately after a successful spawn.
type Result struct {
	SessionID string // the synthetic id; callers subscribe to this first
	RunID     procreg.RunID
	PID       int
	Resumed   bool
}

// Spawner owns the collaborators a spawned session needs wired together:
// the process registry, the session table, and the event bus.
type Spawner struct {
	registry *procreg.Registry
	sessions *sessionmgr.Manager
	bus      *eventbus.Bus

	mu               sync.Mutex
	compactionOrigin map[string]string // current identifier -> original session id

	recordingDir string // empty disables the transcript recorder
}

// New wires a spawner to its collaborators.
func New(registry *procreg.Registry, sessions *sessionmgr.Manager, bus *eventbus.Bus) *Spawner {
	return &Spawner{
		registry:         registry,
		sessions:         sessions,
		bus:              bus,
		compactionOrigin: make(map[string]string),
	}
}

// SetRecordingDir enables transcript recording: every session's stdout,
// stderr, and id-migration gets appended to <dir>/<synthetic-id>.jsonl via
// internal/recording. Passing "" disables it again.
func (s *Spawner) SetRecordingDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingDir = dir
}

// Spawn locates the CLI binary, launches it, registers it before any I/O,
// and starts the three reader tasks. The returned Result carries the
// synthetic session id; subscribers migrate to the real id via the
// session-id-update event.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (Result, error) {
	binaryName := opts.BinaryName
	if binaryName == "" {
		binaryName = "claude"
	}
	binPath, err := agent.FindBinary(binaryName, opts.BinaryOverride)
	if err != nil {
		return Result{}, fmt.Errorf("spawner: locating %q: %w", binaryName, err)
	}

	args := buildArgs(opts)
	syntheticID := syntheticSessionID()

	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.Dir = opts.ProjectPath
	cmd.Env = obslog.PropagatedEnv(os.Environ(), syntheticID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("spawner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("spawner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawner: start: %w", err)
	}

	done := make(chan struct{})
	handle := procreg.NewProcessHandle(procreg.WrapProcess(cmd.Process), nil, done)
	runID := s.registry.Register(sessionKind, syntheticID, cmd.Process.Pid, opts.ProjectPath, opts.InitialPrompt, opts.Model, handle)

	// Step 6: take the child back out and return it, confirming the
	// registration is sound before any reader task touches the run.
	taken, ok := s.registry.TakeChild(runID)
	if !ok {
		s.registry.Kill(runID)
		return Result{}, fmt.Errorf("spawner: failed to take newly registered child")
	}
	if err := s.registry.ReturnChild(runID, taken); err != nil {
		s.registry.Kill(runID)
		return Result{}, err
	}

	s.sessions.Register(sessionmgr.Info{
		SessionID:   syntheticID,
		ProjectPath: opts.ProjectPath,
		Model:       opts.Model,
		RunID:       runID,
		Streaming:   true,
	})

	if strings.HasPrefix(strings.TrimSpace(opts.InitialPrompt), "/compact") {
		// The caller already knows the pre-compaction session id; it is
		// threaded through as ResumeSessionID for a /compact prompt.
		if opts.ResumeSessionID != "" {
			s.recordCompactionOrigin(syntheticID, opts.ResumeSessionID)
		}
	}

	go func() {
		cmd.Wait()
		close(done)
	}()

	box := newIDBox(syntheticID)
	rec := s.newRecorder(syntheticID)
	go s.stdoutReader(runID, box, stdout, rec)
	go s.stderrReader(box, stderr, rec)
	go s.completionReader(runID, box)

	return Result{
		SessionID: syntheticID,
		RunID:     runID,
		PID:       cmd.Process.Pid,
		Resumed:   opts.ResumeSessionID != "" || opts.Continue,
	}, nil
}

// buildArgs assembles argv in the fixed order the CLI contract requires.
func buildArgs(opts Options) []string {
	var args []string
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Continue {
		args = append(args, "-c")
	}
	if opts.InitialPrompt != "" {
		args = append(args, "-p", opts.InitialPrompt)
	}
	args = append(args, "--model", opts.Model)
	args = append(args, "--output-format", "stream-json")
	if opts.ResumeSessionID == "" && !opts.Continue {
		args = append(args, "--print")
	}
	args = append(args, "--verbose")
	if opts.Settings != "" {
		args = append(args, "--settings", opts.Settings)
	}
	if opts.DangerouslySkipPermissions && runtime.GOOS == "windows" {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// syntheticSessionID builds "syn_" + 22 hex characters of a fresh UUID.
func syntheticSessionID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "syn_" + raw[:22]
}

// idBox holds the identifier a session is currently known under, which
// starts synthetic and migrates to the real id once discovered.
type idBox struct {
	mu sync.Mutex
	id string
}

func newIDBox(initial string) *idBox { return &idBox{id: initial} }

func (b *idBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *idBox) set(id string) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

func (s *Spawner) recordCompactionOrigin(currentID, originalID string) {
	s.mu.Lock()
	s.compactionOrigin[currentID] = originalID
	s.mu.Unlock()
}

func (s *Spawner) migrateCompactionOrigin(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orig, ok := s.compactionOrigin[oldID]; ok {
		delete(s.compactionOrigin, oldID)
		s.compactionOrigin[newID] = orig
	}
}

func (s *Spawner) compactionOriginFor(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.compactionOrigin[id]
	return orig, ok
}

// stdoutReader mirrors every line onto message:<id>, migrating the
// synthetic id to the real one once the init event reveals it, and
// augmenting Edit/Write/MultiEdit tool_use events with a file snapshot.
func (s *Spawner) stdoutReader(runID procreg.RunID, box *idBox, stdout io.ReadCloser, rec *recording.Recorder) {
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	parser := stream.New()
	migrated := false
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		current := box.get()
		s.registry.AppendLiveOutput(runID, string(line))
		if rec != nil {
			rec.RecordStdout(string(line))
		}

		for _, ev := range parser.Feed(line) {
			if ev.Parsed.Type == stream.EventUsage && ev.Parsed.Usage != nil {
				s.bus.Publish("claude-tokens", map[string]any{
					"session_id": current,
					"usage":      ev.Parsed.Usage,
					"total":      parser.Accumulator().Total(),
				})
			}
		}

		if !migrated {
			if realID, ok := extractInitSessionID(line); ok && realSessionIDPattern.MatchString(realID) {
				oldID := current
				box.set(realID)
				s.sessions.Rename(oldID, realID)
				s.registry.RenameSession(runID, realID)
				s.migrateCompactionOrigin(oldID, realID)
				s.bus.Publish("session-id-update:"+oldID, map[string]string{
					"old_session_id": oldID,
					"new_session_id": realID,
				})
				if rec != nil {
					rec.RecordMeta("session_id", realID)
				}
				current = realID
				migrated = true
			}
		}

		augmented := augmentFileSnapshot(line, current)
		s.bus.PublishRaw("message:"+current, augmented)
		s.bus.PublishRaw("claude-output", augmented)

		if original, ok := s.compactionOriginFor(current); ok && isCompactionSuccessResult(line) {
			s.bus.PublishRaw("message:"+original, augmented)
		}
	}
}

// stderrReader mirrors every line onto error:<id>, unaugmented.
func (s *Spawner) stderrReader(box *idBox, stderr io.ReadCloser, rec *recording.Recorder) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		current := box.get()
		s.bus.Publish("error:"+current, line)
		s.bus.Publish("claude-error", line)
		if rec != nil {
			rec.RecordStderr(line)
		}
	}
}

// newRecorder returns a Recorder rooted at the spawner's configured
// recording directory, or nil if recording is disabled or the recorder
// can't be created — a missing transcript is never worth failing a spawn
// over.
func (s *Spawner) newRecorder(sessionID string) *recording.Recorder {
	s.mu.Lock()
	dir := s.recordingDir
	s.mu.Unlock()
	if dir == "" {
		return nil
	}
	rec, err := recording.New(dir, sessionID)
	if err != nil {
		obslog.Logf("spawner", "recording disabled for %s: %v", sessionID, err)
		return nil
	}
	return rec
}

// completionReader polls for process exit and emits complete:<id> once.
func (s *Spawner) completionReader(runID procreg.RunID, box *idBox) {
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if s.registry.IsProcessRunning(runID) {
			continue
		}
		current := box.get()
		s.sessions.SetStreaming(current, false)
		s.bus.Publish("complete:"+current, true)
		s.bus.Publish("claude-complete", true)
		return
	}
}

// Interrupt tries, in order: the session manager's mapped run, the
// process registry's own session index, then a fallback that kills every
// running session and clears every streaming flag. Absence of a running
// process is not an error.
func (s *Spawner) Interrupt(sessionID string) {
	if info, ok := s.sessions.Get(sessionID); ok {
		s.registry.Kill(info.RunID)
		s.sessions.SetStreaming(sessionID, false)
		return
	}
	if runID, ok := s.registry.FindBySessionID(sessionID); ok {
		s.registry.Kill(runID)
		s.sessions.SetStreaming(sessionID, false)
		return
	}
	for _, sid := range s.registry.KillByKind(sessionKind) {
		s.sessions.SetStreaming(sid, false)
	}
}

func parseTop(line []byte) (map[string]json.RawMessage, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(line, &top); err != nil {
		return nil, false
	}
	return top, true
}

func topString(top map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := top[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// extractInitSessionID recognizes {"type":"system","subtype":"init","session_id":"..."}.
func extractInitSessionID(line []byte) (string, bool) {
	top, ok := parseTop(line)
	if !ok {
		return "", false
	}
	typ, _ := topString(top, "type")
	if typ != "system" {
		return "", false
	}
	subtype, _ := topString(top, "subtype")
	if subtype != "init" {
		return "", false
	}
	return topString(top, "session_id")
}

// isCompactionSuccessResult recognizes a result line carrying both
// subtype "success" and a num_turns field.
func isCompactionSuccessResult(line []byte) bool {
	top, ok := parseTop(line)
	if !ok {
		return false
	}
	subtype, _ := topString(top, "subtype")
	if subtype != "success" {
		return false
	}
	_, hasNumTurns := top["num_turns"]
	return hasNumTurns
}

var snapshotTools = map[string]struct{}{
	"Edit":      {},
	"Write":     {},
	"MultiEdit": {},
}

// fileSnapshot captures enough state about a file at the moment a
// tool_use references it to support downstream rollback/diff.
type fileSnapshot struct {
	Path            string    `json:"path"`
	OriginalContent *string   `json:"original_content"`
	CapturedAt      time.Time `json:"captured_at"`
	MtimeMS         *int64    `json:"mtime_ms"`
	SessionID       string    `json:"session_id"`
	IsNewFile       bool      `json:"is_new_file"`
}

func buildFileSnapshot(path, sessionID string) fileSnapshot {
	snap := fileSnapshot{Path: path, SessionID: sessionID, CapturedAt: time.Now()}
	info, err := os.Stat(path)
	if err != nil {
		snap.IsNewFile = true
		return snap
	}
	ms := info.ModTime().UnixMilli()
	snap.MtimeMS = &ms
	if data, err := os.ReadFile(path); err == nil {
		content := string(data)
		snap.OriginalContent = &content
	}
	return snap
}

// augmentFileSnapshot adds a fileSnapshot block to any top-level or
// assistant/user-nested tool_use event naming Edit, Write, or MultiEdit
// with a file_path input, re-serializing the line. Lines that don't
// match pass through untouched.
func augmentFileSnapshot(line []byte, sessionID string) []byte {
	top, ok := parseTop(line)
	if !ok {
		return line
	}
	typ, _ := topString(top, "type")

	switch typ {
	case "tool_use":
		if augmentToolUseObject(top, sessionID) {
			if out, err := json.Marshal(top); err == nil {
				return out
			}
		}
		return line
	case "assistant", "user":
		msgRaw, ok := top["message"]
		if !ok {
			return line
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(msgRaw, &msg); err != nil {
			return line
		}
		contentRaw, ok := msg["content"]
		if !ok {
			return line
		}
		var content []json.RawMessage
		if err := json.Unmarshal(contentRaw, &content); err != nil {
			return line
		}

		changed := false
		for i, item := range content {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(item, &obj); err != nil {
				continue
			}
			itemType, _ := topString(obj, "type")
			if itemType != "tool_use" {
				continue
			}
			if augmentToolUseObject(obj, sessionID) {
				b, err := json.Marshal(obj)
				if err != nil {
					continue
				}
				content[i] = b
				changed = true
			}
		}
		if !changed {
			return line
		}
		contentBytes, err := json.Marshal(content)
		if err != nil {
			return line
		}
		msg["content"] = contentBytes
		msgBytes, err := json.Marshal(msg)
		if err != nil {
			return line
		}
		top["message"] = msgBytes
		out, err := json.Marshal(top)
		if err != nil {
			return line
		}
		return out
	default:
		return line
	}
}

// augmentToolUseObject mutates obj in place, adding a fileSnapshot key,
// and reports whether it did so.
func augmentToolUseObject(obj map[string]json.RawMessage, sessionID string) bool {
	name, ok := topString(obj, "name")
	if !ok {
		return false
	}
	if _, isSnapshotTool := snapshotTools[name]; !isSnapshotTool {
		return false
	}

	inputRaw, ok := obj["input"]
	if !ok {
		return false
	}
	var input map[string]json.RawMessage
	if err := json.Unmarshal(inputRaw, &input); err != nil {
		return false
	}
	path, ok := topString(input, "file_path")
	if !ok || path == "" {
		return false
	}

	snap := buildFileSnapshot(path, sessionID)
	snapBytes, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	obj["fileSnapshot"] = snapBytes
	return true
}
