// Package obslog provides a verbose structured logger for runtime
// diagnostics.
//
// When enabled via --debug (or CORTEXD_DEBUG=1), every significant event in
// the daemon is written to a single .log file under ~/.cortexd/logs/. The
// log includes nanosecond timestamps, goroutine IDs, caller locations, and
// component tags so that any execution path — a spawn, a stream, a
// compaction decision — can be reconstructed after the fact.
//
// When disabled (the default), all logging functions are no-ops with zero
// allocation overhead.
package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/riftlabs/cortexd/internal/hexid"
)

// EnvEnabled set to "1" makes ShouldEnableFromEnv report true ("0" makes it
// report false); the logger still stays off until Init is called.
// EnvLogPath overrides the default log file location.
const (
	EnvEnabled = "CORTEXD_DEBUG"
	EnvLogPath = "CORTEXD_DEBUG_LOG"
	EnvProcess = "CORTEXD_DEBUG_PROCESS"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	process   string
	startedAt time.Time
}

// ShouldEnableFromEnv reports whether the environment requests logging
// without an explicit Init call, honoring EnvEnabled and EnvLogPath.
func ShouldEnableFromEnv() bool {
	switch os.Getenv(EnvEnabled) {
	case "1":
		return true
	case "0":
		return false
	}
	return os.Getenv(EnvLogPath) != ""
}

// Init initializes the global logger. It creates ~/.cortexd/logs/ if
// needed (unless EnvLogPath names an explicit file) and opens a log file
// named with the current timestamp and a random hex ID. Returns the log
// file path.
func Init() (string, error) {
	path := os.Getenv(EnvLogPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("obslog: user home dir: %w", err)
		}
		dir := filepath.Join(home, ".cortexd", "logs")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("obslog: create dir %s: %w", dir, err)
		}
		now := time.Now()
		filename := fmt.Sprintf("%s_%s.log", now.Format("20060102T150405"), hexid.New())
		path = filepath.Join(dir, filename)
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("obslog: create dir %s: %w", dir, err)
		}
	}

	existing := false
	if _, err := os.Stat(path); err == nil {
		existing = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("obslog: open log %s: %w", path, err)
	}

	now := time.Now()
	process := os.Getenv(EnvProcess)
	l := &Logger{file: f, path: path, process: process, startedAt: now}

	headerTitle := "=== CORTEXD DEBUG LOG ==="
	if existing {
		headerTitle = "=== CORTEXD DEBUG PROCESS ATTACHED ==="
	}
	header := fmt.Sprintf(
		"%s\nStarted: %s\nPID: %d\nGOMAXPROCS: %d\nProcess: %s\nFile: %s\n===\n\n",
		headerTitle,
		now.Format(time.RFC3339Nano),
		os.Getpid(),
		runtime.GOMAXPROCS(0),
		process,
		path,
	)
	f.WriteString(header)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	return path, nil
}

// Close flushes and closes the log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.startedAt)
	l.file.WriteString(fmt.Sprintf("\n=== DEBUG LOG CLOSED === (duration=%s)\n", elapsed))
	l.file.Close()
}

// Enabled returns true if the logger is active.
func Enabled() bool {
	loggerMu.RLock()
	e := logger != nil
	loggerMu.RUnlock()
	return e
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return ""
	}
	return l.path
}

// Log writes a debug line. No-op when logging is disabled.
func Log(component, msg string) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, msg, 2)
}

// Logf writes a formatted debug line. No-op when logging is disabled.
func Logf(component, format string, args ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, fmt.Sprintf(format, args...), 2)
}

// LogKV writes a debug line with key-value context pairs.
// Usage: obslog.LogKV("spawner", "run started", "run_id", 5, "session_id", "ab12cd34")
func LogKV(component, msg string, kvs ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		b.WriteString(fmt.Sprintf(" %v=%v", kvs[i], kvs[i+1]))
	}
	l.write(component, b.String(), 2)
}

// PropagatedEnv returns env with the logging environment variables overlaid
// so a spawned child process inherits the same log destination and writes
// into the same aggregate file, tagged with its own process label.
func PropagatedEnv(env []string, processLabel string) []string {
	if !Enabled() {
		return env
	}

	out := make([]string, 0, len(env)+3)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvEnabled+"=") || strings.HasPrefix(kv, EnvLogPath+"=") || strings.HasPrefix(kv, EnvProcess+"=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, EnvEnabled+"=1", EnvLogPath+"="+Path(), EnvProcess+"="+processLabel)
	return out
}

// write formats and appends a single log line.
func (l *Logger) write(component, msg string, callerSkip int) {
	now := time.Now()
	elapsed := now.Sub(l.startedAt)

	gid := goroutineID()

	_, file, line, ok := runtime.Caller(callerSkip)
	caller := "??:0"
	if ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+1:]
		} else if idx := strings.LastIndex(file, "/cmd/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	procTag := ""
	if l.process != "" {
		procTag = fmt.Sprintf("[P:%s] ", l.process)
	}

	logLine := fmt.Sprintf("%s +%12s [G%-6d] %s[%-14s] %-40s | %s\n",
		now.Format("15:04:05.000000000"),
		elapsed.Truncate(time.Microsecond),
		gid,
		procTag,
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	l.file.WriteString(logLine)
	l.mu.Unlock()
}

// goroutineID extracts the goroutine ID from runtime.Stack output.
// Used only in debug mode where performance is secondary.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
