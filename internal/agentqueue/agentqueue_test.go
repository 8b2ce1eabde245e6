package agentqueue

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/procreg"
)

func fakeAgentBinary(t *testing.T, dir, name string, exitCode int, sleepSeconds int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n"
	if sleepSeconds > 0 {
		script += "sleep " + strconv.Itoa(sleepSeconds) + "\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func withFixedClock(t *testing.T, seconds int64) {
	t.Helper()
	old := nowSeconds
	nowSeconds = func() int64 { return seconds }
	t.Cleanup(func() { nowSeconds = old })
}

func TestQueueStartsInQueuedState(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: "/tmp"})

	got, ok := q.Get(id)
	if !ok || got.Status != StatusQueued {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestQueueResolvesBuiltinKindDefaultModelAndPromptSeed(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "architect", Prompt: "design the thing", WorkingDir: "/tmp"})

	got, ok := q.Get(id)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.Model != "opus" {
		t.Fatalf("Model = %q, want opus (architect default)", got.Model)
	}

	opts, ok := q.takeSpawnOpts(id)
	if !ok {
		t.Fatalf("takeSpawnOpts: not found")
	}
	if opts.Prompt == "design the thing" {
		t.Fatalf("expected prompt seed prefix, got unmodified prompt")
	}
}

func TestQueueLeavesCustomKindUntouched(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "custom:security-audit", Prompt: "audit it", Model: "sonnet", WorkingDir: "/tmp"})

	got, ok := q.Get(id)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.Model != "sonnet" {
		t.Fatalf("Model = %q, want unmodified sonnet", got.Model)
	}

	opts, ok := q.takeSpawnOpts(id)
	if !ok {
		t.Fatalf("takeSpawnOpts: not found")
	}
	if opts.Prompt != "audit it" {
		t.Fatalf("Prompt = %q, want unmodified", opts.Prompt)
	}
}

func TestTryStartNextPicksOldestQueued(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 0, 0)

	q := New(procreg.New(), eventbus.New())

	withFixedClock(t, 100)
	first := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p1", WorkingDir: dir, BinaryOverride: bin})
	withFixedClock(t, 200)
	q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p2", WorkingDir: dir, BinaryOverride: bin})

	id, started := q.TryStartNext(context.Background())
	if !started || id != first {
		t.Fatalf("TryStartNext() = (%q, %v), want (%q, true)", id, started, first)
	}

	got, _ := q.Get(id)
	if got.Status != StatusRunning {
		t.Fatalf("expected Running immediately after TryStartNext, got %v", got.Status)
	}
}

func TestTryStartNextRespectsCap(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 0, 2)

	q := NewWithLimits(procreg.New(), eventbus.New(), 1, DefaultTimeout)
	q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p1", WorkingDir: dir, BinaryOverride: bin})
	q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p2", WorkingDir: dir, BinaryOverride: bin})

	ctx := context.Background()
	if _, started := q.TryStartNext(ctx); !started {
		t.Fatalf("expected first TryStartNext to admit an agent")
	}
	if _, started := q.TryStartNext(ctx); started {
		t.Fatalf("expected second TryStartNext to be rejected by the cap")
	}
}

func TestConcurrentTryStartNextNeverExceedsCap(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 0, 1)

	q := NewWithLimits(procreg.New(), eventbus.New(), 2, DefaultTimeout)
	for i := 0; i < 10; i++ {
		q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: dir, BinaryOverride: bin})
	}

	var wg sync.WaitGroup
	var started int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.TryStartNext(context.Background()); ok {
				atomic.AddInt64(&started, 1)
			}
		}()
	}
	wg.Wait()

	if started > 2 {
		t.Fatalf("started = %d, want <= 2 (cap)", started)
	}
}

func TestSpawnCompletesSuccessfully(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 0, 0)

	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: dir, BinaryOverride: bin})
	q.TryStartNext(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := q.Get(id)
		if got.Status == StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := q.Get(id)
	t.Fatalf("agent never reached Completed, last status: %+v", got)
}

func TestSpawnRecordsFailureOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 7, 0)

	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: dir, BinaryOverride: bin})
	q.TryStartNext(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := q.Get(id)
		if got.Status == StatusFailed {
			if got.Error != "Exit code: 7" {
				t.Fatalf("Error = %q, want %q", got.Error, "Exit code: 7")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent never reached Failed")
}

func TestSpawnFailsWhenBinaryMissing(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: t.TempDir(), BinaryName: "definitely-not-a-real-cli"})
	q.TryStartNext(context.Background())

	got, _ := q.Get(id)
	if got.Status != StatusFailed {
		t.Fatalf("expected Failed, got %+v", got)
	}
}

func TestCancelFromQueued(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: "/tmp"})

	if !q.Cancel(id) {
		t.Fatalf("Cancel() = false")
	}
	got, _ := q.Get(id)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", got.Status)
	}
}

func TestCancelUnknownAgentFails(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	if q.Cancel("missing") {
		t.Fatalf("Cancel(missing) = true")
	}
}

func TestCheckRunningTimesOutStuckAgent(t *testing.T) {
	dir := t.TempDir()
	bin := fakeAgentBinary(t, dir, "claude-agent", 0, 5)

	q := NewWithLimits(procreg.New(), eventbus.New(), DefaultCap, time.Millisecond)
	withFixedClock(t, 100)
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: dir, BinaryOverride: bin})
	q.TryStartNext(context.Background())
	time.Sleep(50 * time.Millisecond)

	// Elapsed time is counted in whole seconds, so move the clock past
	// the start second before checking.
	withFixedClock(t, 102)
	q.CheckRunning()

	got, _ := q.Get(id)
	if got.Status != StatusFailed || got.Error != "Agent timed out" {
		t.Fatalf("got %+v, want Failed/Agent timed out", got)
	}
}

func TestCleanupOldRemovesAgedTerminalAgents(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: "/tmp"})
	q.Cancel(id)

	q.mu.Lock()
	q.table[id].CompletedSec = 1 // long ago
	q.mu.Unlock()

	removed := q.CleanupOld()
	if removed != 1 {
		t.Fatalf("CleanupOld() = %d, want 1", removed)
	}
	if _, ok := q.Get(id); ok {
		t.Fatalf("expected agent removed")
	}
}

func TestCleanupOldKeepsFreshTerminalAgents(t *testing.T) {
	q := New(procreg.New(), eventbus.New())
	id := q.Queue(SpawnOptions{Kind: "explorer", Prompt: "p", WorkingDir: "/tmp"})
	q.Cancel(id)

	removed := q.CleanupOld()
	if removed != 0 {
		t.Fatalf("CleanupOld() = %d, want 0 (just completed)", removed)
	}
	if _, ok := q.Get(id); !ok {
		t.Fatalf("expected agent retained")
	}
}
