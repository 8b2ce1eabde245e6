// Command cortexd is the headless process-supervision backend: it spawns
// and tracks Claude CLI sessions and background agents, streams their
// output onto an event bus, and serves that bus to a separate front-end
// process over a websocket. It has no terminal UI of its own — run
// "cortexd serve" and point a front-end at the printed port.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/riftlabs/cortexd/internal/buildinfo"
	"github.com/riftlabs/cortexd/internal/obslog"
)

// colorEnabled gates ANSI color codes on plain-text status lines, exactly
// as the reference root command gates its banner: only when stdout is a
// real terminal, never when piped or redirected.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

// colorize wraps s in an ANSI SGR code when stdout is a terminal, and
// returns s unchanged otherwise.
func colorize(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

var rootCmd = &cobra.Command{
	Use:   "cortexd",
	Short: "Headless backend for supervising Claude CLI sessions and background agents",
	Long: `cortexd supervises Claude CLI sessions and background agents on behalf of
a separate graphical front-end: it spawns child processes, streams their
NDJSON output onto an event bus, tracks context-window usage, and relays
it all to subscribers over a websocket.

  cortexd serve            Start the daemon and print its port
  cortexd spawn             Spawn one session and stream it to stdout
  cortexd agent queue       Queue a background agent
  cortexd agent list        List background agents
  cortexd memory prune      Drop aged entries from the memory store`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose debug logging to ~/.cortexd/logs/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !obslog.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := obslog.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "[debug] logging to %s\n", logPath)
		bi := buildinfo.Current()
		obslog.LogKV("cli", "cortexd starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

func main() {
	Execute()
}

// Execute runs the root command. A panic anywhere below it is caught,
// given a best-effort chance to kill every tracked child process (the
// serve command installs the actual killer via registerCrashCleanup
// before it starts spawning anything), logged, and re-signaled as a
// nonzero exit — success is reserved for a graceful shutdown.
func Execute() {
	defer obslog.Close()
	defer func() {
		if r := recover(); r != nil {
			runCrashCleanup()
			obslog.Logf("cli", "panic: %v", r)
			fmt.Fprintf(os.Stderr, "%s: %v\n", colorize("31", "cortexd: fatal"), r)
			os.Exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		obslog.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", colorize("31", "cortexd"), err)
		os.Exit(1)
	}
	obslog.Log("cli", "exit success")
}

// crashCleanup is swapped in by the serve command once its collaborators
// exist; it defaults to a no-op so "spawn"/"agent"/"memory" one-shots
// (which own at most one short-lived child directly in their own RunE,
// already cleaned up by their own defers) don't need one.
var crashCleanup = func() {}

func registerCrashCleanup(fn func()) {
	crashCleanup = fn
}

func runCrashCleanup() {
	func() {
		defer func() { recover() }() // a cleanup hook must never mask the original panic
		crashCleanup()
	}()
}
