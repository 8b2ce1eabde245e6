package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/procreg"
	"github.com/riftlabs/cortexd/internal/sessionmgr"
	"github.com/riftlabs/cortexd/internal/spawner"
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn one Claude CLI session and stream its output to stdout",
	Long: `spawn launches a single Claude CLI session directly (no daemon, no
websocket) and prints every stdout line as it arrives, terminating once
the session completes. Useful for scripting and for verifying a binary
resolves and launches correctly.`,
	Args: cobra.NoArgs,
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().String("project", ".", "project directory the session runs in")
	spawnCmd.Flags().String("model", "sonnet", "model name passed to the CLI")
	spawnCmd.Flags().String("prompt", "", "initial prompt")
	spawnCmd.Flags().String("resume", "", "resume an existing session id")
	spawnCmd.Flags().Bool("continue", false, "continue the most recent session")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	model, _ := cmd.Flags().GetString("model")
	prompt, _ := cmd.Flags().GetString("prompt")
	resume, _ := cmd.Flags().GetString("resume")
	cont, _ := cmd.Flags().GetBool("continue")

	registry := procreg.New()
	sessions := sessionmgr.New()
	bus := eventbus.New()
	sp := spawner.New(registry, sessions, bus)

	outputCh, unsubOutput := bus.Subscribe("claude-output")
	defer unsubOutput()
	errCh, unsubErr := bus.Subscribe("claude-error")
	defer unsubErr()
	completeCh, unsubComplete := bus.Subscribe("claude-complete")
	defer unsubComplete()

	res, err := sp.Spawn(cmd.Context(), spawner.Options{
		ProjectPath:     project,
		Model:           model,
		InitialPrompt:   prompt,
		ResumeSessionID: resume,
		Continue:        cont,
	})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s session %s (pid %d)\n", colorize("36", "spawned"), res.SessionID, res.PID)

	for {
		select {
		case env := <-outputCh:
			os.Stdout.Write(env.Data)
			os.Stdout.Write([]byte("\n"))
		case env := <-errCh:
			var line string
			json.Unmarshal(env.Data, &line)
			fmt.Fprintln(os.Stderr, colorize("31", line))
		case <-completeCh:
			return nil
		case <-cmd.Context().Done():
			sp.Interrupt(res.SessionID)
			return cmd.Context().Err()
		}
	}
}
