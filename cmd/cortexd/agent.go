package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/riftlabs/cortexd/internal/agentqueue"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Queue, list, or cancel background agents on a running daemon",
}

var agentQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue a background agent",
	Args:  cobra.NoArgs,
	RunE:  runAgentQueue,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued/running/terminal background agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running background agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentCancel,
}

func init() {
	agentQueueCmd.Flags().String("kind", "explorer", "agent kind (architect/explorer/implementer/guardian/specialist/custom:<name>)")
	agentQueueCmd.Flags().String("prompt", "", "task prompt")
	agentQueueCmd.Flags().String("dir", ".", "working directory")
	agentQueueCmd.Flags().String("model", "", "overrides the kind's default model")
	agentQueueCmd.Flags().String("git-branch", "", "run asynchronously on this branch")

	agentCmd.AddCommand(agentQueueCmd, agentListCmd, agentCancelCmd)
	rootCmd.AddCommand(agentCmd)
}

func daemonAddr() (string, error) {
	data, err := os.ReadFile(portFilePath())
	if err != nil {
		return "", fmt.Errorf("daemon not running (no %s): %w", portFilePath(), err)
	}
	return "http://127.0.0.1:" + string(data), nil
}

func daemonJSON(method, path string, body any, out any) error {
	addr, err := daemonAddr()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runAgentQueue(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	prompt, _ := cmd.Flags().GetString("prompt")
	dir, _ := cmd.Flags().GetString("dir")
	model, _ := cmd.Flags().GetString("model")
	gitBranch, _ := cmd.Flags().GetString("git-branch")

	var resp struct {
		ID string `json:"id"`
	}
	err := daemonJSON(http.MethodPost, "/agents", agentqueue.SpawnOptions{
		Kind:       kind,
		Prompt:     prompt,
		WorkingDir: dir,
		Model:      model,
		GitBranch:  gitBranch,
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", colorize("32", "queued"), resp.ID)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var agents []agentqueue.Agent
	if err := daemonJSON(http.MethodGet, "/agents", nil, &agents); err != nil {
		return err
	}
	for _, a := range agents {
		fmt.Printf("%s\t%s\t%s\t%s\n", a.ID, a.Kind, a.Status, a.Prompt)
	}
	return nil
}

func runAgentCancel(cmd *cobra.Command, args []string) error {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := daemonJSON(http.MethodPost, "/agents/"+args[0]+"/cancel", nil, &resp); err != nil {
		return err
	}
	if !resp.Cancelled {
		return fmt.Errorf("agent %s was not in a cancellable state", args[0])
	}
	fmt.Printf("%s %s\n", colorize("33", "cancelled"), args[0])
	return nil
}
