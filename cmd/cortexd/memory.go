package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riftlabs/cortexd/internal/config"
	"github.com/riftlabs/cortexd/internal/memoryrpc"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Prune or clear the memory MCP store directly",
	Long: `memory starts its own short-lived memory MCP server child process to
perform one operation and exits. It refuses to start while a daemon (or
another memory command) already holds the lock on the same data directory.`,
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop entries older than the configured retention window",
	Args:  cobra.NoArgs,
	RunE:  runMemoryPrune,
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every memory entry",
	Args:  cobra.NoArgs,
	RunE:  runMemoryClear,
}

func init() {
	memoryPruneCmd.Flags().Int("retention-days", 0, "override the configured retention window (0 uses config)")
	memoryCmd.AddCommand(memoryPruneCmd, memoryClearCmd)
	rootCmd.AddCommand(memoryCmd)
}

func withMemoryClient(fn func(*memoryrpc.Client) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	client := memoryrpc.New(config.Dir(), cfg.MemoryServerOverride)
	if err := client.Start(); err != nil {
		return fmt.Errorf("starting memory server: %w", err)
	}
	defer client.Stop()
	return fn(client)
}

func runMemoryPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	days, _ := cmd.Flags().GetInt("retention-days")
	if days <= 0 {
		days = cfg.MemoryRetentionDays
	}

	return withMemoryClient(func(c *memoryrpc.Client) error {
		n, err := c.PruneOld(days)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d entries older than %d days\n", colorize("33", "pruned"), n, days)
		return nil
	})
}

func runMemoryClear(cmd *cobra.Command, args []string) error {
	return withMemoryClient(func(c *memoryrpc.Client) error {
		if err := c.ClearAll(); err != nil {
			return err
		}
		fmt.Println(colorize("33", "cleared all memory entries"))
		return nil
	})
}
