package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dirsubmit/internal/connector/sandbox"
)

var (
	sandboxListDirectory string
	sandboxListCampaign  string
	sandboxListLimit     int
	sandboxClearDays     int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox capture commands",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured submissions",
	RunE:  runSandboxList,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured submissions",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListDirectory, "directory", "", "Filter by directory")
	sandboxListCmd.Flags().StringVar(&sandboxListCampaign, "campaign", "", "Filter by campaign")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of captures")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear captures older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxStatsCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	captures, err := e.Sandbox.List(context.Background(), sandbox.ListFilter{
		DirectoryID: sandboxListDirectory,
		CampaignID:  sandboxListCampaign,
		Limit:       sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list captures: %w", err)
	}

	if len(captures) == 0 {
		fmt.Println("Sandbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTORY\tTARGET\tATTEMPT\tSTATUS\tCAPTURED")
	fmt.Fprintln(w, "--\t---------\t------\t-------\t------\t--------")
	for _, c := range captures {
		status := c.Status
		if c.SimulatedErr != "" {
			status += " (" + c.SimulatedErr + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(c.ID),
			c.DirectoryID,
			truncateID(c.TargetID),
			c.Attempt,
			status,
			c.CapturedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d captures\n", len(captures))

	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.Sandbox.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total:  %d\n", stats.Total)
	fmt.Printf("Failed: %d\n", stats.Failed)
	if !stats.OldestAt.IsZero() {
		fmt.Printf("Oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Printf("Newest: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	if len(stats.ByDirectory) > 0 {
		fmt.Println("\nBy directory")
		for dir, n := range stats.ByDirectory {
			fmt.Printf("  %-20s %d\n", dir, n)
		}
	}

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	count, err := e.Sandbox.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d captures\n", count)
	return nil
}
