package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/dirsubmit/internal/directory"
)

var (
	directoryRegion string
	directoryAll    bool
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Directory catalog commands",
}

var directoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List directories in priority order",
	RunE:  runDirectoryList,
}

var directoryRateLimitCmd = &cobra.Command{
	Use:   "ratelimit <directory_id>",
	Short: "Show current submission budget usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runDirectoryRateLimit,
}

func init() {
	directoryListCmd.Flags().StringVar(&directoryRegion, "region", "", "Only directories serving this region")
	directoryListCmd.Flags().BoolVar(&directoryAll, "all", false, "Include inactive directories")

	directoryCmd.AddCommand(directoryListCmd, directoryRateLimitCmd)
	rootCmd.AddCommand(directoryCmd)
}

func runDirectoryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := directory.NewRegistry(cfg.Directories)
	if err != nil {
		return err
	}

	var list []*directory.Directory
	if directoryAll {
		list = registry.List()
	} else {
		list = registry.Select(directory.Filter{Region: directoryRegion})
	}

	if len(list) == 0 {
		fmt.Println("No directories")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSCORE\tPRICING\tACCOUNT\tREGIONS\tLIMIT")
	fmt.Fprintln(w, "--\t----\t-----\t-------\t-------\t-------\t-----")
	for _, d := range list {
		regions := "any"
		if len(d.Regions) > 0 {
			regions = strings.Join(d.Regions, ",")
		}
		limit := "-"
		if d.RateLimit != nil {
			limit = fmt.Sprintf("%d/min %d/day", d.RateLimit.PerMinute, d.RateLimit.PerDay)
		}
		account := "no"
		if d.RequiresAccount {
			account = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%s\t%s\t%s\n",
			d.ID, d.SubmissionMode, d.PriorityScore, d.PricingModel, account, regions, limit)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d directories\n", len(list))

	return nil
}

func runDirectoryRateLimit(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	id := args[0]
	if e.Directories.Get(id) == nil {
		return fmt.Errorf("directory not found: %s", id)
	}

	stats, err := e.Limiter.GetStats(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get rate limit stats: %w", err)
	}

	fmt.Printf("Directory: %s\n", id)
	if stats.Limit == nil {
		fmt.Println("No directory budget configured")
	} else {
		fmt.Printf("Per minute: %d / %d\n", stats.MinuteCount, stats.Limit.PerMinute)
		fmt.Printf("Per day:    %d / %d\n", stats.DailyCount, stats.Limit.PerDay)
	}
	if !stats.DayStart.IsZero() {
		fmt.Printf("Day began:  %s\n", stats.DayStart.Format("2006-01-02 15:04:05"))
	}
	return nil
}
