package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Event ledger commands",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	RunE:  runLedgerVerify,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue actions and finalize finished campaigns once",
	RunE:  runSweep,
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd, sweepCmd)
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Coordinator.VerifyLedger(context.Background())
	if err != nil {
		return fmt.Errorf("failed to verify ledger: %w", err)
	}

	if !result.OK() {
		return fmt.Errorf("ledger broken at event %d: %s", result.BrokenAt, result.Reason)
	}

	fmt.Printf("Ledger OK\n")
	fmt.Printf("  Events: %d\n", result.Events)
	fmt.Printf("  Head:   %s\n", result.Head)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Coordinator.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Expired actions:     %d\n", result.Expired)
	fmt.Printf("Finalized campaigns: %d\n", result.Finalized)
	return nil
}
