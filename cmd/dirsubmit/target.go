package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dirsubmit/internal/coordinator"
	"github.com/foxzi/dirsubmit/internal/submission"
)

var (
	targetActor      string
	targetNote       string
	reviewStatus     string
	reviewExternalID string
	reviewListingURL string
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Target inspection and action commands",
}

var targetShowCmd = &cobra.Command{
	Use:   "show <target_id>",
	Short: "Show target state and its lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetShow,
}

var targetLineageCmd = &cobra.Command{
	Use:   "lineage <target_id>",
	Short: "Show every run of a target",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetLineage,
}

var targetEventsCmd = &cobra.Command{
	Use:   "events <target_id>",
	Short: "Show the target's ledger events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetEvents,
}

var targetResolveCmd = &cobra.Command{
	Use:   "resolve <target_id>",
	Short: "Mark a required action as done and requeue the target",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetResolve,
}

var targetReviewCmd = &cobra.Command{
	Use:   "review <target_id>",
	Short: "Record a directory review outcome",
	Long: `Record the outcome of a directory's review of a submitted target.

Valid outcomes: live, rejected, needs_changes, awaiting_review.`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetReview,
}

func init() {
	targetResolveCmd.Flags().StringVar(&targetActor, "actor", string(submission.ActorAdmin), "Actor recorded in the ledger (user, admin)")
	targetResolveCmd.Flags().StringVar(&targetNote, "note", "", "Note recorded with the resolution")

	targetReviewCmd.Flags().StringVar(&reviewStatus, "status", "", "Review outcome (required)")
	targetReviewCmd.Flags().StringVar(&reviewExternalID, "external-id", "", "Directory listing ID")
	targetReviewCmd.Flags().StringVar(&reviewListingURL, "url", "", "Public listing URL")
	targetReviewCmd.Flags().StringVar(&targetNote, "note", "", "Reviewer note")
	targetReviewCmd.MarkFlagRequired("status")

	targetCmd.AddCommand(targetShowCmd, targetLineageCmd, targetEventsCmd, targetResolveCmd, targetReviewCmd)
	rootCmd.AddCommand(targetCmd)
}

func runTargetShow(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	t, held, err := e.Coordinator.Target(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get target: %w", err)
	}

	fmt.Printf("Target: %s\n\n", t.ID)
	fmt.Printf("Campaign:   %s\n", t.CampaignID)
	fmt.Printf("Directory:  %s\n", t.DirectoryID)
	fmt.Printf("Position:   %d (score %.1f)\n", t.QueuePosition, t.PriorityScore)
	fmt.Printf("Status:     %s\n", t.Status)
	fmt.Printf("Attempts:   %d (retries %d)\n", t.Attempts, t.RetryCount)
	if t.Status.Schedulable() && !t.NextEligibleAt.IsZero() {
		fmt.Printf("Next:       %s\n", t.NextEligibleAt.Format(time.RFC3339))
	}
	if t.LastErrorType != "" {
		fmt.Printf("Last error: %s\n", t.LastErrorType)
	}
	if t.ActionType != "" {
		fmt.Printf("Action:     %s\n", t.ActionType)
	}
	if t.Deadline != nil {
		fmt.Printf("Deadline:   %s\n", t.Deadline.Format(time.RFC3339))
	}
	if t.ExternalID != "" {
		fmt.Printf("External:   %s\n", t.ExternalID)
	}
	if t.ListingURL != "" {
		fmt.Printf("Listing:    %s\n", t.ListingURL)
	}

	if held != nil {
		fmt.Printf("\nLocked by %s until %s\n", held.WorkerID, held.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

func runTargetLineage(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	runs, err := e.Coordinator.Lineage(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get lineage: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tRUN\tACTOR\tSTATUS\tWORKER\tERROR\tCREATED")
	fmt.Fprintln(w, "-------\t---\t-----\t------\t------\t-----\t-------")
	for _, r := range runs {
		worker := "-"
		if r.WorkerID != "" {
			worker = r.WorkerID
		}
		errType := "-"
		if r.ErrorType != "" {
			errType = string(r.ErrorType)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Attempt,
			truncateID(r.ID),
			r.Actor,
			r.Status,
			worker,
			errType,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	return nil
}

func runTargetEvents(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	events, err := e.Coordinator.Events(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}
	printEvents(events)
	return nil
}

func runTargetResolve(cmd *cobra.Command, args []string) error {
	actor, err := parseActor(targetActor)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.Coordinator.ResolveAction(context.Background(), args[0], actor, targetNote)
	if err != nil {
		return err
	}

	fmt.Printf("Target %s requeued (status: %s)\n", t.ID, t.Status)
	return nil
}

func runTargetReview(cmd *cobra.Command, args []string) error {
	status := submission.RunStatus(reviewStatus)
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", reviewStatus)
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.Coordinator.RecordReview(context.Background(), args[0], coordinator.Review{
		Status:     status,
		Actor:      submission.ActorAdmin,
		ExternalID: reviewExternalID,
		ListingURL: reviewListingURL,
		Note:       targetNote,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Target %s is now %s\n", t.ID, t.Status)
	return nil
}
