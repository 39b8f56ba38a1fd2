package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/dirsubmit/internal/coordinator"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
)

var (
	campaignAccount      string
	campaignPlan         string
	campaignCount        int
	campaignFields       []string
	campaignProfileFile  string
	campaignPricing      []string
	campaignCapabilities []string
	campaignRegion       string
	campaignListStatus   string
	campaignListLimit    int
	campaignActor        string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign and expand it into targets",
	Long: `Create a campaign for an account. The profile is read from a YAML file
of field: value pairs and/or --field flags; flags win.

Examples:
  dirsubmit campaign create --account acct-1 --directories 25 --profile-file acme.yaml
  dirsubmit campaign create --account acct-1 --directories 5 \
    --field business_name=Acme --field website=https://acme.test --region us`,
	RunE: runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign_id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

var campaignTargetsCmd = &cobra.Command{
	Use:   "targets <campaign_id>",
	Short: "List campaign targets in queue order",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignTargets,
}

var campaignEventsCmd = &cobra.Command{
	Use:   "events <campaign_id>",
	Short: "Show the campaign's ledger events",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignEvents,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCampaignTransition(args[0], "paused", (*coordinator.Coordinator).Pause)
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCampaignTransition(args[0], "resumed", (*coordinator.Coordinator).Resume)
	},
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign and its pending targets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCampaignTransition(args[0], "cancelled", (*coordinator.Coordinator).Cancel)
	},
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignAccount, "account", "", "Account ID (required)")
	campaignCreateCmd.Flags().StringVar(&campaignPlan, "plan", "", "Plan ID")
	campaignCreateCmd.Flags().IntVar(&campaignCount, "directories", 0, "Number of directories the plan entitles (required)")
	campaignCreateCmd.Flags().StringArrayVar(&campaignFields, "field", nil, "Profile field as key=value (repeatable)")
	campaignCreateCmd.Flags().StringVar(&campaignProfileFile, "profile-file", "", "YAML file with profile fields")
	campaignCreateCmd.Flags().StringSliceVar(&campaignPricing, "pricing", nil, "Allowed pricing models")
	campaignCreateCmd.Flags().StringSliceVar(&campaignCapabilities, "capability", nil, "Required directory capabilities")
	campaignCreateCmd.Flags().StringVar(&campaignRegion, "region", "", "Region filter (default: profile region)")
	campaignCreateCmd.MarkFlagRequired("account")
	campaignCreateCmd.MarkFlagRequired("directories")

	campaignListCmd.Flags().StringVar(&campaignAccount, "account", "", "Filter by account")
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns")

	for _, c := range []*cobra.Command{campaignPauseCmd, campaignResumeCmd, campaignCancelCmd} {
		c.Flags().StringVar(&campaignActor, "actor", string(submission.ActorAdmin), "Actor recorded in the ledger (user, admin)")
	}

	campaignCmd.AddCommand(campaignCreateCmd, campaignListCmd, campaignStatusCmd, campaignTargetsCmd,
		campaignEventsCmd, campaignPauseCmd, campaignResumeCmd, campaignCancelCmd)
	rootCmd.AddCommand(campaignCmd)
}

// loadProfile merges the profile file with key=value fields
func loadProfile(path string, fields []string) (submission.Profile, error) {
	profile := submission.Profile{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile file: %w", err)
		}
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("failed to parse profile file: %w", err)
		}
	}

	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid profile field %q (want key=value)", f)
		}
		profile[key] = value
	}

	if len(profile) == 0 {
		return nil, fmt.Errorf("profile is empty (use --profile-file or --field)")
	}
	return profile, nil
}

// parseActor accepts only actors a person can act as
func parseActor(raw string) (submission.Actor, error) {
	actor := submission.Actor(raw)
	switch actor {
	case submission.ActorUser, submission.ActorAdmin:
		return actor, nil
	}
	return "", fmt.Errorf("invalid actor %q (want user or admin)", raw)
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile(campaignProfileFile, campaignFields)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	campaign, err := e.Coordinator.CreateCampaign(context.Background(), coordinator.CreateRequest{
		AccountID:   campaignAccount,
		Profile:     profile,
		Entitlement: submission.Entitlement{PlanID: campaignPlan, Directories: campaignCount},
		Filters: submission.Filters{
			PricingModels:        campaignPricing,
			RequiredCapabilities: campaignCapabilities,
			Region:               campaignRegion,
		},
		Actor: submission.ActorUser,
	})
	if errors.Is(err, targets.ErrInsufficientInventory) && campaign != nil {
		return fmt.Errorf("campaign %s failed: %w", campaign.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	fmt.Printf("Campaign %s created\n", campaign.ID)
	fmt.Printf("  Status:  %s\n", campaign.Status)
	fmt.Printf("  Targets: %d of %d entitled\n", campaign.Counters.Total, campaign.Entitlement.Directories)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	filter := store.CampaignFilter{
		AccountID: campaignAccount,
		Limit:     campaignListLimit,
	}
	if campaignListStatus != "" {
		filter.Status = submission.CampaignStatus(campaignListStatus)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid status: %s", campaignListStatus)
		}
	}

	campaigns, err := e.Coordinator.Campaigns(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tSTATUS\tTARGETS\tSUBMITTED\tLIVE\tFAILED\tCREATED")
	fmt.Fprintln(w, "--\t-------\t------\t-------\t---------\t----\t------\t-------")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID),
			c.AccountID,
			c.Status,
			c.Counters.Total,
			c.Counters.Submitted,
			c.Counters.Live,
			c.Counters.Failed,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	summary, err := e.Coordinator.Summary(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	c := summary.Campaign
	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Account:   %s\n", c.AccountID)
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Created:   %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.FinishedAt != nil {
		fmt.Printf("Finished:  %s\n", c.FinishedAt.Format(time.RFC3339))
	}
	if c.LastError != "" {
		fmt.Printf("Error:     %s\n", c.LastError)
	}

	fmt.Println("\nCounters")
	fmt.Println("--------")
	fmt.Printf("Total:          %d\n", c.Counters.Total)
	fmt.Printf("Queued:         %d\n", c.Counters.Queued)
	fmt.Printf("Submitted:      %d\n", c.Counters.Submitted)
	fmt.Printf("Live:           %d\n", c.Counters.Live)
	fmt.Printf("Already listed: %d\n", c.Counters.AlreadyListed)
	fmt.Printf("Action needed:  %d\n", c.Counters.ActionNeeded)
	fmt.Printf("Failed:         %d\n", c.Counters.Failed)
	fmt.Printf("Cancelled:      %d\n", c.Counters.Cancelled)

	if summary.NextEligible != nil {
		fmt.Printf("\nNext attempt: %s\n", summary.NextEligible.Format(time.RFC3339))
	}

	if len(summary.Failed) > 0 {
		fmt.Println("\nFailures by error type")
		for errType, n := range summary.Failed {
			fmt.Printf("  %-20s %d\n", errType, n)
		}
	}

	if len(summary.ActionNeeded) > 0 {
		fmt.Println("\nAwaiting action")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tDIRECTORY\tACTION\tDEADLINE")
		for _, t := range summary.ActionNeeded {
			deadline := "-"
			if t.Deadline != nil {
				deadline = t.Deadline.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.DirectoryID, t.ActionType, deadline)
		}
		w.Flush()
	}

	return nil
}

func runCampaignTargets(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := e.Coordinator.Targets(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tDIRECTORY\tSTATUS\tATTEMPTS\tNEXT\tERROR")
	fmt.Fprintln(w, "-\t--\t---------\t------\t--------\t----\t-----")
	for _, t := range list {
		next := "-"
		if t.Status.Schedulable() && !t.NextEligibleAt.IsZero() {
			next = t.NextEligibleAt.Format("2006-01-02 15:04:05")
		}
		errType := "-"
		if t.LastErrorType != "" {
			errType = string(t.LastErrorType)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.QueuePosition, truncateID(t.ID), t.DirectoryID, t.Status, t.Attempts, next, errType)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d targets\n", len(list))

	return nil
}

func runCampaignEvents(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	events, err := e.Coordinator.CampaignEvents(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}
	printEvents(events)
	return nil
}

type transitionFunc func(*coordinator.Coordinator, context.Context, string, submission.Actor) (*submission.CampaignRun, error)

func runCampaignTransition(id, verb string, fn transitionFunc) error {
	actor, err := parseActor(campaignActor)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	campaign, err := fn(e.Coordinator, context.Background(), id, actor)
	if err != nil {
		return err
	}

	fmt.Printf("Campaign %s %s (status: %s)\n", campaign.ID, verb, campaign.Status)
	return nil
}

func printEvents(events []*submission.Event) {
	if len(events) == 0 {
		fmt.Println("No events")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tTARGET\tACTOR\tSTATUS\tDETAIL")
	fmt.Fprintln(w, "---\t----\t----\t------\t-----\t------\t------")
	for _, ev := range events {
		detail := ev.Message
		if ev.ErrorType != "" {
			detail = string(ev.ErrorType) + ": " + detail
		}
		if ev.NotBefore != nil {
			detail = strings.TrimSpace(detail + " until " + ev.NotBefore.Format(time.RFC3339))
		}
		target := "-"
		if ev.TargetID != "" {
			target = truncateID(ev.TargetID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Seq,
			ev.OccurredAt.Format("2006-01-02 15:04:05"),
			ev.Type,
			target,
			ev.Actor,
			ev.Status,
			detail,
		)
	}
	w.Flush()
}
