package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/internal/tiers"
)

// tenantCmd groups the tenant account commands
var tenantCmd = &cobra.Command{
	Use:     "tenant",
	Aliases: []string{"tenants", "t"},
	Short:   "Provision and inspect tenant accounts",
	Long: `Provision and inspect tenant accounts directly against the configured store.

Examples:
  # Provision a tenant on the trial tier
  quotagate tenant create acme

  # Show usage against limits
  quotagate tenant usage acme --json | jq '.'

  # Check whether a downgrade would put the tenant over its limits
  quotagate tenant downgrade-check acme trial`,
}

var tenantCreateFlags struct {
	Tier string
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Provision a tenant account",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantCreate,
}

var tenantShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show a tenant account",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantShow,
}

var tenantTierCmd = &cobra.Command{
	Use:   "tier <tenant-id> <tier>",
	Short: "Change a tenant's tier",
	Args:  cobra.ExactArgs(2),
	RunE:  runTenantTier,
}

var tenantUsageCmd = &cobra.Command{
	Use:   "usage <tenant-id>",
	Short: "Show a tenant's usage against its limits",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantUsage,
}

var tenantDowngradeCmd = &cobra.Command{
	Use:   "downgrade-check <tenant-id> <tier>",
	Short: "Check whether current usage fits a lower tier",
	Args:  cobra.ExactArgs(2),
	RunE:  runTenantDowngradeCheck,
}

var reserveCmd = &cobra.Command{
	Use:   "reserve <tenant-id> <resource-type>",
	Short: "Reserve one unit of a resource for a tenant",
	Long: `Run the admission check for one resource creation and reserve a unit when
it is allowed. Resource types are project, expense and user.

The command exits non-zero when the reservation is denied.`,
	Args: cobra.ExactArgs(2),
	RunE: runReserve,
}

var releaseFlags struct {
	Compensate bool
	Reason     string
	CreatedAt  string
}

var releaseCmd = &cobra.Command{
	Use:   "release <tenant-id> <resource-type>",
	Short: "Release one unit of a resource for a tenant",
	Long: `Release one unit of a resource after the resource was deleted.

With --compensate the unit is given back for a resource that was reserved but
never persisted. Compensation is retried with backoff and reported as counter
drift when it gives up.`,
	Args: cobra.ExactArgs(2),
	RunE: runRelease,
}

var rollWindowsCmd = &cobra.Command{
	Use:   "roll-windows",
	Short: "Roll the monthly expense window of every tenant",
	Long: `Reset the monthly expense counter of every tenant whose window has ended.

Admission checks already apply the reset lazily; this command only keeps stored
counters tidy for reporting. It is what the serve scheduler runs.`,
	Args: cobra.NoArgs,
	RunE: runRollWindows,
}

func init() {
	tenantCreateCmd.Flags().StringVar(&tenantCreateFlags.Tier, "tier", string(models.TierTrial), "Initial tier")
	releaseCmd.Flags().BoolVar(&releaseFlags.Compensate, "compensate", false, "Compensate a reservation whose resource was never persisted")
	releaseCmd.Flags().StringVar(&releaseFlags.CreatedAt, "created-at", "", "Creation time of the deleted resource (RFC 3339)")
	releaseCmd.Flags().StringVar(&releaseFlags.Reason, "reason", "resource write not confirmed", "Why the reservation is compensated")

	tenantCmd.AddCommand(tenantCreateCmd, tenantShowCmd, tenantTierCmd, tenantUsageCmd, tenantDowngradeCmd)
	RootCmd.AddCommand(tenantCmd, reserveCmd, releaseCmd, rollWindowsCmd)
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	tier, err := models.ParseTier(tenantCreateFlags.Tier)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, created, err := a.gate.Provision(cmd.Context(), args[0], tier)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(out, acct)
	}
	if created {
		fmt.Fprintf(out, "Tenant %s provisioned on tier %s\n", acct.TenantID, acct.Tier)
	} else {
		fmt.Fprintf(out, "Tenant %s already exists on tier %s\n", acct.TenantID, acct.Tier)
	}
	return nil
}

func runTenantShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := a.gate.Tenant(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(out, acct)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TENANT\t%s\n", acct.TenantID)
	fmt.Fprintf(w, "TIER\t%s\n", acct.Tier)
	fmt.Fprintf(w, "PROJECTS\t%d\n", acct.CurrentProjects)
	fmt.Fprintf(w, "EXPENSES (MONTH)\t%d\n", acct.CurrentMonthExpenses)
	fmt.Fprintf(w, "USERS\t%d\n", acct.CurrentUsers)
	fmt.Fprintf(w, "EXPENSE RESET AT\t%s\n", acct.ExpenseCounterResetAt.In(a.window.Location()).Format(time.RFC3339))
	return w.Flush()
}

func runTenantTier(cmd *cobra.Command, args []string) error {
	tier, err := models.ParseTier(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.gate.ApplyTierChange(cmd.Context(), models.TierChangeEvent{TenantID: args[0], NewTier: tier}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s moved to tier %s\n", args[0], tier)
	return nil
}

func runTenantUsage(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.gate.Usage(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return outputUsageTable(cmd.OutOrStdout(), report, a.window.Location())
}

func outputUsageTable(out io.Writer, report *models.UsageReport, loc *time.Location) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Tenant %s (tier %s)\n\n", report.TenantID, report.Tier)
	fmt.Fprintln(w, "RESOURCE\tCURRENT\tLIMIT")

	resources := make([]string, 0, len(report.Resources))
	for res := range report.Resources {
		resources = append(resources, string(res))
	}
	sort.Strings(resources)
	for _, res := range resources {
		entry := report.Resources[models.ResourceType(res)]
		fmt.Fprintf(w, "%s\t%d\t%s\n", res, entry.Current, formatLimit(entry.Limit))
	}
	reset := time.UnixMilli(report.ExpenseCounterResetAt).In(loc)
	fmt.Fprintf(w, "\nExpense window resets at %s\n", reset.Format(time.RFC3339))
	return w.Flush()
}

func formatLimit(limit int64) string {
	if tiers.IsUnlimited(limit) {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

func runTenantDowngradeCheck(cmd *cobra.Command, args []string) error {
	tier, err := models.ParseTier(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	check, err := a.gate.CanDowngrade(cmd.Context(), args[0], tier)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(out, check)
	}
	outputDowngradeCheck(out, check)
	return nil
}

func outputDowngradeCheck(out io.Writer, check *quota.DowngradeCheck) {
	if check.Allowed {
		fmt.Fprintf(out, "Tenant %s fits tier %s\n", check.TenantID, check.To)
		return
	}
	fmt.Fprintf(out, "Tenant %s exceeds tier %s:\n", check.TenantID, check.To)
	for _, v := range check.Violations {
		fmt.Fprintf(out, "  %s: %d in use, limit %d\n", v.Resource, v.Current, v.Limit)
	}
}

func runReserve(cmd *cobra.Command, args []string) error {
	res, err := models.ParseResourceType(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	decision, err := a.gate.CheckAndReserve(cmd.Context(), args[0], res)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		if err := writeJSON(out, decision); err != nil {
			return err
		}
	} else if decision.Allowed {
		fmt.Fprintf(out, "Reserved %s for %s (%d of %s)\n", res, args[0], decision.CurrentUsage, formatLimit(decision.Limit))
	} else {
		fmt.Fprintf(out, "Denied: %s (%d of %d)", decision.Reason, decision.CurrentUsage, decision.Limit)
		if decision.SuggestedTier != "" {
			fmt.Fprintf(out, ", upgrade to %s", decision.SuggestedTier)
		}
		fmt.Fprintln(out)
	}
	if !decision.Allowed {
		return fmt.Errorf("reservation denied: %s", decision.Reason)
	}
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	res, err := models.ParseResourceType(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if releaseFlags.Compensate {
		req := models.ResourceCreationRequest{TenantID: args[0], ResourceType: res}
		if err := a.hooks.OnResourceCreated(cmd.Context(), req, errors.New(releaseFlags.Reason)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Compensated %s reservation for %s\n", res, args[0])
		return nil
	}

	ev := models.ResourceDeletionEvent{TenantID: args[0], ResourceType: res}
	if releaseFlags.CreatedAt != "" {
		if ev.CreatedAt, err = time.Parse(time.RFC3339, releaseFlags.CreatedAt); err != nil {
			return fmt.Errorf("invalid --created-at: %w", err)
		}
	}
	current, err := a.hooks.OnResourceDeleted(cmd.Context(), ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released %s for %s (%d in use)\n", res, args[0], current)
	return nil
}

func runRollWindows(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.gate.RollWindows(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Rolled %d tenant windows\n", n)
	return err
}
