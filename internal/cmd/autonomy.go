package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
)

var (
	pauseReason string
	resumeAs    string
)

var autonomyCmd = &cobra.Command{
	Use:   "autonomy",
	Short: "Inspect guardrails and pause or resume autonomous execution",
}

var autonomyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show safe mode, budget usage, anomalies and recoveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "autonomy.status")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			st, err := gov.AutonomyStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			renderAutonomyStatus(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

var autonomyPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Enter safe mode; live executions are blocked until resumed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "autonomy.pause")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, cfg *config.Config) error {
			st, err := gov.AutonomyPause(ctx, pauseReason, cfg.Operator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "⏸ Autonomy paused by %s: %s\n", st.SetBy, st.Reason)
			return nil
		})
	},
}

var autonomyResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Leave safe mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "autonomy.resume")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, cfg *config.Config) error {
			resolver := resumeAs
			if resolver == "" {
				resolver = cfg.Operator
			}
			if _, err := gov.AutonomyResume(ctx, resolver); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "▶ Autonomy resumed by %s\n", resolver)
			return nil
		})
	},
}

func init() {
	autonomyPauseCmd.Flags().StringVar(&pauseReason, "reason", "", "why autonomy is paused")
	autonomyResumeCmd.Flags().StringVar(&resumeAs, "as", "", "resolver identity (default: operator from config)")

	autonomyCmd.AddCommand(autonomyStatusCmd, autonomyPauseCmd, autonomyResumeCmd)
	rootCmd.AddCommand(autonomyCmd)
}

// renderAutonomyStatus writes the autonomy overview to w (testable).
func renderAutonomyStatus(w io.Writer, st governor.AutonomyStatus) {
	if st.SafeMode.Active {
		fmt.Fprintf(w, "Safe mode:  ACTIVE since %s by %s (%s)\n", formatTime(st.SafeMode.SetAt), orDash(st.SafeMode.SetBy), st.SafeMode.Reason)
	} else {
		fmt.Fprintln(w, "Safe mode:  off")
	}
	fmt.Fprintf(w, "Policy:     %s\n", st.PolicyVersion)
	fmt.Fprintf(w, "Confidence: auto ≥ %.2f, approval ≥ %.2f, floor %.2f\n",
		st.Confidence.MinAutoExecute, st.Confidence.MinApprovalExecute, st.Confidence.Floor())
	fmt.Fprintf(w, "Pending approvals: %d\n\n", st.PendingApprovals)

	u, b := st.Usage, st.Budgets
	fmt.Fprintf(w, "Budget window since %s (resets %d):\n", formatTime(u.WindowStart), u.Resets)
	fmt.Fprintf(w, "  CPU         %6.1f / %.1f %%\n", u.CPUPercent, b.CPUPercentMax)
	fmt.Fprintf(w, "  Memory      %6.0f / %.0f MB\n", u.MemoryMB, b.MemoryMBMax)
	fmt.Fprintf(w, "  Time        %6.1f / %.1f min\n", u.Minutes, b.TimeMinutesMax)
	fmt.Fprintf(w, "  Invocations %6d / %d\n\n", u.Invocations, b.FrequencyPerHourMax)

	a := st.Anomalies
	fmt.Fprintf(w, "Anomalies (24h): %d total, %d critical, error rate %s\n", a.Total24h, a.Critical24h, formatPercent(a.RecentErrors))
	kinds := make([]string, 0, len(a.ByKind))
	for k := range a.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-18s %d\n", k, a.ByKind[k])
	}
	if a.Last != nil {
		fmt.Fprintf(w, "  last: %s %s at %s\n", a.Last.Kind, a.Last.Severity, formatTime(a.Last.DetectedAt))
	}

	r := st.Recoveries
	fmt.Fprintf(w, "Recoveries (24h): %d total, %d executed, %d failed, %d pending, success rate %s\n",
		r.Total, r.Executed, r.Failed, r.Pending, formatPercent(r.SuccessRate))
}
