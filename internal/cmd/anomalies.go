package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/recovery"
)

var (
	anomalyHours  int
	recoveryLimit int
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List detected anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "anomalies.list")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			events, err := gov.ListAnomalies(ctx, anomalyHours)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			renderAnomalies(cmd.OutOrStdout(), anomalyHours, events)
			return nil
		})
	},
}

var recoveriesCmd = &cobra.Command{
	Use:   "recoveries",
	Short: "List recovery actions taken for anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "recoveries.list")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			actions, err := gov.ListRecoveries(ctx, recoveryLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), actions)
			}
			renderRecoveries(cmd.OutOrStdout(), actions)
			return nil
		})
	},
}

func init() {
	anomaliesCmd.Flags().IntVar(&anomalyHours, "hours", 24, "look-back window in hours")
	recoveriesCmd.Flags().IntVar(&recoveryLimit, "limit", 20, "maximum number of actions to show")
	rootCmd.AddCommand(anomaliesCmd, recoveriesCmd)
}

// renderRecoveries writes recovery actions to w (testable).
func renderRecoveries(w io.Writer, actions []recovery.Action) {
	fmt.Fprintf(w, "Recovery actions (%d):\n", len(actions))
	for i := range actions {
		a := &actions[i]
		fmt.Fprintf(w, "  %s | %s | %-17s | %s | %-16s | confidence %s\n",
			formatTime(a.CreatedAt), a.ID, a.Kind, orDash(a.Tool), a.Status, formatPercent(a.Confidence))
		if a.Reason != "" {
			fmt.Fprintf(w, "      %s\n", a.Reason)
		}
		if a.ApprovalID != "" {
			fmt.Fprintf(w, "      approval: %s\n", a.ApprovalID)
		}
	}
}

// renderAnomalies writes anomaly events to w (testable).
func renderAnomalies(w io.Writer, hours int, events []guardrail.Event) {
	fmt.Fprintf(w, "Anomalies in the last %dh (%d):\n", hours, len(events))
	for i := range events {
		ev := &events[i]
		handled := "open"
		if !ev.HandledAt.IsZero() {
			handled = "handled"
		}
		fmt.Fprintf(w, "  %s | %s | %-8s | %-17s | %s | %s\n",
			formatTime(ev.DetectedAt), ev.ID, ev.Severity, ev.Kind, handled, ev.Description)
	}
}
