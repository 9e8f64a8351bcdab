package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
)

var (
	approvalResolver string
	rejectReason     string
	historyLimit     int
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "Review actions waiting for human approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.list")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			reqs, err := gov.ListPendingApprovals(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), reqs)
			}
			renderApprovals(cmd.OutOrStdout(), "Pending approvals", reqs, time.Now())
			return nil
		})
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.approve")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, cfg *config.Config) error {
			req, err := gov.Approve(ctx, args[0], resolverOr(cfg))
			if err != nil {
				return fmt.Errorf("approving %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Approved %s (%s on %s) by %s\n", req.ID, req.Tool, orDash(req.Target), req.Resolver)
			fmt.Fprintln(cmd.OutOrStdout(), "  The action runs when the serve loop picks it up.")
			return nil
		})
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.reject")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, cfg *config.Config) error {
			req, err := gov.Reject(ctx, args[0], resolverOr(cfg), rejectReason)
			if err != nil {
				return fmt.Errorf("rejecting %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Rejected %s (%s on %s) by %s\n", req.ID, req.Tool, orDash(req.Target), req.Resolver)
			return nil
		})
	},
}

var approvalsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List approval requests of every status, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.history")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			reqs, err := gov.ApprovalHistory(ctx, historyLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), reqs)
			}
			renderApprovals(cmd.OutOrStdout(), "Approval history", reqs, time.Now())
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		c.Flags().StringVar(&approvalResolver, "as", "", "resolver recorded on the request (default: operator from config)")
	}
	approvalsRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the request was rejected")
	approvalsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of requests to show")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsHistoryCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func resolverOr(cfg *config.Config) string {
	if approvalResolver != "" {
		return approvalResolver
	}
	return cfg.Operator
}

// renderApprovals writes approval requests to w (testable).
func renderApprovals(w io.Writer, title string, reqs []approval.Request, now time.Time) {
	fmt.Fprintf(w, "%s (%d):\n", title, len(reqs))
	if len(reqs) == 0 {
		return
	}
	fmt.Fprintln(w)
	for i := range reqs {
		r := &reqs[i]
		fmt.Fprintf(w, "  %s | %-8s | %s on %s | confidence %s | risk %s\n",
			r.ID, r.Status, r.Tool, orDash(r.Target), formatPercent(r.Confidence), r.RiskLevel)
		if r.Task != "" {
			fmt.Fprintf(w, "      task: %s\n", r.Task)
		}
		if r.Reasoning != "" {
			fmt.Fprintf(w, "      why:  %s\n", r.Reasoning)
		}
		if r.DryRunOutput != "" {
			fmt.Fprintf(w, "      dry run: %s\n", r.DryRunOutput)
		}
		switch r.Status {
		case approval.StatusPending:
			fmt.Fprintf(w, "      expires in %s\n", r.ExpiresAt.Sub(now).Round(time.Minute))
		default:
			fmt.Fprintf(w, "      resolved %s by %s\n", formatTime(r.ResolvedAt), orDash(r.Resolver))
		}
		if r.RejectionReason != "" {
			fmt.Fprintf(w, "      reason: %s\n", r.RejectionReason)
		}
	}
}
