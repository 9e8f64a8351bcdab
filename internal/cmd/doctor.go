package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, governance files and state health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "doctor")
		defer span.End()

		report := doctor.Run(ctx, doctor.Options{})
		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			renderDoctor(cmd.OutOrStdout(), report)
		}
		if report.Status == doctor.StatusFail {
			return fmt.Errorf("%d check(s) failed", report.Summary.Fail)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// renderDoctor writes a doctor report to w (testable).
func renderDoctor(w io.Writer, r *doctor.Report) {
	category := ""
	for _, c := range r.Checks {
		if c.Category != category {
			category = c.Category
			fmt.Fprintf(w, "\n[%s]\n", category)
		}
		mark := "✓"
		switch c.Status {
		case doctor.StatusWarn:
			mark = "!"
		case doctor.StatusFail:
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-18s %s\n", mark, c.Name, c.Message)
		if c.Fix != "" && c.Status != doctor.StatusPass {
			fmt.Fprintf(w, "      fix: %s\n", c.Fix)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", r.Summary.Pass, r.Summary.Warn, r.Summary.Fail)
}
