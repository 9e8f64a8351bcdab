package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Steward configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved operator configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// renderConfig writes the resolved configuration to w without secrets.
func renderConfig(w io.Writer, cfg *config.Config) {
	dirNote := "(missing)"
	if dirExists(cfg.DataDir) {
		dirNote = "(exists)"
	}
	signing := "configured"
	if cfg.UsingDefaultSigningKey() {
		signing = "derived default (set STEWARD_SIGNING_KEY for production)"
	}
	fmt.Fprintf(w, "Data directory:   %s %s\n", cfg.DataDir, dirNote)
	fmt.Fprintf(w, "State DB:         %s\n", cfg.DBPath())
	fmt.Fprintf(w, "Policy file:      %s%s\n", cfg.PolicyPath(), missingNote(cfg.PolicyPath()))
	fmt.Fprintf(w, "Autonomy file:    %s%s\n", cfg.AutonomyPath(), missingNote(cfg.AutonomyPath()))
	fmt.Fprintf(w, "Runbooks:         %s%s\n", cfg.RunbooksPath(), missingDirNote(cfg.RunbooksPath()))
	fmt.Fprintf(w, "Signing key:      %s\n", signing)
	fmt.Fprintf(w, "Operator:         %s\n", cfg.Operator)
	fmt.Fprintf(w, "Listen:           %s\n", cfg.Listen)
	fmt.Fprintf(w, "API keys:         %d\n", len(cfg.APIKeys))
	fmt.Fprintf(w, "Workers:          %d\n", cfg.Workers)
	fmt.Fprintf(w, "Approval sweep:   %s\n", cfg.ApprovalSweepInterval)
	fmt.Fprintf(w, "Recovery poll:    %s\n", cfg.RecoveryPollInterval)
	fmt.Fprintf(w, "Budget sweep:     %s\n", cfg.BudgetSweepInterval)
}

func missingNote(path string) string {
	if fileExists(path) {
		return ""
	}
	return " (missing, built-in defaults)"
}

func missingDirNote(path string) string {
	if dirExists(path) {
		return ""
	}
	return " (missing)"
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
