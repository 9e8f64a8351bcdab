package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/policy"
)

var (
	evalApply  bool
	evalInputs []string
	evalUser   string
	evalHost   string

	validatePolicyFile   string
	validateAutonomyFile string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and evaluate governance policy",
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval <tool>",
	Short: "Show how a tool request would be decided",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "policy.eval")
		defer span.End()

		inputs, err := parseInputs(evalInputs)
		if err != nil {
			return err
		}
		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			d, err := gov.EvaluatePolicy(ctx, governor.PolicyQuery{
				Tool:    args[0],
				Inputs:  inputs,
				IsApply: evalApply,
				User:    evalUser,
				Host:    evalHost,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			renderDecision(cmd.OutOrStdout(), args[0], d)
			return nil
		})
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate policy.yaml and autonomy.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "policy.validate")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		polPath := cfg.PolicyPath()
		if validatePolicyFile != "" {
			polPath = validatePolicyFile
		}
		autoPath := cfg.AutonomyPath()
		if validateAutonomyFile != "" {
			autoPath = validateAutonomyFile
		}
		out := cmd.OutOrStdout()

		pol, err := policy.LoadOrDefault(ctx, polPath)
		if err != nil {
			log.Error().Err(err).Str("file", polPath).Msg("policy_validation_failed")
			fmt.Fprintf(out, "✗ Policy invalid: %s\n", polPath)
			return fmt.Errorf("validation failed: %w", err)
		}
		// Building the engine compiles the condition module.
		if _, err := policy.NewEngine(ctx, pol); err != nil {
			fmt.Fprintf(out, "✗ Policy compilation failed: %s\n", polPath)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}
		fmt.Fprintf(out, "✓ Policy valid: %s\n", polPath+missingNote(polPath))
		fmt.Fprintf(out, "  Version: %s\n", pol.VersionTag)
		fmt.Fprintf(out, "  Rules:   %d\n", len(pol.Rules))

		acfg, err := autonomy.LoadOrDefault(ctx, autoPath)
		if err != nil {
			fmt.Fprintf(out, "✗ Autonomy config invalid: %s\n", autoPath)
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(out, "✓ Autonomy config valid: %s\n", autoPath+missingNote(autoPath))
		fmt.Fprintf(out, "  Confidence: auto ≥ %.2f, approval ≥ %.2f, floor %.2f\n",
			acfg.Confidence.MinAutoExecute, acfg.Confidence.MinApprovalExecute, acfg.Confidence.Floor())
		fmt.Fprintf(out, "  Playbooks:  %d\n", len(acfg.Recovery.Playbooks))
		return nil
	},
}

func init() {
	policyEvalCmd.Flags().BoolVar(&evalApply, "apply", false, "evaluate as a live (state-changing) execution")
	policyEvalCmd.Flags().StringArrayVar(&evalInputs, "input", nil, "tool input as key=value (repeatable)")
	policyEvalCmd.Flags().StringVar(&evalUser, "user", "", "requesting user (default: current user)")
	policyEvalCmd.Flags().StringVar(&evalHost, "host", "", "target host (default: this host)")

	policyValidateCmd.Flags().StringVar(&validatePolicyFile, "file", "", "policy file (default: policy_file from config)")
	policyValidateCmd.Flags().StringVar(&validateAutonomyFile, "autonomy", "", "autonomy file (default: autonomy_file from config)")

	policyCmd.AddCommand(policyEvalCmd, policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

// parseInputs turns key=value pairs into tool inputs. Values that parse as
// JSON (numbers, booleans, arrays) keep their type; anything else is a string.
func parseInputs(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", p)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			inputs[k] = typed
			continue
		}
		inputs[k] = v
	}
	return inputs, nil
}

// renderDecision writes a policy decision to w (testable).
func renderDecision(w io.Writer, tool string, d policy.Decision) {
	verdict := "✓ allowed"
	switch {
	case !d.Allow:
		verdict = "✗ denied"
	case d.RequireApproval:
		verdict = "? approval required"
	}
	fmt.Fprintf(w, "%s: %s\n", tool, verdict)
	if d.Reason != "" {
		fmt.Fprintf(w, "  Reason:  %s\n", d.Reason)
	}
	if d.Detail != "" {
		fmt.Fprintf(w, "  Detail:  %s\n", d.Detail)
	}
	if d.DryRunFirst {
		fmt.Fprintln(w, "  Dry run: first")
	}
	fmt.Fprintf(w, "  Rule:    %s\n", orDash(d.MatchedRule))
	fmt.Fprintf(w, "  Policy:  %s\n", d.PolicyVersion)
}
