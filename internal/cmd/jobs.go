package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/scheduler"
)

var (
	jobTask       string
	jobSchedule   string
	jobAt         string
	jobTool       string
	jobInputs     []string
	jobPriority   int
	jobConfidence float64
	jobExclusive  bool
	jobMaxRetries int
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "Manage scheduled autonomous jobs",
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Schedule a recurring (--schedule) or one-shot (--at) job",
	Example: `  steward jobs add nightly-restart --tool restart_service --input name=nginx --schedule "0 3 * * *" --confidence 0.9
  steward jobs add cleanup --task "clear tmp" --at 2026-03-01T02:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "jobs.add")
		defer span.End()

		job, err := jobFromFlags(args[0])
		if err != nil {
			return err
		}
		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			added, err := gov.AddJob(ctx, job)
			if err != nil {
				return fmt.Errorf("adding job %s: %w", job.ID, err)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), added)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s scheduled, next run %s\n", added.ID, formatTime(added.NextRunAt))
			return nil
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "jobs.list")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			jobs, err := gov.ListJobs(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job; a run already in progress finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "jobs.cancel")
		defer span.End()

		return withGovernor(ctx, func(gov *governor.Governor, _ *config.Config) error {
			job, err := gov.CancelJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("cancelling job %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s cancelled\n", job.ID)
			return nil
		})
	},
}

func init() {
	f := jobsAddCmd.Flags()
	f.StringVar(&jobTask, "task", "", "task description handed to the reasoner")
	f.StringVar(&jobSchedule, "schedule", "", "cron expression or descriptor (e.g. \"*/5 * * * *\", \"@every 1h\")")
	f.StringVar(&jobAt, "at", "", "run once at this RFC3339 time")
	f.StringVar(&jobTool, "tool", "", "run this tool directly instead of asking the reasoner")
	f.StringArrayVar(&jobInputs, "input", nil, "tool input as key=value (repeatable)")
	f.IntVar(&jobPriority, "priority", 0, "higher runs first when several jobs are due")
	f.Float64Var(&jobConfidence, "confidence", 1, "confidence attached to the tool action")
	f.BoolVar(&jobExclusive, "exclusive", false, "never run two instances of this job at once")
	f.IntVar(&jobMaxRetries, "max-retries", -1, "retries before the job is marked failed; -1 uses the scheduler default")

	jobsCmd.AddCommand(jobsAddCmd, jobsListCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobFromFlags(id string) (scheduler.Job, error) {
	inputs, err := parseInputs(jobInputs)
	if err != nil {
		return scheduler.Job{}, err
	}
	job := scheduler.Job{
		ID:        id,
		Task:      jobTask,
		Schedule:  jobSchedule,
		Tool:      jobTool,
		Inputs:    inputs,
		Priority:  jobPriority,
		Exclusive: jobExclusive,
	}
	if jobTool != "" {
		job.Confidence = jobConfidence
	}
	if jobAt != "" {
		at, err := time.Parse(time.RFC3339, jobAt)
		if err != nil {
			return scheduler.Job{}, fmt.Errorf("invalid --at %q: %w", jobAt, err)
		}
		job.RunAt = at
	}
	if jobMaxRetries >= 0 {
		n := jobMaxRetries
		job.MaxRetries = &n
	}
	return job, nil
}

// renderJobs writes jobs to w (testable).
func renderJobs(w io.Writer, jobs []scheduler.Job) {
	fmt.Fprintf(w, "Jobs (%d):\n", len(jobs))
	if len(jobs) == 0 {
		return
	}
	fmt.Fprintln(w)
	for i := range jobs {
		j := &jobs[i]
		when := j.Schedule
		if j.OneShot() {
			when = "at " + formatTime(j.RunAt)
		}
		next := "-"
		if j.Enabled {
			next = formatTime(j.NextRunAt)
		}
		fmt.Fprintf(w, "  %s | %-9s | %s | next %s | last %s | attempts %d | priority %d\n",
			j.ID, j.State, when, next, formatTime(j.LastRunAt), j.Attempts, j.Priority)
		if j.LastError != "" {
			fmt.Fprintf(w, "      last error: %s\n", j.LastError)
		}
	}
}
