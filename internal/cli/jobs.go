package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/status"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	ModelVersion string
	Watch        bool
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <plan.json|->",
		Short: "Submit a plan as render jobs",
		Long: `Submit every document of a plan as a render job.

The input is either the output of "sweepctl plan" or a JSON array of
documents. Submitting the same plan twice yields the same job ids.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ModelVersion, "model", "", "model version (server default when empty)")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "follow the jobs until they finish")

	return cmd
}

// ReadPlanDocuments accepts a plan response or a bare array of documents.
func ReadPlanDocuments(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var docs []json.RawMessage
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("invalid document array: %w", err)
		}
		return docs, nil
	}

	var plan api.PlanSweepResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	docs := make([]json.RawMessage, len(plan.Plan))
	for i, e := range plan.Plan {
		docs[i] = e.Document
	}
	return docs, nil
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	docs, err := ReadPlanDocuments(data)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("plan has no documents")
	}

	c := opts.client()
	subs, err := c.SubmitPlan(cmd.Context(), docs, opts.ModelVersion)
	if err != nil {
		return err
	}

	p := opts.printer(cmd.OutOrStdout())
	if err := p.emit(api.SubmitPlanResponse{Enqueued: subs}, func(w io.Writer) {
		created := 0
		for _, s := range subs {
			mark := "="
			if s.Created {
				mark = "+"
				created++
			}
			fmt.Fprintf(w, "%s %s %s\n", mark, s.ID, s.State)
		}
		fmt.Fprintf(w, "%d jobs, %d new\n", len(subs), created)
	}); err != nil {
		return err
	}

	if !opts.Watch {
		return nil
	}
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	return watch(opts.RootOptions, ids, cmd)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <job-id>...",
		Short:         "Show the status of jobs",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := rootOpts.client().JobStatus(cmd.Context(), args)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd.OutOrStdout()).emit(api.JobStatusResponse{Statuses: recs}, func(w io.Writer) {
				writeStatusTable(w, recs)
			})
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>...",
		Short: "Poll jobs until every one completes or fails",
		Long: `Poll job status every 2 seconds until every job is completed or failed.

Interrupting watch only stops polling; the renders keep running.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(rootOpts, args, cmd)
		},
	}
}

func watch(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	errOut := cmd.ErrOrStderr()
	recs, err := opts.client().WaitForTerminal(cmd.Context(), ids, func(recs []models.StatusRecord) {
		fmt.Fprintln(errOut, summarize(recs))
	})
	if err != nil {
		return err
	}
	if err := opts.printer(cmd.OutOrStdout()).emit(api.JobStatusResponse{Statuses: recs}, func(w io.Writer) {
		writeStatusTable(w, recs)
	}); err != nil {
		return err
	}
	for _, r := range recs {
		if r.State == models.StateFailed {
			return fmt.Errorf("%s", summarize(recs))
		}
	}
	if !status.AllTerminal(recs) {
		return fmt.Errorf("jobs still running")
	}
	return nil
}

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	Spec         string
	ModelVersion string
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed job",
		Long: `Re-queue a failed job with a fresh attempt budget.

If the job record is gone, pass the document with --spec to rebuild it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc json.RawMessage
			if opts.Spec != "" {
				data, err := readInput(opts.Spec, cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read spec: %w", err)
				}
				doc = data
			}
			if err := opts.client().RetryJob(cmd.Context(), args[0], doc, opts.ModelVersion); err != nil {
				return err
			}
			return opts.printer(cmd.OutOrStdout()).emit(api.RetryJobResponse{Success: true, ID: args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "retried %s\n", args[0])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Spec, "spec", "", "document file to rebuild a missing job from")
	cmd.Flags().StringVar(&opts.ModelVersion, "model", "", "model version of the rebuilt job")

	return cmd
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge <job-id>",
		Short:         "Delete a failed job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.client().PurgeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			return rootOpts.printer(cmd.OutOrStdout()).emit(api.RetryJobResponse{Success: true, ID: args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "purged %s\n", args[0])
			})
		},
	}
}
