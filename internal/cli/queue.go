package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ak3tsm7/sweep-render-queue/internal/config"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

// NewQueueCommand creates the queue command, which reads the job store
// directly rather than through the API.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job store",
	}
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueWorkersCommand(rootOpts))
	cmd.AddCommand(newQueueFailedCommand(rootOpts))
	return cmd
}

// withStore opens the job store named by the config file and runs fn.
func withStore(ctx context.Context, opts *RootOptions, fn func(*redisq.Store) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	store := redisq.New(rdb, cfg.StoreOptions()...)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return fn(store)
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Count jobs per queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(s *redisq.Store) error {
				stats, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(stats, func(w io.Writer) {
					fmt.Fprintf(w, "ready=%d scheduled=%d active=%d failed=%d\n",
						stats.Ready, stats.Scheduled, stats.Active, stats.Failed)
				})
			})
		},
	}
}

func newQueueWorkersCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:           "workers",
		Short:         "Rank workers by average render latency",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(s *redisq.Store) error {
				workers, err := s.GetTopWorkers(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(workers, func(w io.Writer) {
					if len(workers) == 0 {
						fmt.Fprintln(w, "no workers registered yet")
					}
					for i, m := range workers {
						fmt.Fprintf(w, "%d. %s (%s) avg %.2fms, %d jobs\n",
							i+1, m.WorkerID, m.WorkerKind, m.AvgLatencyMs, m.JobsDone)
					}
				})
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "number of workers to show")
	return cmd
}

func newQueueFailedCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:           "failed",
		Short:         "List failed jobs awaiting retry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(s *redisq.Store) error {
				ids, err := s.ListFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				jobs, err := s.GetMany(cmd.Context(), ids)
				if err != nil {
					return err
				}
				type failedJob struct {
					ID       string `json:"id"`
					Attempts int    `json:"attemptsMade"`
					Reason   string `json:"errorReason"`
				}
				out := make([]failedJob, 0, len(jobs))
				for i, j := range jobs {
					if j == nil {
						continue
					}
					out = append(out, failedJob{ID: ids[i], Attempts: j.AttemptsMade, Reason: j.ErrorReason})
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(out, func(w io.Writer) {
					for _, f := range out {
						fmt.Fprintf(w, "%s  attempts=%d  %s\n", f.ID, f.Attempts, f.Reason)
					}
					fmt.Fprintf(w, "%d failed\n", len(out))
				})
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "number of jobs to show")
	return cmd
}
