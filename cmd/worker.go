package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen-cli/internal/queue"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process lead search jobs from the queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerConcurrency > 0 {
			cfg.Queue.Concurrency = workerConcurrency
		}

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return runWorker(ctx, env)
	},
}

func runWorker(ctx context.Context, env *appEnv) error {
	switch {
	case env.PGQueue != nil:
		w := queue.NewWorker(env.PGQueue, env.Runner, queue.WorkerConfig{
			Concurrency:  cfg.Queue.Concurrency,
			PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
			Lease:        time.Duration(cfg.Queue.LeaseSecs) * time.Second,
			Retry:        retryPolicy(cfg.Queue),
		})
		return w.Run(ctx)
	case env.Temporal != nil:
		w := queue.NewTemporalWorker(env.Temporal, cfg.Queue.Temporal.TaskQueue, env.Runner, cfg.Queue.Concurrency)
		return w.Run(ctx)
	default:
		return eris.New("worker: inline jobs run inside serve and dispatch, there is no queue to consume")
	}
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "concurrent jobs (default from config)")
	rootCmd.AddCommand(workerCmd)
}
