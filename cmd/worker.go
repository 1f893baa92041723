package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rankforge/listwizard/internal/queue"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background stage workers against the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := initRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		workers := cfg.Queue.Workers
		if workerCount > 0 {
			workers = workerCount
		}

		r := queue.NewRunner(rt.store, rt.stages, queue.Config{
			Workers:      workers,
			PollInterval: cfg.Queue.PollInterval(),
			ClaimTimeout: cfg.Queue.ClaimTimeout(),
		})
		if err := r.Start(ctx); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "worker pool size (defaults to config)")
	rootCmd.AddCommand(workerCmd)
}
