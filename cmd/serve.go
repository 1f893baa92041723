package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rankforge/listwizard/internal/queue"
	"github.com/rankforge/listwizard/internal/server"
)

var (
	servePort      int
	serveNoWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wizard HTTP API with embedded stage workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := initRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}

		srv := server.New(rt.store, rt.media, rt.wizard, server.Config{
			Port:           port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
		if !serveNoWorkers {
			workers := queue.NewRunner(rt.store, rt.stages, queue.Config{
				Workers:      cfg.Queue.Workers,
				PollInterval: cfg.Queue.PollInterval(),
				ClaimTimeout: cfg.Queue.ClaimTimeout(),
			})
			g.Go(func() error {
				return workers.Start(ctx)
			})
		}

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (defaults to config)")
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve the API without embedded workers")
	rootCmd.AddCommand(serveCmd)
}
