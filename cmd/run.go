package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/stage"
)

var runCmd = &cobra.Command{
	Use:   "run <list-id> <stage>",
	Short: "Run one stage synchronously for a list",
	Long: `Run executes a single stage (parse, enrich, validate, or import)
in the foreground, without going through the job queue. Useful for
reruns and debugging; stage runs are idempotent.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		listID, step := args[0], model.Step(args[1])
		if !stage.Runnable(step) {
			return eris.Errorf("%s is not a runnable stage", args[1])
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := initRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.stages.Run(ctx, listID, step); err != nil {
			return err
		}
		zap.L().Info("stage finished",
			zap.String("list_id", listID),
			zap.String("stage", string(step)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
