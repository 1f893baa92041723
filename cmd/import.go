package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/dedup"
	"github.com/rankforge/listwizard/internal/model"
)

var (
	importKind       string
	importExternalID string
	importName       string
	importGroupID    string
	importForce      bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Find or import an entity from an external catalog",
	Long: `Import looks an entity up in the store and, when absent,
materializes it through the provider chain. --force re-runs the
providers over an entity that already exists, refreshing its fields.
With --group it expands a group id (an artist's discography) and
imports every member.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := initRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		kind := model.EntityKind(importKind)
		opts := dedup.ImportOptions{Force: importForce}

		if importGroupID != "" {
			entities, err := rt.importer.ImportGroup(ctx, kind, importGroupID, opts)
			if err != nil {
				return err
			}
			zap.L().Info("group imported",
				zap.String("group_id", importGroupID),
				zap.Int("entities", len(entities)))
			return nil
		}

		res, err := rt.importer.Import(ctx, dedup.Query{
			Kind:       kind,
			ExternalID: importExternalID,
			Name:       importName,
		}, opts)
		if err != nil {
			return err
		}
		for _, pe := range res.ProviderErrors {
			zap.L().Warn("provider failed",
				zap.String("provider", pe.Provider),
				zap.Error(pe.Err))
		}
		if res.Entity == nil {
			return eris.New("no provider could satisfy the query")
		}
		zap.L().Info("entity imported",
			zap.String("id", res.Entity.ID),
			zap.String("name", res.Entity.Name),
			zap.String("external_id", res.Entity.ExternalID))
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importKind, "kind", "", "entity kind (song, album, game)")
	importCmd.Flags().StringVar(&importExternalID, "external-id", "", "external catalog id")
	importCmd.Flags().StringVar(&importName, "name", "", "entity name")
	importCmd.Flags().StringVar(&importGroupID, "group", "", "external group id to expand")
	importCmd.Flags().BoolVar(&importForce, "force", false, "re-run providers over an existing entity")
	_ = importCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(importCmd)
}
