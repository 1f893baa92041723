package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/config"
	"github.com/rankforge/listwizard/internal/dedup"
	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/resolver"
	"github.com/rankforge/listwizard/internal/search"
	"github.com/rankforge/listwizard/internal/stage"
	"github.com/rankforge/listwizard/internal/store"
	"github.com/rankforge/listwizard/internal/wizard"
	"github.com/rankforge/listwizard/pkg/anthropic"
	"github.com/rankforge/listwizard/pkg/igdb"
	"github.com/rankforge/listwizard/pkg/musicbrainz"
)

// runtime bundles the wired collaborators the commands share.
type runtime struct {
	store    store.Store
	media    *media.Registry
	wizard   *wizard.Manager
	lease    *wizard.Lease
	importer *dedup.Importer
	stages   *stage.Runner
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// initRuntime wires the store, media registry, clients, and stage
// runner from configuration. Migrations run on every start; they are
// idempotent.
func initRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := media.Load()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	searchClient := search.NewClient(cfg.Search.BaseURL, search.WithAPIKey(cfg.Search.Key))
	mb := musicbrainz.NewClient(cfg.MusicBrainz.UserAgent,
		musicbrainz.WithBaseURL(cfg.MusicBrainz.BaseURL))
	ig := igdb.NewClient(cfg.IGDB.ClientID, cfg.IGDB.Token,
		igdb.WithBaseURL(cfg.IGDB.BaseURL))

	res := resolver.New(searchClient, map[string]resolver.Catalog{
		"musicbrainz": resolver.NewMusicBrainzCatalog(mb),
		"igdb":        resolver.NewIGDBCatalog(ig),
	}, st, cfg.Resolver.MinScore)

	indexes := make(map[model.EntityKind]string)
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		indexes[def.EntityKind] = def.Index
	}
	importer := dedup.NewImporter(st, searchClient, indexes,
		dedup.NewMusicBrainzProvider(mb),
		dedup.NewIGDBProvider(ig))

	wz := wizard.New(st, reg)
	lease := wizard.NewLease(st, cfg.Stage.LeaseTTL())

	stages := stage.New(st, reg, wz, lease,
		anthropic.NewClient(cfg.Anthropic.Key), res, importer, stage.Config{
			Model:            cfg.Anthropic.Model,
			MaxTokens:        cfg.Anthropic.MaxTokens,
			ProgressEvery:    cfg.Stage.ProgressEvery,
			ProgressInterval: cfg.Stage.ProgressInterval(),
		})

	return &runtime{
		store:    st,
		media:    reg,
		wizard:   wz,
		lease:    lease,
		importer: importer,
		stages:   stages,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
