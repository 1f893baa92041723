package dedup

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/search"
	"github.com/rankforge/listwizard/internal/store"
)

// Provider is one population step. Given the entity being imported and
// the originating query, it fills in the fields it knows about. A later
// provider may overwrite or complete what an earlier one wrote. An
// error (including a catalog miss) marks the provider failed in the
// result; it never stops the rest of the chain.
type Provider interface {
	Name() string
	Supports(kind model.EntityKind) bool
	Populate(ctx context.Context, entity *model.Entity, q Query) error
}

// GroupProvider can expand one external group id (an artist's catalog,
// a collection) into its member entities.
type GroupProvider interface {
	Provider
	FindGroup(ctx context.Context, kind model.EntityKind, groupID string) ([]model.Entity, error)
}

// ImportOptions tune one import call.
type ImportOptions struct {
	// Force runs the provider chain over an entity the finder already
	// located instead of returning it untouched, refreshing its fields
	// from the catalogs.
	Force bool
}

// ProviderError records one provider's failure during an import.
type ProviderError struct {
	Provider string
	Err      error
}

// Result is the outcome of one import: the entity, or nil when no
// provider could materialize one, plus any per-provider failures.
type Result struct {
	Entity         *model.Entity
	ProviderErrors []ProviderError
}

// Importer finds or creates entities. Creation always re-checks the
// store first, so importing the same external id twice yields the
// same entity.
type Importer struct {
	store     store.Store
	finder    *Finder
	search    search.Client
	indexes   map[model.EntityKind]string
	providers []Provider
}

// NewImporter creates an Importer. Providers run in the order given.
// indexes maps entity kinds to their search index names; kinds absent
// from the map are not indexed.
func NewImporter(st store.Store, searchClient search.Client, indexes map[model.EntityKind]string, providers ...Provider) *Importer {
	return &Importer{
		store:     st,
		finder:    NewFinder(st),
		search:    searchClient,
		indexes:   indexes,
		providers: providers,
	}
}

// Import returns the existing entity for the query, or builds one by
// running every applicable provider over it in order. Each provider
// sees the entity as the previous ones left it. Provider failures are
// collected on the result; a query no provider could populate yields a
// result with a nil entity.
func (im *Importer) Import(ctx context.Context, q Query, opts ImportOptions) (*Result, error) {
	existing, err := im.finder.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if existing != nil && !opts.Force {
		return &Result{Entity: existing}, nil
	}

	entity := existing
	created := entity == nil
	if created {
		entity = &model.Entity{Kind: q.Kind, ExternalID: q.ExternalID}
	}

	result := &Result{}
	populated := false
	for _, p := range im.applicable(q.Kind) {
		if err := p.Populate(ctx, entity, q); err != nil {
			zap.L().Warn("provider population failed",
				zap.String("provider", p.Name()),
				zap.String("kind", string(q.Kind)),
				zap.Error(err))
			result.ProviderErrors = append(result.ProviderErrors, ProviderError{
				Provider: p.Name(),
				Err:      err,
			})
			continue
		}
		populated = true
	}

	// A brand-new entity nothing could describe is not worth keeping.
	if created && !populated {
		return result, nil
	}

	persisted, err := im.persist(ctx, entity, created)
	if err != nil {
		return nil, err
	}
	result.Entity = persisted
	return result, nil
}

// ImportGroup expands a group id through the first capable provider
// and imports every member, skipping ones already present. Returns the
// entities in the group, existing and new.
func (im *Importer) ImportGroup(ctx context.Context, kind model.EntityKind, groupID string, opts ImportOptions) ([]model.Entity, error) {
	for _, p := range im.applicable(kind) {
		gp, ok := p.(GroupProvider)
		if !ok {
			continue
		}

		members, err := gp.FindGroup(ctx, kind, groupID)
		if err != nil {
			zap.L().Warn("provider group lookup failed",
				zap.String("provider", p.Name()),
				zap.String("group_id", groupID),
				zap.Error(err))
			continue
		}

		out := make([]model.Entity, 0, len(members))
		for i := range members {
			persisted, err := im.persist(ctx, &members[i], true)
			if err != nil {
				return nil, err
			}
			out = append(out, *persisted)
		}
		return out, nil
	}

	return nil, eris.Errorf("dedup: no provider can expand group %s for kind %s", groupID, kind)
}

func (im *Importer) applicable(kind model.EntityKind) []Provider {
	out := make([]Provider, 0, len(im.providers))
	for _, p := range im.providers {
		if p.Supports(kind) {
			out = append(out, p)
		}
	}
	return out
}

// persist writes an entity, then mirrors it into the search index.
// Fresh entities re-check the external id first, so importing the same
// id twice yields the original record. Index failures are logged, not
// fatal: the index is rebuildable, the store is the truth.
func (im *Importer) persist(ctx context.Context, entity *model.Entity, created bool) (*model.Entity, error) {
	if created {
		if entity.ExternalID != "" {
			existing, err := im.store.GetEntityByExternalID(ctx, entity.Kind, entity.ExternalID)
			if err != nil {
				return nil, eris.Wrap(err, "dedup: pre-insert lookup")
			}
			if existing != nil {
				return existing, nil
			}
		}
		if err := im.store.CreateEntity(ctx, entity); err != nil {
			return nil, eris.Wrap(err, "dedup: create entity")
		}
	} else {
		if err := im.store.UpdateEntity(ctx, entity); err != nil {
			return nil, eris.Wrap(err, "dedup: update entity")
		}
	}

	if index, ok := im.indexes[entity.Kind]; ok && im.search != nil {
		doc := search.Document{
			EntityID:   entity.ID,
			Name:       entity.Name,
			ExternalID: entity.ExternalID,
		}
		if contributors, ok := entity.Attrs["contributors"].([]string); ok {
			doc.Contributors = contributors
		}
		if year, ok := entity.Attrs["year"].(int); ok {
			doc.Year = year
		}
		if err := im.search.Index(ctx, index, []search.Document{doc}); err != nil {
			zap.L().Warn("entity index failed",
				zap.String("entity_id", entity.ID),
				zap.String("index", index),
				zap.Error(err))
		}
	}

	return entity, nil
}
