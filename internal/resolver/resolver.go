// Package resolver matches parsed list entries to known entities. It
// tries the local search index first and falls back to the external
// catalog for the media type.
package resolver

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/normalize"
	"github.com/rankforge/listwizard/internal/search"
)

// Boost weights for the index query. Exact phrase beats loose keyword
// overlap; contributor overlap is a tiebreaker, never a match on its own.
const (
	boostPhrase       = 8
	boostKeyword      = 4
	boostAllTerms     = 2
	boostContributors = 1
)

const candidateLimit = 5

// Catalog searches an external source for candidates matching a parsed
// entry. Implementations exist per catalog name in the media manifest.
type Catalog interface {
	Search(ctx context.Context, kind model.EntityKind, parsed model.ParsedFields, limit int) ([]model.MatchCandidate, error)
}

// EntityLookup is the store subset the resolver needs to recognize
// external ids that already belong to local entities. store.Store
// satisfies it.
type EntityLookup interface {
	GetEntityByExternalID(ctx context.Context, kind model.EntityKind, externalID string) (*model.Entity, error)
}

// Resolver resolves parsed entries against the index and catalogs.
type Resolver struct {
	search   search.Client
	catalogs map[string]Catalog
	entities EntityLookup
	minScore float64
}

// New creates a Resolver. Catalogs are keyed by the catalog names used
// in the media manifest.
func New(searchClient search.Client, catalogs map[string]Catalog, entities EntityLookup, minScore float64) *Resolver {
	return &Resolver{search: searchClient, catalogs: catalogs, entities: entities, minScore: minScore}
}

// Resolve finds the best candidate for a parsed entry. A miss is
// (nil, nil); infrastructure failures of the index or a catalog return
// an error, so a dead backend aborts the run instead of marking
// everything not found.
func (r *Resolver) Resolve(ctx context.Context, def *media.Definition, parsed model.ParsedFields) (*model.MatchCandidate, error) {
	if parsed.Title == "" {
		return nil, nil
	}

	hit, err := r.resolveIndex(ctx, def, parsed)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return hit, nil
	}

	return r.resolveCatalog(ctx, def, parsed)
}

func (r *Resolver) resolveIndex(ctx context.Context, def *media.Definition, parsed model.ParsedFields) (*model.MatchCandidate, error) {
	title := normalize.Fold(parsed.Title)

	q := search.Bool{
		Should: []search.Query{
			search.Phrase{Field: "name", Value: title, Boost: boostPhrase},
			search.Term{Field: "name.keyword", Value: title, Boost: boostKeyword},
			search.Match{Field: "name", Value: title, Operator: "and", Boost: boostAllTerms},
		},
		MinimumShouldMatch: 1,
	}
	for _, c := range parsed.Contributors {
		q.Should = append(q.Should, search.Match{
			Field: "contributors", Value: normalize.Fold(c), Boost: boostContributors,
		})
	}

	hits, err := r.search.Search(ctx, def.Index, q, candidateLimit)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: index search")
	}
	if len(hits) == 0 || hits[0].Score < r.minScore {
		return nil, nil
	}

	best := hits[0]
	return &model.MatchCandidate{
		Source:     model.SourceSearchIndex,
		Score:      best.Score,
		EntityID:   best.Document.EntityID,
		ExternalID: best.Document.ExternalID,
		Attrs: map[string]any{
			"name": best.Document.Name,
			"year": best.Document.Year,
		},
	}, nil
}

// resolveCatalog takes the catalog's top candidate. A candidate whose
// external id is already held by a local entity resolves to that
// entity; otherwise it stays matched-but-unimported. Catalog errors
// propagate so the caller can tell an outage from a miss.
func (r *Resolver) resolveCatalog(ctx context.Context, def *media.Definition, parsed model.ParsedFields) (*model.MatchCandidate, error) {
	catalog, ok := r.catalogs[def.Catalog]
	if !ok {
		zap.L().Warn("no catalog registered", zap.String("catalog", def.Catalog))
		return nil, nil
	}

	candidates, err := catalog.Search(ctx, def.EntityKind, parsed, candidateLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: %s search", def.Catalog)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	cand := candidates[0]
	if cand.ExternalID != "" && r.entities != nil {
		entity, err := r.entities.GetEntityByExternalID(ctx, def.EntityKind, cand.ExternalID)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: entity lookup")
		}
		if entity != nil {
			cand.EntityID = entity.ID
		}
	}
	return &cand, nil
}
