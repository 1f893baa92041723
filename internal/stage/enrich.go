package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/resilience"
)

// runEnrich resolves every parsed item against the index and catalog.
// A per-item miss is data ("not found"); an infrastructure failure
// aborts the whole stage so a dead index doesn't mark a list unmatched.
func (r *Runner) runEnrich(ctx context.Context, list *model.List, def *media.Definition, token string) (map[string]any, error) {
	items, err := r.store.ListItems(ctx, list.ID)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: load items")
	}

	counters := map[string]any{
		"search_index_matches": 0,
		"external_api_matches": 0,
		"not_found":            0,
	}
	bump := func(key string) { counters[key] = counters[key].(int) + 1 }

	var lost bool
	rep := r.reporterFor(list, model.StepEnrich, len(items), token, &lost)

	for i := range items {
		item := &items[i]
		// Human-confirmed items keep their match across reruns.
		if item.Verified {
			rep.tick(ctx, i+1, counters)
			continue
		}
		if item.Metadata.Parsed == nil {
			bump("not_found")
			rep.tick(ctx, i+1, counters)
			continue
		}

		match, err := r.resolver.Resolve(ctx, def, *item.Metadata.Parsed)
		if err != nil {
			if resilience.IsInfra(err) {
				return nil, eris.Wrap(err, "enrich: resolver infrastructure")
			}
			// Non-infra resolution errors degrade to a miss.
			match = nil
		}

		md := item.Metadata
		md.Match = match
		// A rerun re-resolves; stale validation must not survive a new match.
		md.Validation = nil
		if err := r.store.UpdateItemMetadata(ctx, item.ID, md); err != nil {
			return nil, eris.Wrap(err, "enrich: persist match")
		}

		switch {
		case match == nil:
			bump("not_found")
		case match.Source == model.SourceSearchIndex:
			bump("search_index_matches")
		default:
			bump("external_api_matches")
		}

		rep.tick(ctx, i+1, counters)
		if lost {
			return nil, errLeaseLost
		}
	}

	return counters, nil
}
