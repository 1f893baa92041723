package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/dedup"
	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
)

// runImport materializes matched items into entities and links them.
// Items flagged invalid and not manually verified are left alone, as
// are unmatched items and items already linked by an earlier run.
func (r *Runner) runImport(ctx context.Context, list *model.List, def *media.Definition, token string) (map[string]any, error) {
	items, err := r.store.ListItems(ctx, list.ID)
	if err != nil {
		return nil, eris.Wrap(err, "import: load items")
	}

	counters := map[string]any{
		"imported":          0,
		"already_linked":    0,
		"skipped_unmatched": 0,
		"skipped_invalid":   0,
		"skipped_missing":   0,
		"skipped_unfound":   0,
	}
	bump := func(key string) { counters[key] = counters[key].(int) + 1 }

	var lost bool
	rep := r.reporterFor(list, model.StepImport, len(items), token, &lost)

	for i := range items {
		item := &items[i]

		switch {
		case item.ListableID != "":
			bump("already_linked")
		case item.Metadata.Match == nil:
			bump("skipped_unmatched")
		case item.MatchInvalid() && !item.Verified:
			bump("skipped_invalid")
		case missingImportKey(item):
			bump("skipped_missing")
		default:
			linked, err := r.importItem(ctx, item, def)
			if err != nil {
				return nil, err
			}
			if linked {
				bump("imported")
			} else {
				bump("skipped_unfound")
			}
		}

		rep.tick(ctx, i+1, counters)
		if lost {
			return nil, errLeaseLost
		}
	}

	return counters, nil
}

// missingImportKey reports an item whose match carries neither a local
// entity nor an external id, and whose extraction has no title either.
// There is nothing to look such an item up by; it is skipped, not
// treated as a stage failure.
func missingImportKey(item *model.ListItem) bool {
	match := item.Metadata.Match
	if match.EntityID != "" || match.ExternalID != "" {
		return false
	}
	return item.Metadata.Parsed == nil || item.Metadata.Parsed.Title == ""
}

func (r *Runner) importItem(ctx context.Context, item *model.ListItem, def *media.Definition) (bool, error) {
	match := item.Metadata.Match

	// An index match already names a local entity.
	entityID := match.EntityID

	if entityID == "" {
		q := dedup.Query{
			Kind:       def.EntityKind,
			ExternalID: match.ExternalID,
		}
		if item.Metadata.Parsed != nil {
			q.Name = item.Metadata.Parsed.Title
			q.Contributors = item.Metadata.Parsed.Contributors
		}

		res, err := r.importer.Import(ctx, q, dedup.ImportOptions{})
		if err != nil {
			return false, eris.Wrap(err, "import: materialize entity")
		}
		if res.Entity == nil {
			return false, nil
		}
		entityID = res.Entity.ID
	}

	// A successful import is a confirmation in itself.
	if err := r.store.SetItemListable(ctx, item.ID, entityID, true); err != nil {
		return false, eris.Wrap(err, "import: link item")
	}
	return true, nil
}
