// Package dedup guarantees at most one entity per external identity.
// Lookups go through Find, creation goes through the Importer, and
// everything else stays out of the entities table.
package dedup

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/normalize"
	"github.com/rankforge/listwizard/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Query identifies an entity to find or import. An external id is the
// strong key; a name is the weak fallback.
type Query struct {
	Kind       model.EntityKind `validate:"required,oneof=song album game"`
	ExternalID string           `validate:"required_without=Name"`
	Name       string           `validate:"required_without=ExternalID"`
	// Contributors narrow name-based provider searches.
	Contributors []string
}

// Validate checks the query is well formed.
func (q Query) Validate() error {
	if err := validate.Struct(q); err != nil {
		return eris.Wrap(err, "dedup: invalid query")
	}
	return nil
}

// Finder locates existing entities. It never creates one.
type Finder struct {
	store store.Store
}

// NewFinder creates a Finder.
func NewFinder(st store.Store) *Finder {
	return &Finder{store: st}
}

// Find returns the entity matching the query, or (nil, nil). External
// id wins over name; a name only matches exactly after folding.
func (f *Finder) Find(ctx context.Context, q Query) (*model.Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if q.ExternalID != "" {
		e, err := f.store.GetEntityByExternalID(ctx, q.Kind, q.ExternalID)
		if err != nil {
			return nil, eris.Wrap(err, "dedup: find by external id")
		}
		if e != nil {
			return e, nil
		}
	}

	if q.Name != "" {
		e, err := f.store.GetEntityByName(ctx, q.Kind, normalize.Fold(q.Name))
		if err != nil {
			return nil, eris.Wrap(err, "dedup: find by name")
		}
		if e != nil {
			return e, nil
		}
	}

	return nil, nil
}
