// Package store defines the persistence interface for the wizard
// pipeline and its SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound is returned for lookups of records that don't exist.
	ErrNotFound = eris.New("store: not found")
	// ErrLeaseHeld is returned when a list's lease is already claimed.
	ErrLeaseHeld = eris.New("store: lease already held")
	// ErrLeaseLost is returned when a lease check fails because the
	// token no longer matches or has expired.
	ErrLeaseLost = eris.New("store: lease lost")
)

// Store is the persistence interface for lists, items, entities, the
// job queue, and per-list leases.
type Store interface {
	// Lists
	CreateList(ctx context.Context, list *model.List) error
	GetList(ctx context.Context, id string) (*model.List, error)
	SetSourceHTML(ctx context.Context, id string, sourceHTML string) error
	UpdateListSource(ctx context.Context, id string, simplifiedHTML string, itemsJSON []byte) error
	// UpdateWizardStep atomically overwrites one step's state without
	// disturbing the other steps. Repeated calls converge to the
	// latest write.
	UpdateWizardStep(ctx context.Context, listID string, step model.Step, st model.StepState) error

	// Items
	CreateItems(ctx context.Context, items []model.ListItem) error
	DeleteItems(ctx context.Context, listID string) error
	ListItems(ctx context.Context, listID string) ([]model.ListItem, error)
	GetItem(ctx context.Context, id string) (*model.ListItem, error)
	UpdateItemMetadata(ctx context.Context, id string, md model.ItemMetadata) error
	SetItemListable(ctx context.Context, id string, entityID string, verified bool) error
	SetItemVerified(ctx context.Context, id string, verified bool) error

	// Entities. Lookups return (nil, nil) on a miss.
	CreateEntity(ctx context.Context, e *model.Entity) error
	UpdateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	GetEntityByExternalID(ctx context.Context, kind model.EntityKind, externalID string) (*model.Entity, error)
	GetEntityByName(ctx context.Context, kind model.EntityKind, normalizedName string) (*model.Entity, error)

	// Jobs. ClaimJob returns (nil, nil) when the queue is empty.
	EnqueueJob(ctx context.Context, jobType string, listID string) (*model.Job, error)
	ClaimJob(ctx context.Context) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, msg string) error

	// Leases
	ClaimLease(ctx context.Context, listID string, ttl time.Duration) (string, error)
	CheckLease(ctx context.Context, listID string, token string) error
	ReleaseLease(ctx context.Context, listID string, token string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
