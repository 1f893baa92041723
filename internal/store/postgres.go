package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store needs; pgxmock
// implements it for tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests).
func NewPostgresWithPool(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lists (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	media_type      TEXT NOT NULL,
	source_html     TEXT NOT NULL DEFAULT '',
	simplified_html TEXT NOT NULL DEFAULT '',
	items_json      JSONB,
	wizard          JSONB NOT NULL DEFAULT '{"steps":{}}',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS list_items (
	id          TEXT PRIMARY KEY,
	list_id     TEXT NOT NULL REFERENCES lists(id),
	position    INTEGER NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	listable_id TEXT NOT NULL DEFAULT '',
	verified    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	attrs           JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	list_id    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	list_id    TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_list_items_list_id ON list_items(list_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_external
	ON entities(kind, external_id) WHERE external_id != '';
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(kind, normalized_name);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Lists ---

func (s *PostgresStore) CreateList(ctx context.Context, list *model.List) error {
	if list.ID == "" {
		list.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	list.CreatedAt = now
	list.UpdatedAt = now

	wizardJSON, err := json.Marshal(list.Wizard)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal wizard state")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lists (id, name, media_type, source_html, simplified_html, items_json, wizard, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		list.ID, list.Name, list.MediaType, list.SourceHTML, list.SimplifiedHTML,
		nullString(string(list.ItemsJSON)), string(wizardJSON), now, now,
	)
	return eris.Wrap(err, "postgres: insert list")
}

func (s *PostgresStore) GetList(ctx context.Context, id string) (*model.List, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, media_type, source_html, simplified_html, items_json::text, wizard::text, created_at, updated_at
		 FROM lists WHERE id = $1`, id)
	return scanListPgx(row)
}

func (s *PostgresStore) SetSourceHTML(ctx context.Context, id string, sourceHTML string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lists SET source_html = $1, updated_at = $2 WHERE id = $3`,
		sourceHTML, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set source html %s", id)
	}
	return checkTag(tag, "list", id)
}

func (s *PostgresStore) UpdateListSource(ctx context.Context, id string, simplifiedHTML string, itemsJSON []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lists SET simplified_html = $1, items_json = $2, updated_at = $3 WHERE id = $4`,
		simplifiedHTML, nullString(string(itemsJSON)), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update list source %s", id)
	}
	return checkTag(tag, "list", id)
}

func (s *PostgresStore) UpdateWizardStep(ctx context.Context, listID string, step model.Step, st model.StepState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin wizard update")
	}
	defer tx.Rollback(ctx)

	var wizardJSON string
	err = tx.QueryRow(ctx, `SELECT wizard::text FROM lists WHERE id = $1 FOR UPDATE`, listID).Scan(&wizardJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "list %s", listID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read wizard state")
	}

	var wizard model.WizardState
	if err := json.Unmarshal([]byte(wizardJSON), &wizard); err != nil {
		return eris.Wrap(err, "postgres: unmarshal wizard state")
	}

	wizard.SetStep(step, st)

	updated, err := json.Marshal(wizard)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal wizard state")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE lists SET wizard = $1, updated_at = $2 WHERE id = $3`,
		string(updated), time.Now().UTC(), listID,
	); err != nil {
		return eris.Wrap(err, "postgres: write wizard state")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit wizard update")
}

// --- Items ---

func (s *PostgresStore) CreateItems(ctx context.Context, items []model.ListItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create items")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i := range items {
		item := &items[i]
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.CreatedAt = now
		item.UpdatedAt = now

		mdJSON, err := json.Marshal(item.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal item metadata")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO list_items (id, list_id, position, metadata, listable_id, verified, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.ListID, item.Position, string(mdJSON),
			item.ListableID, item.Verified, now, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert item at position %d", item.Position)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create items")
}

func (s *PostgresStore) DeleteItems(ctx context.Context, listID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM list_items WHERE list_id = $1`, listID)
	return eris.Wrapf(err, "postgres: delete items for list %s", listID)
}

func (s *PostgresStore) ListItems(ctx context.Context, listID string) ([]model.ListItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, list_id, position, metadata::text, listable_id, verified, created_at, updated_at
		 FROM list_items WHERE list_id = $1 ORDER BY position`, listID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.ListItem
	for rows.Next() {
		item, err := scanItemPgx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.ListItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, list_id, position, metadata::text, listable_id, verified, created_at, updated_at
		 FROM list_items WHERE id = $1`, id)
	return scanItemPgx(row)
}

func (s *PostgresStore) UpdateItemMetadata(ctx context.Context, id string, md model.ItemMetadata) error {
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal item metadata")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE list_items SET metadata = $1, updated_at = $2 WHERE id = $3`,
		string(mdJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item metadata %s", id)
	}
	return checkTag(tag, "item", id)
}

func (s *PostgresStore) SetItemListable(ctx context.Context, id string, entityID string, verified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE list_items SET listable_id = $1, verified = $2, updated_at = $3 WHERE id = $4`,
		entityID, verified, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set item listable %s", id)
	}
	return checkTag(tag, "item", id)
}

func (s *PostgresStore) SetItemVerified(ctx context.Context, id string, verified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE list_items SET verified = $1, updated_at = $2 WHERE id = $3`,
		verified, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set item verified %s", id)
	}
	return checkTag(tag, "item", id)
}

// --- Entities ---

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity attrs")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, kind, name, normalized_name, external_id, attrs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Kind), e.Name, e.NormalizedName, e.ExternalID, string(attrsJSON), now, now,
	)
	return eris.Wrap(err, "postgres: insert entity")
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	e.UpdatedAt = time.Now().UTC()

	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity attrs")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET name = $1, normalized_name = $2, external_id = $3, attrs = $4, updated_at = $5 WHERE id = $6`,
		e.Name, e.NormalizedName, e.ExternalID, string(attrsJSON), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %s", e.ID)
	}
	return checkTag(tag, "entity", e.ID)
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs::text, created_at, updated_at
		FROM entities WHERE id = $1`, id)
}

func (s *PostgresStore) GetEntityByExternalID(ctx context.Context, kind model.EntityKind, externalID string) (*model.Entity, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs::text, created_at, updated_at
		FROM entities WHERE kind = $1 AND external_id = $2`, string(kind), externalID)
}

func (s *PostgresStore) GetEntityByName(ctx context.Context, kind model.EntityKind, normalizedName string) (*model.Entity, error) {
	if normalizedName == "" {
		return nil, nil
	}
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs::text, created_at, updated_at
		FROM entities WHERE kind = $1 AND normalized_name = $2 LIMIT 1`, string(kind), normalizedName)
}

func (s *PostgresStore) entityQuery(ctx context.Context, query string, args ...any) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	e, err := scanEntityPgx(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// --- Jobs ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, jobType string, listID string) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		ListID:    listID,
		Status:    model.JobQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, list_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Type, job.ListID, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enqueue job")
	}
	return job, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context) (*model.Job, error) {
	// SKIP LOCKED lets multiple workers claim concurrently.
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', updated_at = now()
		 WHERE id = (
		   SELECT id FROM jobs WHERE status = 'queued'
		   ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, type, list_id, status, error, created_at, updated_at`)

	job, err := scanJobPgx(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	return checkTag(tag, "job", id)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, updated_at = $2 WHERE id = $3`,
		msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	return checkTag(tag, "job", id)
}

// --- Leases ---

func (s *PostgresStore) ClaimLease(ctx context.Context, listID string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leases (list_id, token, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (list_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE leases.expires_at <= $4`,
		listID, token, now.Add(ttl), now,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: claim lease")
	}
	if tag.RowsAffected() == 0 {
		return "", eris.Wrapf(ErrLeaseHeld, "list %s", listID)
	}
	return token, nil
}

func (s *PostgresStore) CheckLease(ctx context.Context, listID string, token string) error {
	var current string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT token, expires_at FROM leases WHERE list_id = $1`, listID,
	).Scan(&current, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrLeaseLost, "list %s", listID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read lease")
	}
	if current != token || !expiresAt.After(time.Now().UTC()) {
		return eris.Wrapf(ErrLeaseLost, "list %s", listID)
	}
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, listID string, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE list_id = $1 AND token = $2`, listID, token)
	return eris.Wrapf(err, "postgres: release lease %s", listID)
}

// --- helpers ---

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanListPgx(row pgx.Row) (*model.List, error) {
	var l model.List
	var itemsJSON *string
	var wizardJSON string

	err := row.Scan(&l.ID, &l.Name, &l.MediaType, &l.SourceHTML, &l.SimplifiedHTML,
		&itemsJSON, &wizardJSON, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "list")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan list")
	}

	if itemsJSON != nil {
		l.ItemsJSON = []byte(*itemsJSON)
	}
	if err := json.Unmarshal([]byte(wizardJSON), &l.Wizard); err != nil {
		return nil, eris.Wrap(err, "unmarshal wizard state")
	}
	return &l, nil
}

func scanItemPgx(row pgx.Row) (*model.ListItem, error) {
	var item model.ListItem
	var mdJSON string

	err := row.Scan(&item.ID, &item.ListID, &item.Position, &mdJSON,
		&item.ListableID, &item.Verified, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "item")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan item")
	}

	if err := json.Unmarshal([]byte(mdJSON), &item.Metadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal item metadata")
	}
	return &item, nil
}

func scanEntityPgx(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	var kind string
	var attrsJSON string

	err := row.Scan(&e.ID, &kind, &e.Name, &e.NormalizedName, &e.ExternalID,
		&attrsJSON, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "entity")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan entity")
	}

	e.Kind = model.EntityKind(kind)
	if err := json.Unmarshal([]byte(attrsJSON), &e.Attrs); err != nil {
		return nil, eris.Wrap(err, "unmarshal entity attrs")
	}
	return &e, nil
}

func scanJobPgx(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status string

	err := row.Scan(&j.ID, &j.Type, &j.ListID, &status, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}

	j.Status = model.JobStatus(status)
	return &j, nil
}
