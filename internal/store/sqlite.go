package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/rankforge/listwizard/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lists (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	media_type      TEXT NOT NULL,
	source_html     TEXT NOT NULL DEFAULT '',
	simplified_html TEXT NOT NULL DEFAULT '',
	items_json      TEXT,
	wizard          TEXT NOT NULL DEFAULT '{"steps":{}}',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS list_items (
	id          TEXT PRIMARY KEY,
	list_id     TEXT NOT NULL REFERENCES lists(id),
	position    INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	listable_id TEXT NOT NULL DEFAULT '',
	verified    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	attrs           TEXT NOT NULL DEFAULT '{}',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	list_id    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	list_id    TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_list_items_list_id ON list_items(list_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_external
	ON entities(kind, external_id) WHERE external_id != '';
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(kind, normalized_name);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Lists ---

func (s *SQLiteStore) CreateList(ctx context.Context, list *model.List) error {
	if list.ID == "" {
		list.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	list.CreatedAt = now
	list.UpdatedAt = now

	wizardJSON, err := json.Marshal(list.Wizard)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal wizard state")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lists (id, name, media_type, source_html, simplified_html, items_json, wizard, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		list.ID, list.Name, list.MediaType, list.SourceHTML, list.SimplifiedHTML,
		nullString(string(list.ItemsJSON)), string(wizardJSON), now, now,
	)
	return eris.Wrap(err, "sqlite: insert list")
}

func (s *SQLiteStore) GetList(ctx context.Context, id string) (*model.List, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, media_type, source_html, simplified_html, items_json, wizard, created_at, updated_at
		 FROM lists WHERE id = ?`, id)
	return scanList(row)
}

func (s *SQLiteStore) SetSourceHTML(ctx context.Context, id string, sourceHTML string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lists SET source_html = ?, updated_at = ? WHERE id = ?`,
		sourceHTML, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set source html %s", id)
	}
	return checkRowsAffected(res, "list", id)
}

func (s *SQLiteStore) UpdateListSource(ctx context.Context, id string, simplifiedHTML string, itemsJSON []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lists SET simplified_html = ?, items_json = ?, updated_at = ? WHERE id = ?`,
		simplifiedHTML, nullString(string(itemsJSON)), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update list source %s", id)
	}
	return checkRowsAffected(res, "list", id)
}

func (s *SQLiteStore) UpdateWizardStep(ctx context.Context, listID string, step model.Step, st model.StepState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin wizard update")
	}
	defer tx.Rollback()

	var wizardJSON string
	err = tx.QueryRowContext(ctx, `SELECT wizard FROM lists WHERE id = ?`, listID).Scan(&wizardJSON)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "list %s", listID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read wizard state")
	}

	var wizard model.WizardState
	if err := json.Unmarshal([]byte(wizardJSON), &wizard); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal wizard state")
	}

	wizard.SetStep(step, st)

	updated, err := json.Marshal(wizard)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal wizard state")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE lists SET wizard = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC(), listID,
	); err != nil {
		return eris.Wrap(err, "sqlite: write wizard state")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit wizard update")
}

// --- Items ---

func (s *SQLiteStore) CreateItems(ctx context.Context, items []model.ListItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create items")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO list_items (id, list_id, position, metadata, listable_id, verified, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert item")
	}
	defer stmt.Close()

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
			return eris.Wrap(err, "sqlite: marshal item metadata")
		}
		if _, err := stmt.ExecContext(ctx,
			item.ID, item.ListID, item.Position, string(mdJSON),
			item.ListableID, boolToInt(item.Verified), now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert item at position %d", item.Position)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create items")
}

func (s *SQLiteStore) DeleteItems(ctx context.Context, listID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM list_items WHERE list_id = ?`, listID)
	return eris.Wrapf(err, "sqlite: delete items for list %s", listID)
}

func (s *SQLiteStore) ListItems(ctx context.Context, listID string) ([]model.ListItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, list_id, position, metadata, listable_id, verified, created_at, updated_at
		 FROM list_items WHERE list_id = ? ORDER BY position`, listID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.ListItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.ListItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, list_id, position, metadata, listable_id, verified, created_at, updated_at
		 FROM list_items WHERE id = ?`, id)
	return scanItem(row)
}

func (s *SQLiteStore) UpdateItemMetadata(ctx context.Context, id string, md model.ItemMetadata) error {
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal item metadata")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE list_items SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(mdJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item metadata %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

func (s *SQLiteStore) SetItemListable(ctx context.Context, id string, entityID string, verified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE list_items SET listable_id = ?, verified = ?, updated_at = ? WHERE id = ?`,
		entityID, boolToInt(verified), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set item listable %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

func (s *SQLiteStore) SetItemVerified(ctx context.Context, id string, verified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE list_items SET verified = ?, updated_at = ? WHERE id = ?`,
		boolToInt(verified), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set item verified %s", id)
	}
	return checkRowsAffected(res, "item", id)
}

// --- Entities ---

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity attrs")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, normalized_name, external_id, attrs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Name, e.NormalizedName, e.ExternalID, string(attrsJSON), now, now,
	)
	return eris.Wrap(err, "sqlite: insert entity")
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	e.UpdatedAt = time.Now().UTC()

	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity attrs")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET name = ?, normalized_name = ?, external_id = ?, attrs = ?, updated_at = ? WHERE id = ?`,
		e.Name, e.NormalizedName, e.ExternalID, string(attrsJSON), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %s", e.ID)
	}
	return checkRowsAffected(res, "entity", e.ID)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs, created_at, updated_at
		FROM entities WHERE id = ?`, id)
}

func (s *SQLiteStore) GetEntityByExternalID(ctx context.Context, kind model.EntityKind, externalID string) (*model.Entity, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs, created_at, updated_at
		FROM entities WHERE kind = ? AND external_id = ?`, string(kind), externalID)
}

func (s *SQLiteStore) GetEntityByName(ctx context.Context, kind model.EntityKind, normalizedName string) (*model.Entity, error) {
	if normalizedName == "" {
		return nil, nil
	}
	return s.entityQuery(ctx, `SELECT id, kind, name, normalized_name, external_id, attrs, created_at, updated_at
		FROM entities WHERE kind = ? AND normalized_name = ? LIMIT 1`, string(kind), normalizedName)
}

func (s *SQLiteStore) entityQuery(ctx context.Context, query string, args ...any) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntity(row)
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, jobType string, listID string) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		ListID:    listID,
		Status:    model.JobQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, list_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.ListID, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue job")
	}
	return job, nil
}

func (s *SQLiteStore) ClaimJob(ctx context.Context) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim job")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, list_id, status, error, created_at, updated_at
		 FROM jobs WHERE status = 'queued' ORDER BY created_at LIMIT 1`)

	job, err := scanJob(row)
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = model.JobRunning
	job.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ?`,
		job.UpdatedAt, job.ID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: mark job running")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim job")
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

// --- Leases ---

func (s *SQLiteStore) ClaimLease(ctx context.Context, listID string, ttl time.Duration) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin claim lease")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM leases WHERE list_id = ?`, listID).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// free
	case err != nil:
		return "", eris.Wrap(err, "sqlite: read lease")
	case expiresAt.After(now):
		return "", eris.Wrapf(ErrLeaseHeld, "list %s", listID)
	}

	token := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (list_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(list_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		listID, token, now.Add(ttl),
	); err != nil {
		return "", eris.Wrap(err, "sqlite: write lease")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit claim lease")
	}
	return token, nil
}

func (s *SQLiteStore) CheckLease(ctx context.Context, listID string, token string) error {
	var current string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM leases WHERE list_id = ?`, listID,
	).Scan(&current, &expiresAt)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrLeaseLost, "list %s", listID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read lease")
	}
	if current != token || !expiresAt.After(time.Now().UTC()) {
		return eris.Wrapf(ErrLeaseLost, "list %s", listID)
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, listID string, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE list_id = ? AND token = ?`, listID, token)
	return eris.Wrapf(err, "sqlite: release lease %s", listID)
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanList(row scannable) (*model.List, error) {
	var l model.List
	var itemsJSON sql.NullString
	var wizardJSON string

	err := row.Scan(&l.ID, &l.Name, &l.MediaType, &l.SourceHTML, &l.SimplifiedHTML,
		&itemsJSON, &wizardJSON, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "list")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan list")
	}

	if itemsJSON.Valid {
		l.ItemsJSON = []byte(itemsJSON.String)
	}
	if err := json.Unmarshal([]byte(wizardJSON), &l.Wizard); err != nil {
		return nil, eris.Wrap(err, "unmarshal wizard state")
	}
	return &l, nil
}

func scanItem(row scannable) (*model.ListItem, error) {
	var item model.ListItem
	var mdJSON string
	var verified int

	err := row.Scan(&item.ID, &item.ListID, &item.Position, &mdJSON,
		&item.ListableID, &verified, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "item")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan item")
	}

	item.Verified = verified != 0
	if err := json.Unmarshal([]byte(mdJSON), &item.Metadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal item metadata")
	}
	return &item, nil
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var kind string
	var attrsJSON string

	err := row.Scan(&e.ID, &kind, &e.Name, &e.NormalizedName, &e.ExternalID,
		&attrsJSON, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
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

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status string

	err := row.Scan(&j.ID, &j.Type, &j.ListID, &status, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}

	j.Status = model.JobStatus(status)
	return &j, nil
}
