package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/listwizard/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_GetList(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, name, media_type").
		WithArgs("list-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "media_type", "source_html", "simplified_html",
			"items_json", "wizard", "created_at", "updated_at",
		}).AddRow("list-1", "Top Games", "games", "<ol/>", "",
			(*string)(nil), `{"steps":{"parse":{"status":"completed","progress":3,"updated_at":"2026-08-01T00:00:00Z"}}}`, now, now))

	got, err := s.GetList(context.Background(), "list-1")
	require.NoError(t, err)
	assert.Equal(t, "Top Games", got.Name)
	assert.Nil(t, got.ItemsJSON)
	assert.Equal(t, model.StatusCompleted, got.Wizard.Step(model.StepParse).Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetList_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, media_type").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "media_type", "source_html", "simplified_html",
			"items_json", "wizard", "created_at", "updated_at",
		}))

	_, err := s.GetList(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateList(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO lists").
		WithArgs(pgxmock.AnyArg(), "Top Songs", "songs", "", "",
			nil, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	list := &model.List{Name: "Top Songs", MediaType: "songs"}
	require.NoError(t, s.CreateList(context.Background(), list))
	assert.NotEmpty(t, list.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateListSource_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE lists SET simplified_html").
		WithArgs("<ol/>", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateListSource(context.Background(), "missing", "<ol/>", []byte(`{}`))
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateWizardStep(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT wizard").
		WithArgs("list-1").
		WillReturnRows(pgxmock.NewRows([]string{"wizard"}).AddRow(`{"steps":{}}`))
	mock.ExpectExec("UPDATE lists SET wizard").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "list-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.UpdateWizardStep(context.Background(), "list-1", model.StepEnrich, model.StepState{
		Status:   model.StatusRunning,
		Progress: 5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimJob_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "type", "list_id", "status", "error", "created_at", "updated_at",
		}))

	job, err := s.ClaimJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimJob(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "type", "list_id", "status", "error", "created_at", "updated_at",
		}).AddRow("job-1", "stage:enrich", "list-1", "running", "", now, now))

	job, err := s.ClaimJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "stage:enrich", job.Type)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimLease_Held(t *testing.T) {
	s, mock := newMockStore(t)

	// The conditional upsert affects zero rows while a live lease exists.
	mock.ExpectExec("INSERT INTO leases").
		WithArgs("list-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.ClaimLease(context.Background(), "list-1", time.Minute)
	assert.True(t, eris.Is(err, ErrLeaseHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CheckLease_Lost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT token, expires_at FROM leases").
		WithArgs("list-1").
		WillReturnRows(pgxmock.NewRows([]string{"token", "expires_at"}).
			AddRow("someone-else", time.Now().UTC().Add(time.Minute)))

	err := s.CheckLease(context.Background(), "list-1", "my-token")
	assert.True(t, eris.Is(err, ErrLeaseLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}
