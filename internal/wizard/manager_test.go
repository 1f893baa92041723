package wizard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/store"
)

func newManager(t *testing.T) (*Manager, store.Store, *media.Registry) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg, err := media.Load()
	require.NoError(t, err)
	return New(st, reg), st, reg
}

func createList(t *testing.T, st store.Store, mediaType string) *model.List {
	t.Helper()
	list := &model.List{Name: "test list", MediaType: mediaType}
	require.NoError(t, st.CreateList(context.Background(), list))
	return list
}

func reload(t *testing.T, st store.Store, id string) *model.List {
	t.Helper()
	list, err := st.GetList(context.Background(), id)
	require.NoError(t, err)
	return list
}

func TestCurrentStep_WalksDefinitionOrder(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "albums")

	def, err := m.Definition(list)
	require.NoError(t, err)
	assert.Equal(t, model.StepSource, CurrentStep(list, def))

	require.NoError(t, m.CompleteStep(ctx, list.ID, model.StepSource, nil))
	require.NoError(t, m.CompleteStep(ctx, list.ID, model.StepParse, nil))

	list = reload(t, st, list.ID)
	assert.Equal(t, model.StepEnrich, CurrentStep(list, def))
	assert.Equal(t, 100, list.Wizard.Step(model.StepParse).Progress,
		"a completed step always reads fully progressed")
}

func TestStartStep_Guards(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "albums")
	def, _ := m.Definition(list)

	// Out of order: parse before source.
	err := m.StartStep(ctx, list, def, model.StepParse)
	assert.True(t, eris.Is(err, ErrOutOfOrder))

	// Unknown step.
	err = m.StartStep(ctx, list, def, model.Step("publish"))
	assert.True(t, eris.Is(err, ErrUnknownStep))

	// First step starts fine.
	require.NoError(t, m.StartStep(ctx, list, def, model.StepSource))

	// Nothing else may start while it runs.
	list = reload(t, st, list.ID)
	err = m.StartStep(ctx, list, def, model.StepParse)
	assert.True(t, eris.Is(err, ErrStepRunning))
}

func TestStartStep_RerunAfterFailure(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "songs")
	def, _ := m.Definition(list)

	require.NoError(t, m.CompleteStep(ctx, list.ID, model.StepSource, nil))
	require.NoError(t, m.FailStep(ctx, list.ID, model.StepParse, eris.New("model returned junk")))

	list = reload(t, st, list.ID)
	assert.Equal(t, model.StatusFailed, list.Wizard.Step(model.StepParse).Status)
	assert.Contains(t, list.Wizard.Step(model.StepParse).Error, "junk")

	require.NoError(t, m.StartStep(ctx, list, def, model.StepParse))
	list = reload(t, st, list.ID)
	st2 := list.Wizard.Step(model.StepParse)
	assert.Equal(t, model.StatusRunning, st2.Status)
	assert.Empty(t, st2.Error, "a rerun clears the previous failure")
}

func TestSkipStep_RecordsSkip(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "games")

	require.NoError(t, m.SkipStep(ctx, list.ID, model.StepReview))

	list = reload(t, st, list.ID)
	state := list.Wizard.Step(model.StepReview)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.True(t, state.Skipped())
}

func TestCompleteStep_FinishesWizard(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "albums")
	def, _ := m.Definition(list)

	for _, step := range def.Steps[:len(def.Steps)-1] {
		require.NoError(t, m.CompleteStep(ctx, list.ID, step, nil))
	}

	list = reload(t, st, list.ID)
	assert.Equal(t, model.StatusCompleted, list.Wizard.Step(model.StepComplete).Status)
	assert.Equal(t, model.StepComplete, CurrentStep(list, def))
}

func TestProgress_OverwritesState(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "albums")

	require.NoError(t, m.Progress(ctx, list.ID, model.StepEnrich, 10, map[string]any{"total": 25}))
	require.NoError(t, m.Progress(ctx, list.ID, model.StepEnrich, 20, map[string]any{"total": 25}))

	list = reload(t, st, list.ID)
	state := list.Wizard.Step(model.StepEnrich)
	assert.Equal(t, model.StatusRunning, state.Status)
	assert.Equal(t, 20, state.Progress)
}

func TestAdvanceable(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	list := createList(t, st, "albums")

	assert.False(t, Advanceable(list, model.StepSource),
		"an idle source step without a selection blocks advancement")
	assert.True(t, Advanceable(list, model.StepParse))

	require.NoError(t, m.CompleteStep(ctx, list.ID, model.StepSource, map[string]any{"source": "html"}))
	require.NoError(t, m.Progress(ctx, list.ID, model.StepParse, 40, nil))

	list = reload(t, st, list.ID)
	assert.True(t, Advanceable(list, model.StepSource))
	assert.False(t, Advanceable(list, model.StepParse), "running steps are never advanceable")

	require.NoError(t, m.FailStep(ctx, list.ID, model.StepParse, eris.New("bad extraction")))
	list = reload(t, st, list.ID)
	assert.True(t, Advanceable(list, model.StepParse), "failed steps may still be advanced past")
}

func TestLease_RoundTrip(t *testing.T) {
	_, st, _ := newManager(t)
	ctx := context.Background()

	lease := NewLease(st, time.Minute)
	token, err := lease.Acquire(ctx, "list-1")
	require.NoError(t, err)
	require.NoError(t, lease.Check(ctx, "list-1", token))

	_, err = lease.Acquire(ctx, "list-1")
	assert.True(t, eris.Is(err, store.ErrLeaseHeld))

	lease.Release("list-1", token)
	assert.True(t, eris.Is(lease.Check(ctx, "list-1", token), store.ErrLeaseLost))
}
