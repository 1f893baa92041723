package stage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/listwizard/internal/dedup"
	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/resilience"
	"github.com/rankforge/listwizard/internal/resolver"
	"github.com/rankforge/listwizard/internal/search"
	"github.com/rankforge/listwizard/internal/store"
	"github.com/rankforge/listwizard/internal/wizard"
	"github.com/rankforge/listwizard/pkg/anthropic"
)

// --- fakes ---

type fakeAI struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeAI) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.responses[idx]}},
	}, nil
}

type fakeIndex struct {
	hitsByTitle map[string][]search.Hit
	err         error
}

func (f *fakeIndex) Search(_ context.Context, _ string, q search.Query, _ int) ([]search.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := q.(search.Bool)
	title := b.Should[0].(search.Phrase).Value
	return f.hitsByTitle[title], nil
}

func (f *fakeIndex) Index(context.Context, string, []search.Document) error { return nil }
func (f *fakeIndex) Delete(context.Context, string, []string) error         { return nil }

type fakeCatalog struct {
	byTitle map[string][]model.MatchCandidate
	err     error
}

func (f *fakeCatalog) Search(_ context.Context, _ model.EntityKind, parsed model.ParsedFields, _ int) ([]model.MatchCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byTitle[parsed.Title], nil
}

type stubProvider struct {
	byExternalID map[string]*model.Entity
}

func (s *stubProvider) Name() string                   { return "stub" }
func (s *stubProvider) Supports(model.EntityKind) bool { return true }

func (s *stubProvider) Populate(_ context.Context, e *model.Entity, q dedup.Query) error {
	src, ok := s.byExternalID[q.ExternalID]
	if !ok {
		return eris.Errorf("no entity for %q", q.ExternalID)
	}
	e.Name = src.Name
	e.NormalizedName = src.NormalizedName
	e.ExternalID = src.ExternalID
	e.Attrs = src.Attrs
	return nil
}

// --- harness ---

type harness struct {
	runner *Runner
	store  store.Store
	wizard *wizard.Manager
}

func newHarness(t *testing.T, ai anthropic.Client, idx search.Client, catalog resolver.Catalog, provider dedup.Provider) *harness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg, err := media.Load()
	require.NoError(t, err)

	wz := wizard.New(st, reg)
	lease := wizard.NewLease(st, time.Minute)

	catalogs := map[string]resolver.Catalog{}
	if catalog != nil {
		catalogs["musicbrainz"] = catalog
		catalogs["igdb"] = catalog
	}
	res := resolver.New(idx, catalogs, st, 5.0)

	var providers []dedup.Provider
	if provider != nil {
		providers = append(providers, provider)
	}
	imp := dedup.NewImporter(st, idx, nil, providers...)

	runner := New(st, reg, wz, lease, ai, res, imp, Config{
		Model:            "claude-haiku-4-5-20251001",
		MaxTokens:        4096,
		ProgressEvery:    10,
		ProgressInterval: 5 * time.Second,
	})
	return &harness{runner: runner, store: st, wizard: wz}
}

func (h *harness) createList(t *testing.T, mediaType, sourceHTML string) *model.List {
	t.Helper()
	list := &model.List{Name: "test", MediaType: mediaType, SourceHTML: sourceHTML}
	require.NoError(t, h.store.CreateList(context.Background(), list))
	return list
}

func (h *harness) completeSteps(t *testing.T, listID string, steps ...model.Step) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, h.wizard.CompleteStep(context.Background(), listID, s, nil))
	}
}

func (h *harness) stepState(t *testing.T, listID string, step model.Step) model.StepState {
	t.Helper()
	list, err := h.store.GetList(context.Background(), listID)
	require.NoError(t, err)
	return list.Wizard.Step(step)
}

// --- reporter ---

func TestReporter_Cadence(t *testing.T) {
	var writes []int
	rep := newReporter(25, 10, 5*time.Second, func(_ context.Context, p int, _ map[string]any) error {
		writes = append(writes, p)
		return nil
	})
	now := time.Now()
	rep.now = func() time.Time { return now }
	rep.last = now

	for i := 1; i <= 25; i++ {
		rep.tick(context.Background(), i, nil)
	}
	// Writes land at item 10, 20, and the final item, persisted as
	// percentages of the batch.
	assert.Equal(t, []int{40, 80, 100}, writes)
}

func TestReporter_ProgressStaysWithinPercentScale(t *testing.T) {
	var writes []int
	rep := newReporter(120, 10, 5*time.Second, func(_ context.Context, p int, _ map[string]any) error {
		writes = append(writes, p)
		return nil
	})
	now := time.Now()
	rep.now = func() time.Time { return now }
	rep.last = now

	for i := 1; i <= 120; i++ {
		rep.tick(context.Background(), i, nil)
	}

	require.NotEmpty(t, writes)
	for _, p := range writes {
		assert.LessOrEqual(t, p, 100, "progress is a percentage, never an item index")
	}
	assert.Equal(t, 100, writes[len(writes)-1])
}

func TestReporter_IntervalFallback(t *testing.T) {
	var writes []int
	rep := newReporter(100, 10, 5*time.Second, func(_ context.Context, p int, _ map[string]any) error {
		writes = append(writes, p)
		return nil
	})
	now := time.Now()
	rep.now = func() time.Time {
		now = now.Add(3 * time.Second)
		return now
	}
	rep.last = now

	// Every second tick crosses the 5s threshold even though no tick
	// hits the modulo.
	for i := 1; i <= 5; i++ {
		rep.tick(context.Background(), i, nil)
	}
	assert.Equal(t, []int{2, 4}, writes)
}

// --- parse ---

const parseHTML = `<ol><li>OK Computer - Radiohead</li><li>Rumours - Fleetwood Mac</li></ol>`

func TestRunParse_PersistsItems(t *testing.T) {
	ai := &fakeAI{responses: []string{"```json\n" + `{"items":[
		{"rank":1,"title":"OK Computer","contributors":["Radiohead"],"year":1997},
		{"rank":2,"title":"Rumours","contributors":["Fleetwood Mac"],"year":1977}
	]}` + "\n```"}}
	h := newHarness(t, ai, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource)

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepParse))

	state := h.stepState(t, list.ID, model.StepParse)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, float64(2), state.Metadata["items_total"])

	items, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "OK Computer", items[0].Title())
	assert.Equal(t, 1, items[0].Position)
	assert.Equal(t, []string{"Fleetwood Mac"}, items[1].Metadata.Parsed.Contributors)

	got, err := h.store.GetList(context.Background(), list.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.SimplifiedHTML)
	assert.NotEmpty(t, got.ItemsJSON)
}

func TestRunParse_SchemaRejectionFailsStage(t *testing.T) {
	ai := &fakeAI{responses: []string{`{"entries":[]}`}}
	h := newHarness(t, ai, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource)

	err := h.runner.Run(context.Background(), list.ID, model.StepParse)
	require.Error(t, err)

	state := h.stepState(t, list.ID, model.StepParse)
	assert.Equal(t, model.StatusFailed, state.Status)
	assert.NotEmpty(t, state.Error)

	// Nothing persisted on rejection.
	items, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRunParse_NotApplicableSkips(t *testing.T) {
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", "") // no source html
	h.completeSteps(t, list.ID, model.StepSource)

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepParse))

	state := h.stepState(t, list.ID, model.StepParse)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.True(t, state.Skipped())
}

// --- enrich ---

func seedParsedItems(t *testing.T, h *harness, listID string, titles ...string) []model.ListItem {
	t.Helper()
	items := make([]model.ListItem, len(titles))
	for i, title := range titles {
		items[i] = model.ListItem{
			ListID:   listID,
			Position: i + 1,
			Metadata: model.ItemMetadata{Parsed: &model.ParsedFields{Title: title}},
		}
	}
	require.NoError(t, h.store.CreateItems(context.Background(), items))
	return items
}

func TestRunEnrich_TwoTierCounters(t *testing.T) {
	idx := &fakeIndex{hitsByTitle: map[string][]search.Hit{
		"ok computer": {{Score: 9.0, Document: search.Document{EntityID: "e1", Name: "OK Computer"}}},
	}}
	catalog := &fakeCatalog{byTitle: map[string][]model.MatchCandidate{
		"Rumours": {{Source: model.SourceExternalAPI, ExternalID: "rg-1", Score: 100}},
	}}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, idx, catalog, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse)
	seedParsedItems(t, h, list.ID, "OK Computer", "Rumours", "Nonexistent Album")

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepEnrich))

	state := h.stepState(t, list.ID, model.StepEnrich)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Equal(t, float64(1), state.Metadata["search_index_matches"])
	assert.Equal(t, float64(1), state.Metadata["external_api_matches"])
	assert.Equal(t, float64(1), state.Metadata["not_found"])

	items, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].Metadata.Match)
	assert.Equal(t, model.SourceSearchIndex, items[0].Metadata.Match.Source)
	assert.Equal(t, "e1", items[0].Metadata.Match.EntityID)
	require.NotNil(t, items[1].Metadata.Match)
	assert.Equal(t, model.SourceExternalAPI, items[1].Metadata.Match.Source)
	assert.Nil(t, items[2].Metadata.Match)
}

func TestRunEnrich_InfraErrorAborts(t *testing.T) {
	idx := &fakeIndex{err: resilience.Infra(eris.New("index down"), 503)}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, idx, nil, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse)
	seedParsedItems(t, h, list.ID, "OK Computer")

	err := h.runner.Run(context.Background(), list.ID, model.StepEnrich)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, h.stepState(t, list.ID, model.StepEnrich).Status)
}

func TestRunEnrich_CatalogOutageAborts(t *testing.T) {
	catalog := &fakeCatalog{err: resilience.Infra(eris.New("catalog unreachable"), 0)}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, catalog, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse)
	seedParsedItems(t, h, list.ID, "OK Computer")

	err := h.runner.Run(context.Background(), list.ID, model.StepEnrich)
	require.Error(t, err, "a dead catalog must fail the stage, not mark items not found")
	assert.Equal(t, model.StatusFailed, h.stepState(t, list.ID, model.StepEnrich).Status)

	items, err2 := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err2)
	assert.Nil(t, items[0].Metadata.Match)
}

func TestRunEnrich_CatalogHitResolvesLocalEntity(t *testing.T) {
	local := &model.Entity{Kind: model.KindAlbum, Name: "Rumours", NormalizedName: "rumours", ExternalID: "rg-1"}
	catalog := &fakeCatalog{byTitle: map[string][]model.MatchCandidate{
		"Rumours": {{Source: model.SourceExternalAPI, ExternalID: "rg-1", Score: 100}},
	}}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, catalog, nil)
	require.NoError(t, h.store.CreateEntity(context.Background(), local))
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse)
	seedParsedItems(t, h, list.ID, "Rumours")

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepEnrich))

	items, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].Metadata.Match)
	assert.Equal(t, local.ID, items[0].Metadata.Match.EntityID,
		"a catalog id already imported locally resolves to that entity")
}

// --- validate ---

func TestRunValidate_FlagsMismatches(t *testing.T) {
	ai := &fakeAI{responses: []string{
		`{"invalid":false,"reasoning":""}`,
		`{"invalid":true,"reasoning":"different album by the same artist"}`,
	}}
	h := newHarness(t, ai, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse, model.StepEnrich)

	items := seedParsedItems(t, h, list.ID, "OK Computer", "Rumours", "Unmatched")
	for i := 0; i < 2; i++ {
		md := items[i].Metadata
		md.Match = &model.MatchCandidate{Source: model.SourceExternalAPI, ExternalID: "x", Attrs: map[string]any{"name": items[i].Title()}}
		require.NoError(t, h.store.UpdateItemMetadata(context.Background(), items[i].ID, md))
	}

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepValidate))

	state := h.stepState(t, list.ID, model.StepValidate)
	assert.Equal(t, float64(2), state.Metadata["validated"])
	assert.Equal(t, float64(1), state.Metadata["flagged"])
	assert.Equal(t, float64(1), state.Metadata["unmatched"])

	got, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	require.NotNil(t, got[0].Metadata.Validation)
	assert.False(t, got[0].MatchInvalid())
	assert.True(t, got[1].MatchInvalid())
	assert.Contains(t, got[1].Metadata.Validation.Reasoning, "different album")
	assert.Nil(t, got[2].Metadata.Validation)
}

// --- import ---

func TestRunImport_LinksAndSkips(t *testing.T) {
	provider := &stubProvider{byExternalID: map[string]*model.Entity{
		"rg-1": {Kind: model.KindAlbum, Name: "Rumours", NormalizedName: "rumours", ExternalID: "rg-1"},
	}}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, provider)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse, model.StepEnrich, model.StepValidate, model.StepReview)

	// A local entity for the index-matched item.
	local := &model.Entity{Kind: model.KindAlbum, Name: "OK Computer", NormalizedName: "ok computer", ExternalID: "mbid-9"}
	require.NoError(t, h.store.CreateEntity(context.Background(), local))

	items := seedParsedItems(t, h, list.ID, "OK Computer", "Rumours", "Unmatched", "Wrong Match")

	set := func(i int, md model.ItemMetadata) {
		require.NoError(t, h.store.UpdateItemMetadata(context.Background(), items[i].ID, md))
	}
	set(0, model.ItemMetadata{
		Parsed: items[0].Metadata.Parsed,
		Match:  &model.MatchCandidate{Source: model.SourceSearchIndex, EntityID: local.ID},
	})
	set(1, model.ItemMetadata{
		Parsed: items[1].Metadata.Parsed,
		Match:  &model.MatchCandidate{Source: model.SourceExternalAPI, ExternalID: "rg-1"},
	})
	set(3, model.ItemMetadata{
		Parsed:     items[3].Metadata.Parsed,
		Match:      &model.MatchCandidate{Source: model.SourceExternalAPI, ExternalID: "rg-404"},
		Validation: &model.ValidationResult{Invalid: true, Reasoning: "wrong work"},
	})

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepImport))

	state := h.stepState(t, list.ID, model.StepImport)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Equal(t, float64(2), state.Metadata["imported"])
	assert.Equal(t, float64(1), state.Metadata["skipped_unmatched"])
	assert.Equal(t, float64(1), state.Metadata["skipped_invalid"])

	got, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Equal(t, local.ID, got[0].ListableID)
	assert.NotEmpty(t, got[1].ListableID)
	assert.Empty(t, got[2].ListableID)
	assert.Empty(t, got[3].ListableID)

	// The whole wizard is done once import completes.
	assert.Equal(t, model.StatusCompleted, h.stepState(t, list.ID, model.StepComplete).Status)

	// A rerun leaves linked items alone.
	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepImport))
	state = h.stepState(t, list.ID, model.StepImport)
	assert.Equal(t, float64(2), state.Metadata["already_linked"])
	assert.Equal(t, float64(0), state.Metadata["imported"])
}

func TestRunImport_NoLookupKeyIsSkipped(t *testing.T) {
	provider := &stubProvider{byExternalID: map[string]*model.Entity{}}
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, provider)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource, model.StepParse, model.StepEnrich, model.StepValidate, model.StepReview)

	// A match record with no entity id, no external id, and no parsed
	// title. Nothing identifies the work, so the item is skipped and
	// the stage still completes.
	items := []model.ListItem{{
		ListID:   list.ID,
		Position: 1,
		Metadata: model.ItemMetadata{
			Parsed: &model.ParsedFields{},
			Match:  &model.MatchCandidate{Source: model.SourceExternalAPI},
		},
	}}
	require.NoError(t, h.store.CreateItems(context.Background(), items))

	require.NoError(t, h.runner.Run(context.Background(), list.ID, model.StepImport))

	state := h.stepState(t, list.ID, model.StepImport)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Equal(t, float64(1), state.Metadata["skipped_missing"])
	assert.Equal(t, float64(0), state.Metadata["imported"])

	got, err := h.store.ListItems(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Empty(t, got[0].ListableID)
}

// --- guards ---

func TestRun_LeaseHeld(t *testing.T) {
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)
	h.completeSteps(t, list.ID, model.StepSource)

	_, err := h.store.ClaimLease(context.Background(), list.ID, time.Minute)
	require.NoError(t, err)

	err = h.runner.Run(context.Background(), list.ID, model.StepParse)
	assert.True(t, eris.Is(err, store.ErrLeaseHeld))
}

func TestRun_RejectsInteractiveSteps(t *testing.T) {
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)

	assert.Error(t, h.runner.Run(context.Background(), list.ID, model.StepSource))
	assert.Error(t, h.runner.Run(context.Background(), list.ID, model.StepReview))
}

func TestRun_OutOfOrder(t *testing.T) {
	h := newHarness(t, &fakeAI{responses: []string{"{}"}}, &fakeIndex{}, nil, nil)
	list := h.createList(t, "albums", parseHTML)

	err := h.runner.Run(context.Background(), list.ID, model.StepEnrich)
	assert.True(t, eris.Is(err, wizard.ErrOutOfOrder))
}
