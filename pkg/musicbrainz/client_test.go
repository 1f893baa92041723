package musicbrainz

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rankforge/listwizard/internal/resilience"
)

func testClient(url string) Client {
	return NewClient("listwizard-test/0.1", WithBaseURL(url), WithRateLimit(rate.Inf))
}

func TestSearchReleaseGroups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/release-group", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("fmt"))
		assert.Equal(t, `releasegroup:"Rumours" AND artist:"Fleetwood Mac"`, r.URL.Query().Get("query"))
		assert.Contains(t, r.Header.Get("User-Agent"), "listwizard")

		io.WriteString(w, `{"release-groups":[
			{"id":"rg-1","title":"Rumours","primary-type":"Album","first-release-date":"1977-02-04",
			 "artist-credit":[{"name":"Fleetwood Mac"}],"score":100}
		]}`)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).SearchReleaseGroups(context.Background(), "Rumours", "Fleetwood Mac", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rg-1", got[0].ID)
	assert.Equal(t, []string{"Fleetwood Mac"}, got[0].Artists())
	assert.Equal(t, 1977, got[0].Year())
}

func TestSearchRecordings_TitleOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recording", r.URL.Path)
		assert.Equal(t, `recording:"Dreams"`, r.URL.Query().Get("query"))
		io.WriteString(w, `{"recordings":[{"id":"rec-1","title":"Dreams","score":98}]}`)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).SearchRecordings(context.Background(), "Dreams", "", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rec-1", got[0].ID)
	assert.Zero(t, got[0].Year())
}

func TestGetReleaseGroup_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"Not Found"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetReleaseGroup(context.Background(), "missing-mbid")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestBrowseReleaseGroups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "artist-1", r.URL.Query().Get("artist"))
		assert.Equal(t, "album", r.URL.Query().Get("type"))
		io.WriteString(w, `{"release-groups":[{"id":"rg-1","title":"Tusk"},{"id":"rg-2","title":"Mirage"}]}`)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).BrowseReleaseGroups(context.Background(), "artist-1", 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGet_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"release-groups":[{"id":"rg-1","title":"Tusk"}]}`)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).SearchReleaseGroups(context.Background(), "Tusk", "", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_ServerErrorIsInfra(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"bad query"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SearchReleaseGroups(context.Background(), "x", "", 1)
	require.Error(t, err)
	assert.True(t, resilience.IsInfra(err), "an unexpected status must not read as a catalog miss")
	assert.Equal(t, int32(1), calls.Load(), "a 4xx is not retried")
}

func TestLuceneEscape(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `What's Going On\?`, luceneEscape(`What's Going On?`))
	assert.Equal(t, `AC\/DC`, luceneEscape(`AC/DC`))
}
