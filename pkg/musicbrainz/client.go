// Package musicbrainz provides a client for the MusicBrainz web
// service, used as the external catalog for albums and songs.
package musicbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/rankforge/listwizard/internal/resilience"
)

// Client defines the MusicBrainz operations used by the resolver and
// the import framework.
type Client interface {
	// SearchReleaseGroups searches release groups (albums) by title,
	// optionally constrained by artist name.
	SearchReleaseGroups(ctx context.Context, title, artist string, limit int) ([]ReleaseGroup, error)
	// SearchRecordings searches recordings (songs) by title, optionally
	// constrained by artist name.
	SearchRecordings(ctx context.Context, title, artist string, limit int) ([]Recording, error)
	// GetReleaseGroup looks up one release group by MBID.
	GetReleaseGroup(ctx context.Context, mbid string) (*ReleaseGroup, error)
	// BrowseReleaseGroups lists the release groups credited to an
	// artist, for importing an artist's catalog in one pass.
	BrowseReleaseGroups(ctx context.Context, artistMBID string, limit int) ([]ReleaseGroup, error)
}

// ArtistCredit is one credited artist on a recording or release group.
type ArtistCredit struct {
	Name string `json:"name"`
}

// ReleaseGroup is a MusicBrainz release group (an album across its
// editions).
type ReleaseGroup struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	PrimaryType      string         `json:"primary-type"`
	FirstReleaseDate string         `json:"first-release-date"`
	ArtistCredit     []ArtistCredit `json:"artist-credit"`
	Score            int            `json:"score"`
}

// Recording is a MusicBrainz recording (a song).
type Recording struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	FirstReleaseDate string         `json:"first-release-date"`
	ArtistCredit     []ArtistCredit `json:"artist-credit"`
	Score            int            `json:"score"`
}

// Artists joins the credited artist names.
func (r ReleaseGroup) Artists() []string { return creditNames(r.ArtistCredit) }

// Artists joins the credited artist names.
func (r Recording) Artists() []string { return creditNames(r.ArtistCredit) }

// Year extracts the release year, 0 when unknown.
func (r ReleaseGroup) Year() int { return dateYear(r.FirstReleaseDate) }

// Year extracts the release year, 0 when unknown.
func (r Recording) Year() int { return dateYear(r.FirstReleaseDate) }

func creditNames(credits []ArtistCredit) []string {
	names := make([]string, 0, len(credits))
	for _, c := range credits {
		names = append(names, c.Name)
	}
	return names
}

func dateYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	var year int
	if _, err := fmt.Sscanf(date[:4], "%d", &year); err != nil {
		return 0
	}
	return year
}

// Option configures the MusicBrainz client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the request rate (for testing).
func WithRateLimit(l rate.Limit) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(l, 1)
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
}

// NewClient creates a MusicBrainz client. The service requires a
// descriptive User-Agent and allows one request per second.
func NewClient(userAgent string, opts ...Option) Client {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("musicbrainz", "get")

	c := &httpClient{
		baseURL:   "https://musicbrainz.org/ws/2",
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		retry:     retry,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get performs one rate-limited request with retries on transient
// failures. Everything except a 404 is classified as infrastructure,
// so a catalog outage aborts the calling stage instead of reading as
// "not in the catalog".
func (c *httpClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	query.Set("fmt", "json")
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "musicbrainz: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "musicbrainz: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: request"), 0)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: read response body"), resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.Infra(eris.Errorf("musicbrainz: status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
		}
		return body, nil
	})
}

// ErrNotFound is returned for lookups of MBIDs that don't exist.
var ErrNotFound = eris.New("musicbrainz: not found")

// luceneEscape escapes characters with meaning in the search syntax.
func luceneEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`+-&|!(){}[]^"~*?:\/`, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func searchQuery(field, title, artist string) string {
	q := fmt.Sprintf(`%s:"%s"`, field, luceneEscape(title))
	if artist != "" {
		q += fmt.Sprintf(` AND artist:"%s"`, luceneEscape(artist))
	}
	return q
}

func (c *httpClient) SearchReleaseGroups(ctx context.Context, title, artist string, limit int) ([]ReleaseGroup, error) {
	query := url.Values{}
	query.Set("query", searchQuery("releasegroup", title, artist))
	query.Set("limit", fmt.Sprint(limit))

	body, err := c.get(ctx, "/release-group", query)
	if err != nil {
		return nil, err
	}

	var result struct {
		ReleaseGroups []ReleaseGroup `json:"release-groups"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: unmarshal release group search"), 0)
	}
	return result.ReleaseGroups, nil
}

func (c *httpClient) SearchRecordings(ctx context.Context, title, artist string, limit int) ([]Recording, error) {
	query := url.Values{}
	query.Set("query", searchQuery("recording", title, artist))
	query.Set("limit", fmt.Sprint(limit))

	body, err := c.get(ctx, "/recording", query)
	if err != nil {
		return nil, err
	}

	var result struct {
		Recordings []Recording `json:"recordings"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: unmarshal recording search"), 0)
	}
	return result.Recordings, nil
}

func (c *httpClient) GetReleaseGroup(ctx context.Context, mbid string) (*ReleaseGroup, error) {
	query := url.Values{}
	query.Set("inc", "artist-credits")

	body, err := c.get(ctx, "/release-group/"+url.PathEscape(mbid), query)
	if err != nil {
		return nil, err
	}

	var rg ReleaseGroup
	if err := json.Unmarshal(body, &rg); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: unmarshal release group"), 0)
	}
	return &rg, nil
}

func (c *httpClient) BrowseReleaseGroups(ctx context.Context, artistMBID string, limit int) ([]ReleaseGroup, error) {
	query := url.Values{}
	query.Set("artist", artistMBID)
	query.Set("type", "album")
	query.Set("limit", fmt.Sprint(limit))

	body, err := c.get(ctx, "/release-group", query)
	if err != nil {
		return nil, err
	}

	var result struct {
		ReleaseGroups []ReleaseGroup `json:"release-groups"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "musicbrainz: unmarshal release group browse"), 0)
	}
	return result.ReleaseGroups, nil
}
