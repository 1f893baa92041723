// Package igdb provides a client for the IGDB API, used as the
// external catalog for games.
package igdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/resilience"
)

// Client defines the IGDB operations used by the resolver and the
// import framework.
type Client interface {
	// SearchGames searches games by name, best match first.
	SearchGames(ctx context.Context, name string, limit int) ([]Game, error)
	// GetGame looks up one game by IGDB id.
	GetGame(ctx context.Context, id int64) (*Game, error)
}

// Company is a development or publishing company.
type Company struct {
	Name string `json:"name"`
}

// InvolvedCompany links a game to a company with its role.
type InvolvedCompany struct {
	Company   Company `json:"company"`
	Developer bool    `json:"developer"`
}

// Game is an IGDB game record.
type Game struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	FirstReleaseDate  int64             `json:"first_release_date"`
	InvolvedCompanies []InvolvedCompany `json:"involved_companies"`
}

// Developers returns the names of companies credited as developers.
func (g Game) Developers() []string {
	var names []string
	for _, ic := range g.InvolvedCompanies {
		if ic.Developer {
			names = append(names, ic.Company.Name)
		}
	}
	return names
}

// Year extracts the first release year, 0 when unknown.
func (g Game) Year() int {
	if g.FirstReleaseDate == 0 {
		return 0
	}
	return time.Unix(g.FirstReleaseDate, 0).UTC().Year()
}

// ErrNotFound is returned for lookups of ids that don't exist.
var ErrNotFound = eris.New("igdb: not found")

// Option configures the IGDB client.
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

type httpClient struct {
	baseURL  string
	clientID string
	token    string
	http     *http.Client
	retry    resilience.RetryConfig
}

// NewClient creates an IGDB client. Requests authenticate with a
// Twitch client id and an app access token.
func NewClient(clientID, token string, opts ...Option) Client {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("igdb", "query")

	c := &httpClient{
		baseURL:  "https://api.igdb.com/v4",
		clientID: clientID,
		token:    token,
		retry:    retry,
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

const gameFields = "fields id,name,first_release_date,involved_companies.developer,involved_companies.company.name;"

// query posts one Apicalypse request with retries on transient
// failures. Non-200 responses are classified as infrastructure, so an
// API outage aborts the calling stage instead of reading as a miss.
func (c *httpClient) query(ctx context.Context, endpoint, body string) ([]Game, error) {
	respBody, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+endpoint, strings.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "igdb: create request")
		}
		req.Header.Set("Client-ID", c.clientID)
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "igdb: request"), 0)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "igdb: read response body"), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.Infra(eris.Errorf("igdb: status %d: %s", resp.StatusCode, string(respBody)), resp.StatusCode)
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}

	var games []Game
	if err := json.Unmarshal(respBody, &games); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "igdb: unmarshal response"), 0)
	}
	return games, nil
}

func (c *httpClient) SearchGames(ctx context.Context, name string, limit int) ([]Game, error) {
	body := fmt.Sprintf("%s search %q; limit %d;", gameFields, name, limit)
	return c.query(ctx, "/games", body)
}

func (c *httpClient) GetGame(ctx context.Context, id int64) (*Game, error) {
	body := fmt.Sprintf("%s where id = %d;", gameFields, id)
	games, err := c.query(ctx, "/games", body)
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "game %d", id)
	}
	return &games[0], nil
}
