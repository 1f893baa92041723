package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/resilience"
)

// Document is an indexed entity record.
type Document struct {
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name"`
	Contributors []string `json:"contributors,omitempty"`
	Year         int      `json:"year,omitempty"`
	ExternalID   string   `json:"external_id,omitempty"`
}

// Hit is a scored search result.
type Hit struct {
	Score    float64
	Document Document
}

// Client defines the search index operations the resolver and the
// import stage need.
type Client interface {
	// Search runs a query against an index and returns scored hits,
	// best first.
	Search(ctx context.Context, index string, q Query, size int) ([]Hit, error)
	// Index upserts documents keyed by entity id.
	Index(ctx context.Context, index string, docs []Document) error
	// Delete removes documents by entity id. Missing ids are ignored.
	Delete(ctx context.Context, index string, entityIDs []string) error
}

// Option configures the search client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey authenticates requests with an API key header.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a search index client for the given base URL.
func NewClient(baseURL string, opts ...Option) Client {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("search", "request")

	c := &httpClient{
		baseURL: baseURL,
		retry:   retry,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryDo executes a request with exponential backoff on transient
// failures. Search index errors are infrastructure errors: callers
// treat them as stage-aborting, never as per-item misses.
func (c *httpClient) retryDo(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, eris.Wrap(err, "search: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "ApiKey "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "search: request"), 0)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "search: read response body"), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resilience.Infra(eris.Errorf("search: status %d: %s", resp.StatusCode, string(respBody)), resp.StatusCode)
		}
		return respBody, nil
	})
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *httpClient) Search(ctx context.Context, index string, q Query, size int) ([]Hit, error) {
	payload, err := json.Marshal(map[string]any{
		"query": q.Map(),
		"size":  size,
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: marshal query")
	}

	body, err := c.retryDo(ctx, http.MethodPost, fmt.Sprintf("%s/%s/_search", c.baseURL, index), payload)
	if err != nil {
		return nil, err
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Infra(eris.Wrap(err, "search: unmarshal response"), 0)
	}

	hits := make([]Hit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		var doc Document
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			return nil, resilience.Infra(eris.Wrap(err, "search: unmarshal hit"), 0)
		}
		hits = append(hits, Hit{Score: h.Score, Document: doc})
	}
	return hits, nil
}

func (c *httpClient) Index(ctx context.Context, index string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(map[string]any{
			"index": map[string]any{"_index": index, "_id": doc.EntityID},
		}); err != nil {
			return eris.Wrap(err, "search: encode bulk action")
		}
		if err := enc.Encode(doc); err != nil {
			return eris.Wrap(err, "search: encode bulk document")
		}
	}

	return c.bulk(ctx, buf.Bytes())
}

func (c *httpClient) Delete(ctx context.Context, index string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range entityIDs {
		if err := enc.Encode(map[string]any{
			"delete": map[string]any{"_index": index, "_id": id},
		}); err != nil {
			return eris.Wrap(err, "search: encode bulk action")
		}
	}

	return c.bulk(ctx, buf.Bytes())
}

func (c *httpClient) bulk(ctx context.Context, payload []byte) error {
	body, err := c.retryDo(ctx, http.MethodPost, c.baseURL+"/_bulk", payload)
	if err != nil {
		return err
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return resilience.Infra(eris.Wrap(err, "search: unmarshal bulk response"), 0)
	}
	if result.Errors {
		return resilience.Infra(eris.New("search: bulk request reported item errors"), 0)
	}
	return nil
}
