// Package agents implements the paid capabilities: web search, web content
// scraping, and the human-in-the-loop task queue. Each capability exposes a
// job-executor handler plus the direct request/response types the HTTP
// layer uses.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/agentgate/agentgate/internal/config"
)

// ErrSearchDisabled is returned when no search provider is configured.
var ErrSearchDisabled = errors.New("search capability disabled")

// SearchRequest is the input document for the search capability.
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SearchResult is a single hit from the provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResponse is the result document for the search capability.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Cached  bool           `json:"cached,omitempty"`
}

// Memory budget for the search result cache (16 MiB). Entry cost is the
// serialized response size, so ristretto evicts by real memory.
const searchCacheMaxCost = 16 << 20

const defaultMaxResults = 5

// Searcher queries an external search provider with TTL result caching.
type Searcher struct {
	url        string
	apiKey     string
	maxResults int
	cacheTTL   time.Duration
	httpClient *http.Client
	cache      *ristretto.Cache[string, *SearchResponse]

	OnCacheHit  func()
	OnCacheMiss func()
}

// NewSearcher creates the search client. Returns nil when no provider URL
// is configured; callers treat a nil Searcher as a disabled capability.
func NewSearcher(cfg config.SearchConfig) (*Searcher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	timeout, err := config.ParseDuration(cfg.Timeout, 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid search timeout: %w", err)
	}
	cacheTTL, err := config.ParseDuration(cfg.CacheTTL, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid search cache_ttl: %w", err)
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	estimatedItems := searchCacheMaxCost / int64(unsafe.Sizeof(SearchResponse{}))
	cache, err := ristretto.NewCache(&ristretto.Config[string, *SearchResponse]{
		NumCounters: estimatedItems * 10,
		MaxCost:     searchCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &Searcher{
		url:        cfg.URL,
		apiKey:     cfg.APIKey.Value(),
		maxResults: maxResults,
		cacheTTL:   cacheTTL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
	}, nil
}

// cacheKey normalizes the query so trivially different spellings share an
// entry.
func cacheKey(query string, maxResults int) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(strings.Join(strings.Fields(query), " ")), maxResults)
}

// Search runs one query, serving from cache when possible.
func (s *Searcher) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if s == nil {
		return nil, ErrSearchDisabled
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("empty query")
	}
	max := req.MaxResults
	if max <= 0 || max > s.maxResults {
		max = s.maxResults
	}

	key := cacheKey(query, max)
	if cached, found := s.cache.Get(key); found {
		if s.OnCacheHit != nil {
			s.OnCacheHit()
		}
		out := *cached
		out.Cached = true
		return &out, nil
	}
	if s.OnCacheMiss != nil {
		s.OnCacheMiss()
	}

	resp, err := s.query(ctx, query, max)
	if err != nil {
		return nil, err
	}

	cost := int64(len(resp.Query))
	for _, r := range resp.Results {
		cost += int64(len(r.Title) + len(r.URL) + len(r.Snippet))
	}
	s.cache.SetWithTTL(key, resp, cost, s.cacheTTL)

	return resp, nil
}

// providerRequest and providerResponse mirror the provider's wire format.
type providerRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type providerResponse struct {
	Results []SearchResult `json:"results"`
}

func (s *Searcher) query(ctx context.Context, query string, max int) (*SearchResponse, error) {
	body, err := json.Marshal(providerRequest{Query: query, MaxResults: max})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider status %d", resp.StatusCode)
	}

	var parsed providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	if len(parsed.Results) > max {
		parsed.Results = parsed.Results[:max]
	}

	return &SearchResponse{Query: query, Results: parsed.Results}, nil
}

// Close releases the result cache. Safe to call on a nil Searcher.
func (s *Searcher) Close() {
	if s != nil && s.cache != nil {
		s.cache.Close()
	}
}
