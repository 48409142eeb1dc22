package agents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// permissiveValidator blocks only a documentation range so httptest servers
// on loopback are reachable.
func permissiveValidator(t *testing.T) *guard.Validator {
	t.Helper()
	v, err := guard.NewValidator(guard.Policy{
		AllowedSchemes:        []string{"http", "https"},
		BlockedHostnames:      []string{"blocked.example"},
		BlockedCIDRs:          []string{"198.51.100.0/24"},
		BlockedHostSuffixes:   []string{".blocked-suffix"},
		BlockedHostSubstrings: []string{"zz-never-match"},
	})
	require.NoError(t, err)
	return v
}

func newScraper(t *testing.T, cfg config.ScrapeConfig, v *guard.Validator) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg, v)
	require.NoError(t, err)
	return s
}

func TestScrapeExtractsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Test Page</title>
			<script>ignore_me()</script></head>
			<body><p>Hello world.</p>
			<a href="/relative">rel</a>
			<a href="https://example.com/abs">abs</a>
			<a href="mailto:x@example.com">mail</a>
			</body></html>`))
	}))
	defer srv.Close()

	s := newScraper(t, config.ScrapeConfig{}, permissiveValidator(t))
	resp, err := s.Scrape(context.Background(), &ScrapeRequest{URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Test Page", resp.Title)
	assert.Contains(t, resp.Text, "Hello world.")
	assert.NotContains(t, resp.Text, "ignore_me")
	assert.Contains(t, resp.Links, srv.URL+"/relative")
	assert.Contains(t, resp.Links, "https://example.com/abs")
	assert.Len(t, resp.Links, 2)
	assert.False(t, resp.Truncated)
}

func TestScrapePlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("just text"))
	}))
	defer srv.Close()

	s := newScraper(t, config.ScrapeConfig{}, permissiveValidator(t))
	resp, err := s.Scrape(context.Background(), &ScrapeRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "just text", resp.Text)
	assert.Empty(t, resp.Title)
}

func TestScrapeTruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	defer srv.Close()

	s := newScraper(t, config.ScrapeConfig{MaxBodySize: 1024}, permissiveValidator(t))
	resp, err := s.Scrape(context.Background(), &ScrapeRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Text, 1024)
}

func TestScrapeRejectsUnsafeTarget(t *testing.T) {
	var blockedReason string
	s := newScraper(t, config.ScrapeConfig{}, permissiveValidator(t))
	s.OnBlocked = func(reason string) { blockedReason = reason }

	_, err := s.Scrape(context.Background(), &ScrapeRequest{URL: "http://blocked.example/"})
	var ute *guard.UnsafeTargetError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, guard.ReasonBlockedHost, ute.Reason)
	assert.Equal(t, guard.ReasonBlockedHost, blockedReason)
}

func TestScrapeDefaultPolicyBlocksLoopback(t *testing.T) {
	v, err := guard.NewValidator(guard.Policy{})
	require.NoError(t, err)

	s := newScraper(t, config.ScrapeConfig{}, v)
	_, err = s.Scrape(context.Background(), &ScrapeRequest{URL: "http://127.0.0.1:9/"})
	var ute *guard.UnsafeTargetError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, guard.ReasonInternalAddress, ute.Reason)
}

func TestScrapeChecksRedirectTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://blocked.example/", http.StatusFound)
	}))
	defer srv.Close()

	s := newScraper(t, config.ScrapeConfig{}, permissiveValidator(t))
	_, err := s.Scrape(context.Background(), &ScrapeRequest{URL: srv.URL})
	require.Error(t, err)

	var ute *guard.UnsafeTargetError
	assert.ErrorAs(t, err, &ute)
}

func TestScrapeDialBlocksResolvedAddress(t *testing.T) {
	// The literal host passes the pattern check, but resolution lands in a
	// blocked range and the dial must refuse it.
	v, err := guard.NewValidator(guard.Policy{
		BlockedCIDRs: []string{"127.0.0.0/8", "::1/128"},
	})
	require.NoError(t, err)

	s := newScraper(t, config.ScrapeConfig{}, v)
	var blocked bool
	s.OnBlocked = func(string) { blocked = true }

	_, err = s.Scrape(context.Background(), &ScrapeRequest{URL: "http://localtest.me:9/"})
	if err == nil {
		t.Skip("localtest.me did not resolve to loopback in this environment")
	}
	if !errors.Is(err, ErrBlockedAddress) {
		t.Skipf("resolution unavailable: %v", err)
	}
	assert.True(t, blocked)
}

func TestScrapeSendsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	s := newScraper(t, config.ScrapeConfig{UserAgent: "agentgate-test/9"}, permissiveValidator(t))
	_, err := s.Scrape(context.Background(), &ScrapeRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "agentgate-test/9", gotUA)
}
