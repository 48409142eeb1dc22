package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/jobs"
	"github.com/agentgate/agentgate/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Guard.RateLimit.MaxPerWindow = 1000
	cfg.Jobs.SweepInterval = "1h"
	return cfg
}

// allowLoopback opens the target policy to httptest servers while keeping
// it non-empty, so the built-in denylist defaults are not selected.
func allowLoopback(cfg *config.Config) {
	cfg.Guard.Target.BlockedHostnames = []string{"blocked.example"}
	cfg.Guard.Target.BlockedRanges = []string{"198.51.100.0/24"}
	cfg.Guard.Target.BlockedHostSuffixes = []string{".invalid"}
	cfg.Guard.Target.BlockedHostSubstrings = []string{"metadata"}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, logger, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.queue.Start()
	s.executor.Start(ctx)

	t.Cleanup(func() {
		cancel()
		_ = s.executor.Close()
		_ = s.queue.Close()
		_ = s.store.Close()
		_ = s.chain.Close()
		s.searcher.Close()
	})
	return s
}

func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mainServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func waitForStatus(t *testing.T, s *Server, jobID string, want jobs.Status) statusResponse {
	t.Helper()
	var last statusResponse
	require.Eventually(t, func() bool {
		rec := do(s, http.MethodGet, "/status?job_id="+jobID, nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decode[statusResponse](t, rec)
		return last.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s (last: %+v)", jobID, want, last)
	return last
}

func TestAvailability(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/availability", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[availabilityResponse](t, rec)
	assert.Equal(t, "available", resp.Status)
	assert.Equal(t, "agentgate", resp.Agent)
	assert.Equal(t, []string{"scrape", "task"}, resp.Capabilities)
}

func TestAvailabilityListsSearchWhenConfigured(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Search.URL = "http://search.example/v1"
	})
	rec := do(s, http.MethodGet, "/availability", nil, nil)
	resp := decode[availabilityResponse](t, rec)
	assert.Equal(t, []string{"search", "scrape", "task"}, resp.Capabilities)
}

func TestInputSchema(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/input_schema", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string]json.RawMessage](t, rec)
	assert.Len(t, all, 3)

	rec = do(s, http.MethodGet, "/input_schema?capability=search", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, one, "search")

	rec = do(s, http.MethodGet, "/input_schema?capability=nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartJobUnknownCapability(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/start_job", startJobRequest{Capability: "mine-bitcoin"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartJobSearchDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/start_job", startJobRequest{
		Capability: "search",
		Input:      json.RawMessage(`{"query":"go"}`),
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartJobFreeScrapeCompletes(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Hi</title></head><body><p>hello world</p></body></html>`))
	}))
	defer page.Close()

	s := newTestServer(t, allowLoopback)

	rec := do(s, http.MethodPost, "/start_job", startJobRequest{
		Capability: "scrape",
		Input:      json.RawMessage(fmt.Sprintf(`{"url":%q}`, page.URL)),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[startJobResponse](t, rec)
	require.NotEmpty(t, created.JobID)
	assert.Nil(t, created.Requirements)

	final := waitForStatus(t, s, created.JobID, jobs.StatusCompleted)
	assert.Contains(t, string(final.Result), "Hi")
}

func TestStartJobPaymentFlow(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer page.Close()

	s := newTestServer(t, func(cfg *config.Config) {
		allowLoopback(cfg)
		cfg.Payment.PriceAmount = 5
		cfg.Payment.PayToAddress = "addr_test1xyz"
	})

	// No payment reference: the job parks at awaiting_payment with the
	// requirements document.
	rec := do(s, http.MethodPost, "/start_job", startJobRequest{
		Capability: "scrape",
		Input:      json.RawMessage(fmt.Sprintf(`{"url":%q}`, page.URL)),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[startJobResponse](t, rec)
	assert.Equal(t, jobs.StatusAwaitingPayment, created.Status)
	require.NotNil(t, created.Requirements)
	assert.Equal(t, int64(5), created.Requirements.Amount)
	assert.Equal(t, created.JobID, created.Requirements.JobID)

	// Status keeps advertising the requirements while unpaid.
	rec = do(s, http.MethodGet, "/status?job_id="+created.JobID, nil, nil)
	st := decode[statusResponse](t, rec)
	require.NotNil(t, st.Requirements)

	// Paying starts the job (preprod bypass accepts any reference).
	rec = do(s, http.MethodPost, "/start_job", startJobRequest{JobID: created.JobID},
		map[string]string{payment.Header: "ref-123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	waitForStatus(t, s, created.JobID, jobs.StatusCompleted)

	// Paying twice conflicts.
	rec = do(s, http.MethodPost, "/start_job", startJobRequest{JobID: created.JobID},
		map[string]string{payment.Header: "ref-123"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartJobPaidUpfront(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer page.Close()

	s := newTestServer(t, func(cfg *config.Config) {
		allowLoopback(cfg)
		cfg.Payment.PriceAmount = 5
		cfg.Payment.PayToAddress = "addr_test1xyz"
	})

	rec := do(s, http.MethodPost, "/start_job", startJobRequest{
		Capability: "scrape",
		Input:      json.RawMessage(fmt.Sprintf(`{"url":%q}`, page.URL)),
	}, map[string]string{payment.Header: "ref-456"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[startJobResponse](t, rec)
	assert.Nil(t, created.Requirements)
	waitForStatus(t, s, created.JobID, jobs.StatusCompleted)
}

func TestStatusErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/status?job_id=not-a-ulid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodGet, "/status?job_id="+jobs.NewID(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskWorkerLifecycle(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Tasks.WorkerSecret = "worker-secret"
	})

	rec := do(s, http.MethodPost, "/task", taskRequest{Prompt: json.RawMessage(`"label this image"`)}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[startJobResponse](t, rec)

	waitForStatus(t, s, created.JobID, jobs.StatusAwaitingInput)

	token, err := s.workerAuth.IssueToken("worker-1", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec = do(s, http.MethodGet, "/worker/tasks", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[map[string][]map[string]any](t, rec)
	require.Len(t, listing["tasks"], 1)
	assert.Equal(t, created.JobID, listing["tasks"][0]["id"])

	rec = do(s, http.MethodPost, "/worker/tasks/claim", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(s, http.MethodPost, "/worker/tasks/complete", workerCompleteRequest{
		TaskID: created.JobID,
		Output: json.RawMessage(`{"label":"cat"}`),
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	final := waitForStatus(t, s, created.JobID, jobs.StatusCompleted)
	assert.JSONEq(t, `{"label":"cat"}`, string(final.Result))

	// Claiming again finds nothing.
	rec = do(s, http.MethodPost, "/worker/tasks/claim", nil, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvideInputResolvesTask(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodPost, "/task", taskRequest{Prompt: json.RawMessage(`"need a decision"`)}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[startJobResponse](t, rec)

	waitForStatus(t, s, created.JobID, jobs.StatusAwaitingInput)

	rec = do(s, http.MethodPost, "/provide_input", provideInputRequest{
		JobID: created.JobID,
		Input: json.RawMessage(`{"decision":"approve"}`),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	final := waitForStatus(t, s, created.JobID, jobs.StatusCompleted)
	assert.JSONEq(t, `{"decision":"approve"}`, string(final.Result))

	// The queued task is withdrawn.
	queued, claimed := s.queue.Depth()
	assert.Zero(t, queued+claimed)

	// Answering a finished job conflicts.
	rec = do(s, http.MethodPost, "/provide_input", provideInputRequest{
		JobID: created.JobID,
		Input: json.RawMessage(`{}`),
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkerEndpointsDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/worker/tasks", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScrapeDirectBlockedTarget(t *testing.T) {
	// Default target policy: loopback is an internal address.
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/scrape", map[string]string{"url": "http://127.0.0.1/secrets"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "target_blocked")
}

func TestScrapeDirect(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Doc</title></head><body><a href="/next">next</a></body></html>`))
	}))
	defer page.Close()

	s := newTestServer(t, allowLoopback)
	rec := do(s, http.MethodPost, "/scrape", map[string]string{"url": page.URL}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Doc")
}

func TestSearchDirect(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","snippet":"the language"}]}`))
	}))
	defer provider.Close()

	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Search.URL = provider.URL
	})

	rec := do(s, http.MethodPost, "/search", map[string]any{"query": "go"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "go.dev")
}

func TestSearchDirectDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/search", map[string]any{"query": "go"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDirectEndpointsRequirePayment(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Payment.PriceAmount = 5
		cfg.Payment.PayToAddress = "addr_test1xyz"
	})

	rec := do(s, http.MethodPost, "/scrape", map[string]string{"url": "http://example.com"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body paymentErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "payment_required", body.Error)
	assert.Equal(t, int64(5), body.Requirements.Amount)
}

func TestRateLimitAppliesToRoutes(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Guard.RateLimit.MaxPerWindow = 2
	})

	for range 2 {
		rec := do(s, http.MethodGet, "/availability", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(s, http.MethodGet, "/availability", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStartJobRejectsBadJSON(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/start_job", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	s.mainServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
