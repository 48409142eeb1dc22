// Package payment gates paid capability invocations. It produces the
// payment-requirements document returned alongside 402 responses and unpaid
// jobs, and verifies submitted payment references against an external
// facilitator service over HTTP.
//
// Verification is fail-closed: when a facilitator is configured, a paid
// action never executes on a failed or unreachable verify. On the preprod
// test network without a facilitator, any non-empty payment reference is
// accepted; that bypass is logged as insecure on every use.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/config"
)

// Header carries the payment reference on capability and job requests.
const Header = "X-Payment-Reference"

// Sentinel errors callers map to HTTP statuses.
var (
	// ErrPaymentRequired means no payment reference was presented.
	ErrPaymentRequired = errors.New("payment required")

	// ErrPaymentInvalid means the facilitator rejected the reference.
	ErrPaymentInvalid = errors.New("payment not verified")

	// ErrCircuitOpen is returned when the facilitator circuit breaker is
	// open and the call is short-circuited without contacting it.
	ErrCircuitOpen = errors.New("facilitator circuit breaker is open")
)

// Circuit breaker defaults for the facilitator.
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// circuitBreaker protects the facilitator from cascading failures. After
// `threshold` consecutive failures it opens and short-circuits all calls
// for `resetTimeout`, then lets a single probe through (half-open state).
// Verification stays fail-closed while the circuit is open.
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	open         bool
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		threshold:    defaultCBThreshold,
		resetTimeout: defaultCBResetTimeout,
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	// Half-open: allow a probe if enough time has passed.
	return time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.open = true
		cb.openUntil = time.Now().Add(cb.resetTimeout)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

// Requirements is the payment-requirements document a buyer needs to settle
// an invocation. Returned in 402 bodies and on unpaid job creation.
type Requirements struct {
	Network string `json:"network"`
	Amount  int64  `json:"amount"`
	Unit    string `json:"unit"`
	PayTo   string `json:"pay_to_address"`
	JobID   string `json:"job_id,omitempty"`
}

// VerifyRequest is the document sent to the facilitator.
type VerifyRequest struct {
	PaymentRef string `json:"payment_ref"`
	Network    string `json:"network"`
	Amount     int64  `json:"amount"`
	Unit       string `json:"unit"`
	PayTo      string `json:"pay_to_address"`
	JobID      string `json:"job_id,omitempty"`
	Identity   string `json:"identity,omitempty"`
}

// VerifyResponse is the facilitator's verdict.
type VerifyResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Client calls the external payment facilitator.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	cb         *circuitBreaker
}

// NewClient creates a facilitator client. Returns nil when no facilitator
// URL is configured.
func NewClient(cfg config.PaymentConfig) (*Client, error) {
	if cfg.FacilitatorURL == "" {
		return nil, nil
	}
	timeout, err := config.ParseDuration(cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid payment timeout: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // The facilitator is a single host.
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		url:        cfg.FacilitatorURL,
		apiKey:     cfg.APIKey.Value(),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		cb:         newCircuitBreaker(),
	}, nil
}

// Verify asks the facilitator whether the payment reference settles the
// given requirements. A non-2xx response or transport error is an error;
// callers treat any error as not-verified.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	if c.cb.isOpen() {
		return nil, ErrCircuitOpen
	}

	resp, err := c.verifyHTTP(ctx, req)
	if err != nil {
		c.cb.recordFailure()
		return nil, err
	}
	c.cb.recordSuccess()
	return resp, nil
}

func (c *Client) verifyHTTP(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("facilitator request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator status %d", resp.StatusCode)
	}

	var out VerifyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse verify response: %w", err)
	}
	return &out, nil
}

// Gate decides whether a paid invocation may proceed.
type Gate struct {
	network config.Network
	amount  int64
	unit    string
	payTo   string
	client  *Client
	logger  *slog.Logger

	OnAccepted func()
	OnDenied   func()
}

// NewGate creates the payment gate from config. Config validation has
// already required a facilitator URL and pay-to address on mainnet.
func NewGate(cfg config.PaymentConfig, logger *slog.Logger) (*Gate, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		network: cfg.Network,
		amount:  cfg.PriceAmount,
		unit:    cfg.PriceUnit,
		payTo:   cfg.PayToAddress,
		client:  client,
		logger:  logger,
	}, nil
}

// Free reports whether invocations are unpriced and need no payment.
func (g *Gate) Free() bool { return g.amount <= 0 }

// Requirements returns the payment-requirements document, optionally bound
// to a job id.
func (g *Gate) Requirements(jobID string) Requirements {
	return Requirements{
		Network: string(g.network),
		Amount:  g.amount,
		Unit:    g.unit,
		PayTo:   g.payTo,
		JobID:   jobID,
	}
}

// Check verifies a payment reference for one invocation. Returns nil when
// the invocation may proceed, ErrPaymentRequired when no reference was
// presented, and ErrPaymentInvalid (possibly wrapped with the transport
// failure) otherwise.
func (g *Gate) Check(ctx context.Context, paymentRef, identity, jobID string) error {
	if g.Free() {
		return nil
	}
	if paymentRef == "" {
		g.deny()
		return ErrPaymentRequired
	}

	if g.client == nil {
		// Only reachable on the preprod test network.
		g.logger.Warn("INSECURE: accepting unverified payment reference; "+
			"preprod network has no facilitator configured",
			"identity", identity,
			"job_id", jobID,
		)
		g.accept()
		return nil
	}

	resp, err := g.client.Verify(ctx, &VerifyRequest{
		PaymentRef: paymentRef,
		Network:    string(g.network),
		Amount:     g.amount,
		Unit:       g.unit,
		PayTo:      g.payTo,
		JobID:      jobID,
		Identity:   identity,
	})
	if err != nil {
		g.deny()
		return fmt.Errorf("%w: %w", ErrPaymentInvalid, err)
	}
	if !resp.Verified {
		g.deny()
		g.logger.Info("payment rejected by facilitator",
			"identity", identity,
			"job_id", jobID,
			"reason", resp.Reason,
		)
		return ErrPaymentInvalid
	}

	g.accept()
	return nil
}

func (g *Gate) accept() {
	if g.OnAccepted != nil {
		g.OnAccepted()
	}
}

func (g *Gate) deny() {
	if g.OnDenied != nil {
		g.OnDenied()
	}
}
