// Package middleware implements the request processing pipeline for
// agentgate: request-ID correlation → identity extraction → rate-limit
// admission → (for paid routes) payment gating → handler. Each stage writes
// its own structured JSON error on rejection.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/guard"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/payment"
)

var tracer = otel.Tracer("agentgate.middleware")

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Chain wraps handlers with the admission pipeline. The limiter and
// identity extractor are swapped atomically on config reload; requests in
// flight keep the instances they started with.
type Chain struct {
	metrics *observability.Metrics
	emitter *events.Emitter
	clock   func() time.Time

	mu        sync.RWMutex
	limiter   *guard.Limiter
	extractor *IdentityExtractor
}

// NewChain builds the admission pipeline from config.
func NewChain(cfg config.GuardConfig, metrics *observability.Metrics, emitter *events.Emitter) (*Chain, error) {
	limiter, extractor, err := buildGuard(cfg)
	if err != nil {
		return nil, err
	}
	limiter.Start()

	return &Chain{
		metrics:   metrics,
		emitter:   emitter,
		clock:     time.Now,
		limiter:   limiter,
		extractor: extractor,
	}, nil
}

func buildGuard(cfg config.GuardConfig) (*guard.Limiter, *IdentityExtractor, error) {
	window, err := config.ParseDuration(cfg.RateLimit.Window, guard.DefaultWindow)
	if err != nil {
		return nil, nil, err
	}
	max := cfg.RateLimit.MaxPerWindow
	if max <= 0 {
		max = guard.DefaultMaxPerWindow
	}
	extractor, err := NewIdentityExtractor(cfg.RateLimit.TrustedProxies, cfg.RateLimit.TrustedIPDepth)
	if err != nil {
		return nil, nil, err
	}
	return guard.NewLimiter(window, max), extractor, nil
}

// Reload swaps in a limiter and extractor built from the new config. The
// old limiter's counters are discarded, so every identity starts a fresh
// window after a reload.
func (c *Chain) Reload(cfg config.GuardConfig) error {
	limiter, extractor, err := buildGuard(cfg)
	if err != nil {
		return err
	}
	limiter.Start()

	c.mu.Lock()
	old := c.limiter
	c.limiter = limiter
	c.extractor = extractor
	c.mu.Unlock()

	old.Close()
	return nil
}

// Close stops the limiter's sweep goroutine.
func (c *Chain) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.limiter.Close()
	return nil
}

// TrackedIdentities returns the limiter's table size. Wired to a gauge.
func (c *Chain) TrackedIdentities() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiter.Len()
}

// Wrap applies request-ID correlation, identity extraction, and rate-limit
// admission to the handler.
func (c *Chain) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		// Propagate or generate X-Request-Id for request correlation.
		// Validate client-supplied IDs to prevent CRLF injection and log
		// pollution.
		reqID := r.Header.Get(RequestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
			r.Header.Set(RequestIDHeader, reqID)
		}
		sw.Header().Set(RequestIDHeader, reqID)

		defer func() {
			c.metrics.PromRequestDuration.WithLabelValues(
				r.Method,
				strconv.Itoa(sw.code),
			).Observe(time.Since(start).Seconds())
			sw.ResponseWriter = nil // prevent dangling reference
			statusWriterPool.Put(sw)
		}()

		c.mu.RLock()
		limiter := c.limiter
		extractor := c.extractor
		c.mu.RUnlock()

		identity := extractor.Extract(r)

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		ctx = context.WithValue(ctx, identityKey, identity)
		ctx, span := tracer.Start(ctx, "agentgate.admit")
		span.SetAttributes(attribute.String("identity", identity))
		r = r.WithContext(ctx)

		decision := limiter.Admit(identity, c.clock())
		span.SetAttributes(attribute.Bool("admitted", decision.Allowed))
		span.End()

		if !decision.Allowed {
			c.metrics.IncRateLimited()
			c.emit(r, identity, events.DecisionRateLimited, http.StatusTooManyRequests)
			serveRateLimited(sw, decision.RetryAfter)
			return
		}

		c.metrics.IncAdmitted()
		next.ServeHTTP(sw, r)
	})
}

func serveRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	WriteJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", float64(seconds))
}

// RequirePayment gates a paid capability route. Missing payment yields 402
// with the payment-requirements document; a rejected or unverifiable
// payment yields 402 with a distinct error type.
func (c *Chain) RequirePayment(gate *payment.Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFrom(r.Context())
		err := gate.Check(r.Context(), r.Header.Get(payment.Header), identity, "")
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		c.emit(r, identity, events.DecisionPaymentDenied, http.StatusPaymentRequired)
		switch {
		case errors.Is(err, payment.ErrPaymentRequired):
			writePaymentRequired(w, gate, "payment_required", "payment reference required")
		default:
			writePaymentRequired(w, gate, "payment_invalid", "payment could not be verified")
		}
	})
}

// paymentErrorResponse extends the standard error body with the
// requirements document a buyer needs to settle the invocation.
type paymentErrorResponse struct {
	Error        string               `json:"error"`
	Message      string               `json:"message"`
	RequestID    string               `json:"request_id,omitempty"`
	Requirements payment.Requirements `json:"requirements"`
}

func writePaymentRequired(w http.ResponseWriter, gate *payment.Gate, errType, message string) {
	writeJSON(w, http.StatusPaymentRequired, paymentErrorResponse{
		Error:        errType,
		Message:      message,
		RequestID:    w.Header().Get(RequestIDHeader),
		Requirements: gate.Requirements(""),
	})
}

func (c *Chain) emit(r *http.Request, identity, decision string, status int) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(events.UsageEvent{
		Identity:   identity,
		Method:     r.Method,
		Path:       r.URL.Path,
		Decision:   decision,
		StatusCode: status,
		Timestamp:  c.clock().UTC().Format(time.RFC3339),
		RequestID:  r.Header.Get(RequestIDHeader),
	})
}
