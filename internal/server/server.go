// Package server orchestrates agentgate's main API server and admin server.
// The main server exposes the marketplace job endpoints and the paid
// capability endpoints; the admin server exposes health checks, readiness
// probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/internal/agents"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/guard"
	"github.com/agentgate/agentgate/internal/jobs"
	"github.com/agentgate/agentgate/internal/middleware"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/payment"
	iredis "github.com/agentgate/agentgate/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the main agentgate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	chain           *middleware.Chain
	workerAuth      *middleware.WorkerAuth
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	emitter         *events.Emitter
	gate            *payment.Gate
	searcher        *agents.Searcher
	scraper         *agents.Scraper
	queue           *agents.TaskQueue
	store           jobs.Store
	executor        *jobs.Executor
	redisClient     iredis.Client // nil when the job store is in-memory.
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new agentgate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecure(cfg.Redis.TLS, logger)

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	chain, err := middleware.NewChain(cfg.Guard, metrics, emitter)
	if err != nil {
		return nil, fmt.Errorf("create middleware chain: %w", err)
	}

	gate, err := payment.NewGate(cfg.Payment, logger)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("create payment gate: %w", err)
	}
	gate.OnAccepted = metrics.IncPaymentAccepted
	gate.OnDenied = metrics.IncPaymentDenied

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		version:    version,
		chain:      chain,
		workerAuth: middleware.NewWorkerAuth(cfg.Tasks.WorkerSecret.Value()),
		health:     health,
		metrics:    metrics,
		emitter:    emitter,
		gate:       gate,
	}

	if err := s.buildCapabilities(); err != nil {
		chain.Close()
		return nil, err
	}
	if err := s.buildJobs(); err != nil {
		chain.Close()
		return nil, err
	}

	mainServer, h3srv := buildMainServer(cfg, chain.Wrap(s.routes()))
	s.mainServer = mainServer
	s.http3Server = h3srv
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// buildCapabilities constructs the search, scrape, and task agents from
// config and hooks them to the metrics counters.
func (s *Server) buildCapabilities() error {
	searcher, err := agents.NewSearcher(s.cfg.Search)
	if err != nil {
		return fmt.Errorf("create searcher: %w", err)
	}
	s.searcher = searcher

	validator, err := guard.NewValidator(guard.Policy{
		AllowedSchemes:        s.cfg.Guard.Target.AllowedSchemes,
		BlockedHostnames:      s.cfg.Guard.Target.BlockedHostnames,
		BlockedCIDRs:          s.cfg.Guard.Target.BlockedRanges,
		BlockedHostSuffixes:   s.cfg.Guard.Target.BlockedHostSuffixes,
		BlockedHostSubstrings: s.cfg.Guard.Target.BlockedHostSubstrings,
	})
	if err != nil {
		return fmt.Errorf("compile target policy: %w", err)
	}

	scraper, err := agents.NewScraper(s.cfg.Scrape, validator)
	if err != nil {
		return fmt.Errorf("create scraper: %w", err)
	}
	scraper.OnBlocked = s.metrics.IncTargetBlocked
	s.scraper = scraper

	claimTTL := config.MustParseDuration(s.cfg.Tasks.ClaimTTL, agents.DefaultClaimTTL)
	s.queue = agents.NewTaskQueue(s.cfg.Tasks.QueueSize, claimTTL)
	s.queue.OnExpired = func(task *agents.Task) {
		s.logger.Warn("task claim expired, requeued", "task_id", task.ID)
	}
	return nil
}

// buildJobs constructs the job store for the configured backend and the
// executor with one handler per capability.
func (s *Server) buildJobs() error {
	ttl := config.MustParseDuration(s.cfg.Jobs.TTL, jobs.DefaultTTL)

	switch s.cfg.Jobs.Backend {
	case config.JobsBackendRedis:
		client, err := iredis.NewClient(s.cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.redisClient = client
		rs := jobs.NewRedisStore(client, ttl, s.logger)
		s.health.SetStorePinger(rs)
		s.store = rs
	default:
		sweep := config.MustParseDuration(s.cfg.Jobs.SweepInterval, jobs.DefaultSweepInterval)
		ms := jobs.NewMemoryStore(ttl, sweep)
		ms.Start()
		s.store = ms
	}

	s.executor = jobs.NewExecutor(s.store, s.cfg.Jobs.MaxConcurrent, s.logger)
	s.executor.Register(jobs.CapabilitySearch, s.timed("search", s.runSearchJob))
	s.executor.Register(jobs.CapabilityScrape, s.timed("scrape", s.runScrapeJob))
	s.executor.Register(jobs.CapabilityTask, s.runTaskJob)
	s.executor.OnFinish = s.jobFinished
	return nil
}

// timed wraps a capability handler with an execution-latency observation.
func (s *Server) timed(name string, fn jobs.HandlerFunc) jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
		start := time.Now()
		defer func() {
			s.metrics.PromCapabilityDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}()
		return fn(ctx, job)
	}
}

// jobFinished records terminal job outcomes in metrics and usage events.
// Invoked by the executor and by the worker completion endpoint.
func (s *Server) jobFinished(job *jobs.Job) {
	s.metrics.IncJob(string(job.Capability), string(job.Status))
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.UsageEvent{
		Identity:   job.Identity,
		Decision:   events.DecisionAllowed,
		Capability: string(job.Capability),
		JobID:      job.ID,
		JobStatus:  string(job.Status),
		Paid:       job.PaymentRef != "",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				_ = h3srv.SetQUICHeaders(w.Header())
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the main and admin servers plus the background workers, and
// blocks until the context is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	s.queue.Start()
	s.executor.Start(ctx)
	go s.pollGauges(ctx)

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("agentgate is ready", "version", s.version, "agent", s.cfg.Agent.Name)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

// pollGauges periodically refreshes the gauges that mirror internal table
// sizes.
func (s *Server) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.PromTrackedIdentities.Set(float64(s.chain.TrackedIdentities()))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting",
		"address", s.cfg.Server.Address,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the guard configuration and TLS certificates without
// restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	if err := s.chain.Reload(newCfg.Guard); err != nil {
		return err
	}

	// Reload TLS certificates if TLS is enabled and cert files are configured.
	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.executor.Close(); err != nil {
		s.logger.Error("executor close error", "error", err)
	}
	if err := s.queue.Close(); err != nil {
		s.logger.Error("task queue close error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("job store close error", "error", err)
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.searcher.Close()

	if err := s.chain.Close(); err != nil {
		s.logger.Error("middleware chain close error", "error", err)
	}
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("event emitter close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
