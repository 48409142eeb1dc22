// Package config handles loading and validation of agentgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// AGENTGATE_ prefix:
//
//	server.address → AGENTGATE_SERVER_ADDRESS
//	guard.rate_limit.max_per_window → AGENTGATE_GUARD_RATE_LIMIT_MAX_PER_WINDOW
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via AGENTGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/agentgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// Network identifies the payment network the service settles on. Preprod is
// the test network: payment verification is bypassed there (any non-empty
// payment header is accepted) and the bypass is logged loudly.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkPreprod Network = "preprod"
)

func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkPreprod, "":
		return true
	}
	return false
}

// JobsBackend selects where job state lives.
type JobsBackend string

const (
	JobsBackendMemory JobsBackend = "memory"
	JobsBackendRedis  JobsBackend = "redis"
)

func (b JobsBackend) Valid() bool {
	switch b {
	case JobsBackendMemory, JobsBackendRedis, "":
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level agentgate configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"   envPrefix:"AGENT_"`
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Admin   AdminConfig   `yaml:"admin"   envPrefix:"ADMIN_"`
	Guard   GuardConfig   `yaml:"guard"   envPrefix:"GUARD_"`
	Search  SearchConfig  `yaml:"search"  envPrefix:"SEARCH_"`
	Scrape  ScrapeConfig  `yaml:"scrape"  envPrefix:"SCRAPE_"`
	Tasks   TasksConfig   `yaml:"tasks"   envPrefix:"TASKS_"`
	Payment PaymentConfig `yaml:"payment" envPrefix:"PAYMENT_"`
	Jobs    JobsConfig    `yaml:"jobs"    envPrefix:"JOBS_"`
	Redis   RedisConfig   `yaml:"redis"   envPrefix:"REDIS_"`
	Events  EventsConfig  `yaml:"events"  envPrefix:"EVENTS_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// AgentConfig identifies this agent to the marketplace.
type AgentConfig struct {
	Name        string `yaml:"name"        env:"NAME"`
	Description string `yaml:"description" env:"DESCRIPTION"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// GuardConfig holds the request-admission guard settings: per-identity rate
// limiting and the outbound target policy.
type GuardConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Target    TargetConfig    `yaml:"target"     envPrefix:"TARGET_"`
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	Window       string `yaml:"window"         env:"WINDOW"`
	MaxPerWindow int64  `yaml:"max_per_window" env:"MAX_PER_WINDOW"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted when extracting the client identity.
	// When empty, proxy headers are always trusted.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// TrustedIPDepth selects which X-Forwarded-For entry to use behind a
	// trusted proxy chain. 0 uses the leftmost (client-provided) entry; a
	// positive value N selects the Nth entry from the right.
	TrustedIPDepth int `yaml:"trusted_ip_depth" env:"TRUSTED_IP_DEPTH"`
}

// TargetConfig holds the outbound-fetch denylist policy. Empty lists select
// the guard package defaults (loopback, RFC 1918, link-local, metadata
// hosts, .internal/.local suffixes).
type TargetConfig struct {
	AllowedSchemes        []string `yaml:"allowed_schemes"         env:"ALLOWED_SCHEMES"         envSeparator:","`
	BlockedHostnames      []string `yaml:"blocked_hostnames"       env:"BLOCKED_HOSTNAMES"       envSeparator:","`
	BlockedRanges         []string `yaml:"blocked_ranges"          env:"BLOCKED_RANGES"          envSeparator:","`
	BlockedHostSuffixes   []string `yaml:"blocked_host_suffixes"   env:"BLOCKED_HOST_SUFFIXES"   envSeparator:","`
	BlockedHostSubstrings []string `yaml:"blocked_host_substrings" env:"BLOCKED_HOST_SUBSTRINGS" envSeparator:","`
}

// SearchConfig holds the search provider client settings. An empty URL
// disables the search capability.
type SearchConfig struct {
	URL        string         `yaml:"url"         env:"URL"`
	APIKey     RedactedString `yaml:"api_key"     env:"API_KEY"`
	Timeout    string         `yaml:"timeout"     env:"TIMEOUT"`
	MaxResults int            `yaml:"max_results" env:"MAX_RESULTS"`
	CacheTTL   string         `yaml:"cache_ttl"   env:"CACHE_TTL"`
}

// ScrapeConfig holds the web content fetcher settings.
type ScrapeConfig struct {
	Timeout     string `yaml:"timeout"       env:"TIMEOUT"`
	MaxBodySize int64  `yaml:"max_body_size" env:"MAX_BODY_SIZE"` // bytes; 0 = default 2 MiB
	UserAgent   string `yaml:"user_agent"    env:"USER_AGENT"`
}

// TasksConfig holds the human-in-the-loop task queue settings.
type TasksConfig struct {
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`

	// WorkerSecret signs and verifies the HS256 JWTs that human workers
	// present on the /worker endpoints. Worker endpoints are disabled when
	// empty.
	WorkerSecret RedactedString `yaml:"worker_secret" env:"WORKER_SECRET"`

	// ClaimTTL is how long a claimed task stays assigned before it returns
	// to the queue.
	ClaimTTL string `yaml:"claim_ttl" env:"CLAIM_TTL"`
}

// PaymentConfig holds payment gating settings.
type PaymentConfig struct {
	Network        Network        `yaml:"network"         env:"NETWORK"`
	PriceAmount    int64          `yaml:"price_amount"    env:"PRICE_AMOUNT"` // smallest unit, e.g. lovelace
	PriceUnit      string         `yaml:"price_unit"      env:"PRICE_UNIT"`
	PayToAddress   string         `yaml:"pay_to_address"  env:"PAY_TO_ADDRESS"`
	FacilitatorURL string         `yaml:"facilitator_url" env:"FACILITATOR_URL"`
	APIKey         RedactedString `yaml:"api_key"         env:"API_KEY"`
	Timeout        string         `yaml:"timeout"         env:"TIMEOUT"`
}

// JobsConfig holds job store and executor settings.
type JobsConfig struct {
	Backend JobsBackend `yaml:"backend" env:"BACKEND"`

	// TTL is how long finished jobs remain queryable.
	TTL string `yaml:"ttl" env:"TTL"`

	// SweepInterval is how often the in-memory store evicts expired jobs.
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// MaxConcurrent caps simultaneously executing jobs. 0 uses the default (8).
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

// RedisConfig holds Redis connection and topology settings for the job store.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds TLS settings for Redis connections.
type RedisTLSConfig struct {
	Enabled            bool   `yaml:"enabled"              env:"ENABLED"`
	CAFile             string `yaml:"ca_file"              env:"CA_FILE"`
	CertFile           string `yaml:"cert_file"            env:"CERT_FILE"`
	KeyFile            string `yaml:"key_file"             env:"KEY_FILE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds optional usage event emission settings. When enabled,
// agentgate emits guard decisions and paid invocations as usage events to an
// external HTTP webhook.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

func (r RedactedString) GoString() string { return r.String() }

func (r RedactedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Defaults returns a Config populated with production-safe defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "agentgate",
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Guard: GuardConfig{
			RateLimit: RateLimitConfig{
				Window:       "60s",
				MaxPerWindow: 10,
			},
		},
		Search: SearchConfig{
			Timeout:    "15s",
			MaxResults: 10,
			CacheTTL:   "5m",
		},
		Scrape: ScrapeConfig{
			Timeout:     "20s",
			MaxBodySize: 2 << 20,
			UserAgent:   "agentgate/1.0",
		},
		Tasks: TasksConfig{
			QueueSize: 256,
			ClaimTTL:  "10m",
		},
		Payment: PaymentConfig{
			Network:   NetworkPreprod,
			PriceUnit: "lovelace",
			Timeout:   "10s",
		},
		Jobs: JobsConfig{
			Backend:       JobsBackendMemory,
			TTL:           "24h",
			SweepInterval: "1m",
			MaxConcurrent: 8,
		},
		Redis: RedisConfig{
			Mode: RedisModeSingle,
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
	}
}

// ConfigFilePath returns the config file path, honoring the
// AGENTGATE_CONFIG_FILE override.
func ConfigFilePath() string {
	configFile := os.Getenv("AGENTGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides. The config file path defaults to
// /etc/agentgate/config.yaml and can be overridden via AGENTGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "AGENTGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Mainnet"
// or env values like "MEMORY" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Payment.Network = Network(strings.ToLower(string(cfg.Payment.Network)))
	cfg.Jobs.Backend = JobsBackend(strings.ToLower(string(cfg.Jobs.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateGuard(cfg); err != nil {
		return err
	}
	if err := validatePayment(cfg); err != nil {
		return err
	}
	if err := validateJobs(cfg); err != nil {
		return err
	}
	if err := validateSearch(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

// durationFields enumerates every duration-typed string in the config along
// with a human-readable path for error messages.
func durationFields(cfg *Config) map[string]string {
	return map[string]string{
		"server.read_timeout":     cfg.Server.ReadTimeout,
		"server.write_timeout":    cfg.Server.WriteTimeout,
		"server.idle_timeout":     cfg.Server.IdleTimeout,
		"server.drain_timeout":    cfg.Server.DrainTimeout,
		"admin.read_timeout":      cfg.Admin.ReadTimeout,
		"admin.write_timeout":     cfg.Admin.WriteTimeout,
		"admin.idle_timeout":      cfg.Admin.IdleTimeout,
		"guard.rate_limit.window": cfg.Guard.RateLimit.Window,
		"search.timeout":          cfg.Search.Timeout,
		"search.cache_ttl":        cfg.Search.CacheTTL,
		"scrape.timeout":          cfg.Scrape.Timeout,
		"tasks.claim_ttl":         cfg.Tasks.ClaimTTL,
		"payment.timeout":         cfg.Payment.Timeout,
		"jobs.ttl":                cfg.Jobs.TTL,
		"jobs.sweep_interval":     cfg.Jobs.SweepInterval,
		"events.flush_interval":   cfg.Events.FlushInterval,
	}
}

func validateDurations(cfg *Config) error {
	for path, value := range durationFields(cfg) {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", path, value, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	tls := cfg.Server.TLS
	if !tls.Enabled {
		if tls.HTTP3Enabled {
			return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled")
		}
		return nil
	}
	if tls.CertFile == "" || tls.KeyFile == "" {
		return fmt.Errorf("server.tls: cert_file and key_file are required when TLS is enabled")
	}
	if !tls.MinVersion.Valid() {
		return fmt.Errorf("server.tls.min_version: invalid value %q (must be 1.2 or 1.3)", tls.MinVersion)
	}
	return nil
}

func validateGuard(cfg *Config) error {
	if cfg.Guard.RateLimit.MaxPerWindow < 0 {
		return fmt.Errorf("guard.rate_limit.max_per_window must not be negative")
	}
	return nil
}

func validatePayment(cfg *Config) error {
	p := cfg.Payment
	if !p.Network.Valid() {
		return fmt.Errorf("payment.network: invalid value %q (must be mainnet or preprod)", p.Network)
	}
	if p.Network == NetworkMainnet {
		if p.FacilitatorURL == "" {
			return fmt.Errorf("payment.facilitator_url is required on mainnet — verification cannot be bypassed outside preprod")
		}
		if p.PayToAddress == "" {
			return fmt.Errorf("payment.pay_to_address is required on mainnet")
		}
	}
	if p.FacilitatorURL != "" {
		if _, err := normalizeURL(p.FacilitatorURL); err != nil {
			return fmt.Errorf("payment.facilitator_url: %w", err)
		}
	}
	if p.PriceAmount < 0 {
		return fmt.Errorf("payment.price_amount must not be negative")
	}
	return nil
}

func validateJobs(cfg *Config) error {
	if !cfg.Jobs.Backend.Valid() {
		return fmt.Errorf("jobs.backend: invalid value %q (must be memory or redis)", cfg.Jobs.Backend)
	}
	if cfg.Jobs.Backend == JobsBackendRedis {
		if len(cfg.Redis.Endpoints) == 0 {
			return fmt.Errorf("redis.endpoints is required when jobs.backend is redis")
		}
		if !cfg.Redis.Mode.Valid() {
			return fmt.Errorf("redis.mode: invalid value %q", cfg.Redis.Mode)
		}
		if cfg.Redis.Mode == RedisModeSentinel && cfg.Redis.MasterName == "" {
			return fmt.Errorf("redis.master_name is required in sentinel mode")
		}
	}
	return nil
}

func validateSearch(cfg *Config) error {
	if cfg.Search.URL == "" {
		return nil // search capability disabled
	}
	if _, err := normalizeURL(cfg.Search.URL); err != nil {
		return fmt.Errorf("search.url: %w", err)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level: invalid value %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format: invalid value %q", cfg.Logging.Format)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if _, err := normalizeURL(cfg.Events.URL); err != nil {
		return fmt.Errorf("events.url: %w", err)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if !cfg.Tracing.Enabled {
		return nil
	}
	if cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1], got %v", cfg.Tracing.SampleRate)
	}
	return nil
}

// normalizeURL checks that a URL is absolute with an http(s) scheme.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return u.String(), nil
}

// ParseDuration parses a duration string, returning def when s is empty and
// an error when it is malformed.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	return d, nil
}

// MustParseDuration parses a duration that validation has already vetted,
// falling back to def on any surprise.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
