package config

import "time"

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Admin          AdminConfig               `yaml:"admin"`
	Logging        LoggingConfig             `yaml:"logging"`
	TrustedProxies TrustedProxiesConfig      `yaml:"trusted_proxies"`
	Access         AccessConfig              `yaml:"access"`
	Maintenance    MaintenanceConfig         `yaml:"maintenance"`
	Security       SecurityConfig            `yaml:"security"`
	RateLimit      RateLimitConfig           `yaml:"rate_limit"`
	Connections    ConnectionsConfig         `yaml:"connections"`
	Cache          CacheConfig               `yaml:"cache"`
	Redis          RedisConfig               `yaml:"redis"`
	Retry          RetryConfig               `yaml:"retry"`
	Transport      TransportConfig           `yaml:"transport"`
	Upstreams      map[string]UpstreamConfig `yaml:"upstreams"`
	Routes         []RouteConfig             `yaml:"routes"`
}

// ServerConfig defines the public listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`   // larger request bodies are rejected with 413
	APIVersion        string        `yaml:"api_version"`      // emitted as X-API-Version
	TrustRequestID    bool          `yaml:"trust_request_id"` // reuse inbound X-Request-ID
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Address   string  `yaml:"address"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second across the admin API
	Burst     int     `yaml:"burst"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level   string                  `yaml:"level"`
	Streams map[string]StreamConfig `yaml:"streams"`
}

// StreamConfig defines one log stream (access, security, attack, auth, audit).
type StreamConfig struct {
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Level    string            `yaml:"level"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TrustedProxiesConfig controls which peers may supply forwarding headers.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`
	Headers []string `yaml:"headers"`
	MaxHops int      `yaml:"max_hops"`
}

// AccessConfig defines admin classification and the optional geo gate.
type AccessConfig struct {
	AdminCIDRs   []string  `yaml:"admin_cidrs"`
	AdminExclude []string  `yaml:"admin_exclude"` // more specific ranges carved out of admin_cidrs
	Geo          GeoConfig `yaml:"geo"`
}

// GeoConfig enables country-based denial for non-admin callers.
type GeoConfig struct {
	Database      string   `yaml:"database"` // .mmdb or .ipdb
	DenyCountries []string `yaml:"deny_countries"`
}

// MaintenanceConfig defines the process-wide maintenance switch.
type MaintenanceConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RetryAfter time.Duration `yaml:"retry_after"`
	FlagFile   string        `yaml:"flag_file"` // maintenance is on while this file exists
}

// SecurityConfig defines the attack filter and agent classification.
type SecurityConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxInspectBytes  int      `yaml:"max_inspect_bytes"`
	BlockedMethods   []string `yaml:"blocked_methods"`
	AllowAgents      []string `yaml:"allow_agents"`      // regex, known-good crawlers
	DenyAgents       []string `yaml:"deny_agents"`       // regex, known-bad tools
	SuspiciousAgents []string `yaml:"suspicious_agents"` // regex, bare library clients
}

// RateLimitConfig defines rate zones and the route-independent zones.
type RateLimitConfig struct {
	Zones           map[string]ZoneConfig `yaml:"zones"`
	Global          []string              `yaml:"global"`   // applied to every request
	BotZone         string                `yaml:"bot_zone"` // applied to suspicious agents
	IdleMultiplier  int                   `yaml:"idle_multiplier"`
	CleanupInterval time.Duration         `yaml:"cleanup_interval"`
}

// ZoneConfig defines one named token bucket policy.
type ZoneConfig struct {
	Capacity int    `yaml:"capacity"` // requests per interval
	Burst    int    `yaml:"burst"`
	Interval string `yaml:"interval"` // second | minute
	Key      string `yaml:"key"`      // ip | user | ip_user
}

// ConnectionsConfig defines per-client concurrency caps.
type ConnectionsConfig struct {
	PerIP int `yaml:"per_ip"`
}

// CacheConfig defines response caching.
type CacheConfig struct {
	Enabled       bool                        `yaml:"enabled"`
	Store         string                      `yaml:"store"` // memory | redis
	MaxEntries    int                         `yaml:"max_entries"`
	MaxBytes      int64                       `yaml:"max_bytes"`
	MaxEntryBytes int64                       `yaml:"max_entry_bytes"`
	Classes       map[string]CacheClassConfig `yaml:"classes"`
	WaitTimeout   time.Duration               `yaml:"wait_timeout"` // how long followers wait on an in-flight fetch
}

// CacheClassConfig defines the TTLs of one cache class.
type CacheClassConfig struct {
	Success  time.Duration `yaml:"success"`   // 200 and 302
	NotFound time.Duration `yaml:"not_found"` // 404
}

// RedisConfig defines the redis connection used by the redis cache store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RetryConfig defines the bounded upstream retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`    // total attempts, including the first
	Deadline       time.Duration `yaml:"deadline"`        // overall upstream budget across attempts
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // per attempt, 0 splits the deadline evenly
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BudgetRatio    float64       `yaml:"budget_ratio"`      // max retries/requests over 10s, 0 disables
	MinRetries     int           `yaml:"min_retries_per_s"` // retries always allowed per second
}

// TransportConfig defines the outbound HTTP/1.1 transport.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	MaxResponseBytes      int64         `yaml:"max_response_bytes"`
}

// UpstreamConfig defines a named backend pool that can be referenced by multiple routes.
type UpstreamConfig struct {
	Endpoints        []string      `yaml:"endpoints"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	MaxConns         int           `yaml:"max_conns"`
}

// RouteConfig defines a route
type RouteConfig struct {
	ID               string   `yaml:"id"`
	Prefix           string   `yaml:"prefix"`
	Methods          []string `yaml:"methods"`
	Zones            []string `yaml:"zones"`
	Upstream         string   `yaml:"upstream"`
	Cache            string   `yaml:"cache"` // cache class name; empty disables caching
	RequireRefererOn []string `yaml:"require_referer_on"`
	LogStream        string   `yaml:"log_stream"`
	AdminOnly        bool     `yaml:"admin_only"`
	StripPrefix      bool     `yaml:"strip_prefix"`
}

// Known log stream names.
const (
	StreamAccess   = "access"
	StreamSecurity = "security"
	StreamAttack   = "attack"
	StreamAuth     = "auth"
	StreamAudit    = "audit"
)

// StreamNames lists every stream the gateway writes to.
var StreamNames = []string{StreamAccess, StreamSecurity, StreamAttack, StreamAuth, StreamAudit}

// DefaultAdminCIDRs are loopback and private ranges.
var DefaultAdminCIDRs = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxBodyBytes:      10 << 20,
			APIVersion:        "v1",
		},
		Admin: AdminConfig{
			Enabled:   true,
			Address:   ":9090",
			RateLimit: 10,
			Burst:     20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Maintenance: MaintenanceConfig{
			RetryAfter: 5 * time.Minute,
		},
		Security: SecurityConfig{
			Enabled:         true,
			MaxInspectBytes: 8 << 10,
		},
		RateLimit: RateLimitConfig{
			IdleMultiplier:  10,
			CleanupInterval: time.Minute,
		},
		Connections: ConnectionsConfig{
			PerIP: 20,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Store:         "memory",
			MaxEntries:    10000,
			MaxBytes:      64 << 20,
			MaxEntryBytes: 1 << 20,
			WaitTimeout:   10 * time.Second,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "bankgate:cache:",
		},
		Retry: RetryConfig{
			MaxAttempts:    2,
			Deadline:       5 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		},
		Transport: TransportConfig{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			DialTimeout:           2 * time.Second,
			ResponseHeaderTimeout: 0, // bounded by the retry deadline
			MaxResponseBytes:      32 << 20,
		},
	}
}

// applyDefaults fills collection and per-entry defaults after decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.TrustedProxies.CIDRs) == 0 {
		cfg.TrustedProxies.CIDRs = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "::1/128"}
	}
	if len(cfg.Access.AdminCIDRs) == 0 {
		cfg.Access.AdminCIDRs = append([]string(nil), DefaultAdminCIDRs...)
	}
	if len(cfg.Security.BlockedMethods) == 0 {
		cfg.Security.BlockedMethods = []string{"TRACE", "TRACK", "CONNECT", "DEBUG"}
	}
	if cfg.Logging.Streams == nil {
		cfg.Logging.Streams = make(map[string]StreamConfig)
	}
	for _, name := range StreamNames {
		sc := cfg.Logging.Streams[name]
		if sc.Output == "" {
			sc.Output = "stdout"
		}
		if sc.Level == "" {
			sc.Level = cfg.Logging.Level
		}
		cfg.Logging.Streams[name] = sc
	}
	if cfg.Cache.Classes == nil {
		cfg.Cache.Classes = make(map[string]CacheClassConfig)
	}
	if _, ok := cfg.Cache.Classes["default"]; !ok {
		cfg.Cache.Classes["default"] = CacheClassConfig{Success: 10 * time.Minute, NotFound: time.Minute}
	}
	for name, zc := range cfg.RateLimit.Zones {
		if zc.Interval == "" {
			zc.Interval = "second"
		}
		if zc.Key == "" {
			zc.Key = "ip"
		}
		cfg.RateLimit.Zones[name] = zc
	}
	for name, uc := range cfg.Upstreams {
		if uc.FailureThreshold == 0 {
			uc.FailureThreshold = 3
		}
		if uc.RecoveryTimeout == 0 {
			uc.RecoveryTimeout = 30 * time.Second
		}
		cfg.Upstreams[name] = uc
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].LogStream == "" {
			cfg.Routes[i].LogStream = StreamAccess
		}
		if cfg.Routes[i].ID == "" {
			cfg.Routes[i].ID = cfg.Routes[i].Prefix
		}
	}
}

// IntervalDuration converts a zone interval unit into a duration.
func (z ZoneConfig) IntervalDuration() time.Duration {
	if z.Interval == "minute" {
		return time.Minute
	}
	return time.Second
}
