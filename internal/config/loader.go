package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Finalize applies collection defaults and validates a config built in code.
func Finalize(cfg *Config) error {
	applyDefaults(cfg)
	return Validate(cfg)
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	for _, group := range [][]string{cfg.TrustedProxies.CIDRs, cfg.Access.AdminCIDRs, cfg.Access.AdminExclude} {
		for _, cidr := range group {
			if _, err := parsePrefix(cidr); err != nil {
				return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
			}
		}
	}

	for name, zc := range cfg.RateLimit.Zones {
		if zc.Capacity <= 0 {
			return fmt.Errorf("rate zone %s: capacity must be > 0", name)
		}
		if zc.Burst < 0 {
			return fmt.Errorf("rate zone %s: burst must be >= 0", name)
		}
		if zc.Interval != "second" && zc.Interval != "minute" {
			return fmt.Errorf("rate zone %s: interval must be second or minute, got %q", name, zc.Interval)
		}
		switch zc.Key {
		case "ip", "user", "ip_user":
		default:
			return fmt.Errorf("rate zone %s: key must be ip, user or ip_user, got %q", name, zc.Key)
		}
	}
	for _, name := range cfg.RateLimit.Global {
		if _, ok := cfg.RateLimit.Zones[name]; !ok {
			return fmt.Errorf("rate_limit.global: unknown zone %s", name)
		}
	}
	if cfg.RateLimit.BotZone != "" {
		if _, ok := cfg.RateLimit.Zones[cfg.RateLimit.BotZone]; !ok {
			return fmt.Errorf("rate_limit.bot_zone: unknown zone %s", cfg.RateLimit.BotZone)
		}
	}

	switch cfg.Cache.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.store must be memory or redis, got %q", cfg.Cache.Store)
	}
	if cfg.Cache.Store == "redis" && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for the redis cache store")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Deadline <= 0 {
		return fmt.Errorf("retry.deadline must be positive")
	}
	if cfg.Retry.AttemptTimeout < 0 || cfg.Retry.AttemptTimeout > cfg.Retry.Deadline {
		return fmt.Errorf("retry.attempt_timeout must be between 0 and retry.deadline")
	}
	if cfg.Retry.BudgetRatio < 0 || cfg.Retry.BudgetRatio > 1 {
		return fmt.Errorf("retry.budget_ratio must be between 0 and 1")
	}

	for name, uc := range cfg.Upstreams {
		if len(uc.Endpoints) == 0 {
			return fmt.Errorf("upstream %s: at least one endpoint is required", name)
		}
		for _, ep := range uc.Endpoints {
			u, err := url.Parse(ep)
			if err != nil || u.Host == "" {
				return fmt.Errorf("upstream %s: invalid endpoint %q", name, ep)
			}
			if u.Scheme != "http" {
				return fmt.Errorf("upstream %s: endpoint %q must use http", name, ep)
			}
		}
		if uc.FailureThreshold < 1 {
			return fmt.Errorf("upstream %s: failure_threshold must be >= 1", name)
		}
	}

	routeIDs := make(map[string]bool)
	prefixes := make(map[string]bool)
	for i, rc := range cfg.Routes {
		if rc.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[rc.ID] {
			return fmt.Errorf("duplicate route id: %s", rc.ID)
		}
		routeIDs[rc.ID] = true

		if !strings.HasPrefix(rc.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with /", rc.ID)
		}
		if prefixes[rc.Prefix] {
			return fmt.Errorf("route %s: duplicate prefix %s", rc.ID, rc.Prefix)
		}
		prefixes[rc.Prefix] = true

		if _, ok := cfg.Upstreams[rc.Upstream]; !ok {
			return fmt.Errorf("route %s: unknown upstream %q", rc.ID, rc.Upstream)
		}
		for _, z := range rc.Zones {
			if _, ok := cfg.RateLimit.Zones[z]; !ok {
				return fmt.Errorf("route %s: unknown rate zone %s", rc.ID, z)
			}
		}
		for _, m := range append(append([]string(nil), rc.Methods...), rc.RequireRefererOn...) {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %s: invalid method %s", rc.ID, m)
			}
		}
		if rc.Cache != "" {
			if _, ok := cfg.Cache.Classes[rc.Cache]; !ok {
				return fmt.Errorf("route %s: unknown cache class %s", rc.ID, rc.Cache)
			}
		}
		if _, ok := cfg.Logging.Streams[rc.LogStream]; !ok {
			return fmt.Errorf("route %s: unknown log stream %s", rc.ID, rc.LogStream)
		}
	}

	return nil
}

// parsePrefix accepts CIDR notation or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
