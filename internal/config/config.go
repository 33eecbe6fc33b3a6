// Package config loads and validates toolgate configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// InsecureBearerToken is the placeholder token shipped in example env files.
// Validate refuses it unless AllowInsecureDefaults is set.
const InsecureBearerToken = "change-me"

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host                string
	Port                int
	MCPPath             string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64

	// Gateway gates.
	BearerToken           string
	AllowedOrigins        []string
	AllowNoOrigin         bool
	AllowInsecureDefaults bool

	// Sandbox and audit log.
	SandboxRoot      string
	ArtifactsSubdir  string
	ArtifactMaxBytes int64

	// Outbound HTTP.
	HTTPAllowlist    []string
	HTTPTimeout      time.Duration
	HTTPMaxBytes     int64
	HTTPMaxRedirects int

	// KV store; empty disables the kv tools.
	KVURL string

	// Rate limiting, per client IP.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		Host:            envStr("TOOLGATE_HOST", "127.0.0.1"),
		MCPPath:         envStr("TOOLGATE_MCP_PATH", "/mcp"),
		BearerToken:     envStr("TOOLGATE_BEARER_TOKEN", ""),
		AllowedOrigins:  envList("TOOLGATE_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		SandboxRoot:     envStr("TOOLGATE_SANDBOX_ROOT", "./sandbox"),
		ArtifactsSubdir: envStr("TOOLGATE_ARTIFACTS_SUBDIR", "artifacts"),
		HTTPAllowlist:   envList("TOOLGATE_HTTP_ALLOWLIST", []string{"example.com", "api.github.com"}),
		KVURL:           envStr("TOOLGATE_KV_URL", ""),
		OTELEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:     envStr("OTEL_SERVICE_NAME", "toolgate"),
		LogLevel:        envStr("TOOLGATE_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("TOOLGATE_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("TOOLGATE_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("TOOLGATE_WRITE_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("TOOLGATE_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.MaxRequestBodyBytes, err = envInt64("TOOLGATE_MAX_REQUEST_BODY_BYTES", 4<<20)
	collect(err)
	cfg.AllowNoOrigin, err = envBool("TOOLGATE_ALLOW_NO_ORIGIN", true)
	collect(err)
	cfg.AllowInsecureDefaults, err = envBool("TOOLGATE_ALLOW_INSECURE_DEFAULTS", false)
	collect(err)
	cfg.ArtifactMaxBytes, err = envInt64("TOOLGATE_ARTIFACT_MAX_BYTES", 10_000_000)
	collect(err)
	cfg.HTTPTimeout, err = envDuration("TOOLGATE_HTTP_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.HTTPMaxBytes, err = envInt64("TOOLGATE_HTTP_MAX_BYTES", 2_000_000)
	collect(err)
	cfg.HTTPMaxRedirects, err = envInt("TOOLGATE_HTTP_MAX_REDIRECTS", 5)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("TOOLGATE_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("TOOLGATE_RATE_LIMIT_RPS", 20)
	collect(err)
	cfg.RateLimitBurst, err = envInt("TOOLGATE_RATE_LIMIT_BURST", 40)
	collect(err)
	cfg.OTELInsecure, err = envBool("TOOLGATE_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks invariants that defaults cannot guarantee. The HTTP
// transport needs a real bearer token; ValidateStdio skips that check.
func (c Config) Validate() error {
	var errs []error
	switch {
	case strings.TrimSpace(c.BearerToken) == "":
		errs = append(errs, errors.New("TOOLGATE_BEARER_TOKEN is required"))
	case c.BearerToken == InsecureBearerToken && !c.AllowInsecureDefaults:
		errs = append(errs, fmt.Errorf("TOOLGATE_BEARER_TOKEN must not be %q (set TOOLGATE_ALLOW_INSECURE_DEFAULTS=true to override)", InsecureBearerToken))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TOOLGATE_PORT=%d is out of range", c.Port))
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("TOOLGATE_MCP_PATH=%q must start with /", c.MCPPath))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("TOOLGATE_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("TOOLGATE_RATE_LIMIT_RPS and TOOLGATE_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	errs = append(errs, c.validateCommon()...)
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateStdio checks the settings the stdio transport and the offline
// commands use.
func (c Config) ValidateStdio() error {
	if errs := c.validateCommon(); len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) validateCommon() []error {
	var errs []error
	if c.SandboxRoot == "" {
		errs = append(errs, errors.New("TOOLGATE_SANDBOX_ROOT is required"))
	}
	if c.ArtifactMaxBytes <= 0 {
		errs = append(errs, errors.New("TOOLGATE_ARTIFACT_MAX_BYTES must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("TOOLGATE_HTTP_TIMEOUT must be positive"))
	}
	if c.HTTPMaxBytes <= 0 {
		errs = append(errs, errors.New("TOOLGATE_HTTP_MAX_BYTES must be positive"))
	}
	if c.HTTPMaxRedirects < 0 {
		errs = append(errs, errors.New("TOOLGATE_HTTP_MAX_REDIRECTS must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ParseLogLevel maps TOOLGATE_LOG_LEVEL to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("TOOLGATE_LOG_LEVEL=%q is not one of debug, info, warn, error", s)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping blank entries. A
// variable set to only separators yields an empty list.
func envList(key string, defaultVal []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultVal
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
