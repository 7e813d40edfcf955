package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read at startup.
var ConfigPath = envOr("DASHBOARD_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string   `yaml:"port"`
	LogLevel                string   `yaml:"logLevel"`
	CompanyID               string   `yaml:"companyId"`
	GatewayURL              string   `yaml:"gatewayURL"`
	GatewayJWKSURL          string   `yaml:"gatewayJwksURL"`
	JWTIssuer               string   `yaml:"jwtIssuer"`
	JWTAudience             string   `yaml:"jwtAudience"`
	JWTLeeway               string   `yaml:"jwtLeeway"`
	PublicURL               string   `yaml:"publicURL"`
	PageSize                int      `yaml:"pageSize"`
	WorkspaceIdleTTL        string   `yaml:"workspaceIdleTTL"`
	CookieSecure            bool     `yaml:"cookieSecure"`
	RedisAddr               string   `yaml:"redisAddr"`
	RedisPassword           string   `yaml:"redisPassword"`
	TrustedProxies          []string `yaml:"trustedProxies"`
	CORSOrigins             []string `yaml:"corsOrigins"`
	LoginRateLimitPerMinute int      `yaml:"loginRateLimitPerMinute"`
}

// Load reads config from path (defaults to ConfigPath), applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := map[string]*string{
		"PORT":                 &cfg.Port,
		"LOG_LEVEL":            &cfg.LogLevel,
		"SALESDESK_COMPANY_ID": &cfg.CompanyID,
		"GATEWAY_URL":          &cfg.GatewayURL,
		"GATEWAY_JWKS_URL":     &cfg.GatewayJWKSURL,
		"JWT_ISSUER":           &cfg.JWTIssuer,
		"JWT_AUDIENCE":         &cfg.JWTAudience,
		"PUBLIC_URL":           &cfg.PublicURL,
		"REDIS_ADDR":           &cfg.RedisAddr,
		"REDIS_PASSWORD":       &cfg.RedisPassword,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("DASHBOARD_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("DASHBOARD_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DASHBOARD_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("DASHBOARD_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.CompanyID) == "" {
		return errors.New("config: companyId is required (set SALESDESK_COMPANY_ID)")
	}
	if err := requireHTTPURL("gatewayURL", cfg.GatewayURL); err != nil {
		return err
	}
	if cfg.GatewayJWKSURL != "" {
		if err := requireHTTPURL("gatewayJwksURL", cfg.GatewayJWKSURL); err != nil {
			return err
		}
	}
	if err := requireHTTPURL("publicURL", cfg.PublicURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required")
	}
	if cfg.PageSize < 0 {
		return errors.New("config: pageSize must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	for _, raw := range []string{cfg.WorkspaceIdleTTL, cfg.JWTLeeway} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func requireHTTPURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("config: %s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute http(s) URL", name)
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid duration %q: negative", raw)
	}
	return dur, nil
}

// CallbackURL is where the gateway sends the browser after sign-in.
func (c FileConfig) CallbackURL() string {
	return strings.TrimRight(strings.TrimSpace(c.PublicURL), "/") + "/auth/callback"
}

func splitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
