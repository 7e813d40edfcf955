package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read at startup.
var ConfigPath = envOr("DATAGATEWAY_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	DatabaseDriver            string   `yaml:"databaseDriver"`
	DatabaseURL               string   `yaml:"databaseURL"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	SessionTTL                string   `yaml:"sessionTTL"`
	RefreshTTL                string   `yaml:"refreshTTL"`
	SignInCodeTTL             string   `yaml:"signInCodeTTL"`
	JWTPrivateKeyPath         string   `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath          string   `yaml:"jwtPublicKeyPath"`
	JWTKeyID                  string   `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys       string   `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                 string   `yaml:"jwtIssuer"`
	JWTAudience               string   `yaml:"jwtAudience"`
	JWTLeeway                 string   `yaml:"jwtLeeway"`
	Providers                 []string `yaml:"providers"`
	AllowedRedirects          []string `yaml:"allowedRedirects"`
	Tenants                   []string `yaml:"tenants"`
	AdminPublicKeyPath        string   `yaml:"adminPublicKeyPath"`
	AdminKeyID                string   `yaml:"adminKeyId"`
	AdminIssuers              []string `yaml:"adminIssuers"`
	TrustedProxies            []string `yaml:"trustedProxies"`
	CORSOrigins               []string `yaml:"corsOrigins"`
	SignInRateLimitPerMinute  int      `yaml:"signInRateLimitPerMinute"`
	TokenRateLimitPerMinute   int      `yaml:"tokenRateLimitPerMinute"`
	RefreshRateLimitPerMinute int      `yaml:"refreshRateLimitPerMinute"`
	MailWorkers               int      `yaml:"mailWorkers"`
	MailMaxRetries            int      `yaml:"mailMaxRetries"`
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
		"PORT":                   &cfg.Port,
		"LOG_LEVEL":              &cfg.LogLevel,
		"DATABASE_DRIVER":        &cfg.DatabaseDriver,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"ADMIN_PUBLIC_KEY_PATH":  &cfg.AdminPublicKeyPath,
		"AUTH_REFRESH_TTL":       &cfg.RefreshTTL,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("AUTH_PROVIDERS"); v != "" {
		cfg.Providers = splitList(v)
	}
	if v := os.Getenv("AUTH_ALLOWED_REDIRECTS"); v != "" {
		cfg.AllowedRedirects = splitList(v)
	}
	if v := os.Getenv("TENANTS"); v != "" {
		cfg.Tenants = splitList(v)
	}
	rates := map[string]*int{
		"AUTH_SIGNIN_RATE_LIMIT_PER_MINUTE":  &cfg.SignInRateLimitPerMinute,
		"AUTH_TOKEN_RATE_LIMIT_PER_MINUTE":   &cfg.TokenRateLimitPerMinute,
		"AUTH_REFRESH_RATE_LIMIT_PER_MINUTE": &cfg.RefreshRateLimitPerMinute,
		"MAIL_WORKERS":                       &cfg.MailWorkers,
		"MAIL_MAX_RETRIES":                   &cfg.MailMaxRetries,
	}
	for name, field := range rates {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*field = n
			}
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres driver")
		}
		if cfg.JWTPrivateKeyPath == "" {
			return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown databaseDriver %q", cfg.DatabaseDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if cfg.AdminPublicKeyPath != "" && len(cfg.AdminIssuers) == 0 {
		return errors.New("config: adminIssuers is required with adminPublicKeyPath")
	}
	if cfg.SignInRateLimitPerMinute < 0 || cfg.TokenRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MailWorkers < 0 || cfg.MailMaxRetries < 0 {
		return errors.New("config: mail worker settings must be >= 0")
	}
	for _, p := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "password", "magiclink":
		default:
			return fmt.Errorf("config: unknown provider %q", p)
		}
	}
	for _, raw := range []string{cfg.SessionTTL, cfg.RefreshTTL, cfg.SignInCodeTTL, cfg.JWTLeeway} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
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

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	pairs := splitList(raw)
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
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
