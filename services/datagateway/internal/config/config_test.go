package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8081"
databaseDriver: memory
redisAddr: localhost:6379
providers: [password]
allowedRedirects:
  - https://desk.example.com/
`)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AUTH_PROVIDERS", "password, magiclink")
	t.Setenv("AUTH_SIGNIN_RATE_LIMIT_PER_MINUTE", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redisAddr = %q", cfg.RedisAddr)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[1] != "magiclink" {
		t.Fatalf("providers = %v", cfg.Providers)
	}
	if cfg.SignInRateLimitPerMinute != 3 {
		t.Fatalf("signin rate = %d", cfg.SignInRateLimitPerMinute)
	}
	if len(cfg.AllowedRedirects) != 1 {
		t.Fatalf("allowedRedirects = %v", cfg.AllowedRedirects)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing port":         "databaseDriver: memory\nredisAddr: r:6379\n",
		"postgres without url": "port: \"1\"\nredisAddr: r:6379\njwtPrivateKeyPath: k.pem\n",
		"postgres without key": "port: \"1\"\nredisAddr: r:6379\ndatabaseURL: postgres://x\n",
		"missing redis":        "port: \"1\"\ndatabaseDriver: memory\n",
		"unknown driver":       "port: \"1\"\ndatabaseDriver: mysql\nredisAddr: r:6379\n",
		"unknown provider":     "port: \"1\"\ndatabaseDriver: memory\nredisAddr: r:6379\nproviders: [github]\n",
		"bad duration":         "port: \"1\"\ndatabaseDriver: memory\nredisAddr: r:6379\nsessionTTL: soon\n",
		"admin without issuer": "port: \"1\"\ndatabaseDriver: memory\nredisAddr: r:6379\nadminPublicKeyPath: a.pem\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration(""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDuration("15m"); err != nil || d != 15*time.Minute {
		t.Fatalf("15m: %v %v", d, err)
	}
	if _, err := ParseDuration("-1s"); err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("expected negative error, got %v", err)
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	parsed, err := ParseVerifyPublicKeys("k1=/a.pem, k2=/b.pem")
	if err != nil || len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("parse: %v %v", parsed, err)
	}
	if _, err := ParseVerifyPublicKeys("broken"); err == nil {
		t.Fatalf("expected error for entry without '='")
	}
	if parsed, err := ParseVerifyPublicKeys(""); err != nil || parsed != nil {
		t.Fatalf("empty: %v %v", parsed, err)
	}
}
