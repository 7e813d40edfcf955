package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"salesdesk/internal/usertoken"
	"salesdesk/internal/util"
	"salesdesk/pkg/gatewayclient"
	"salesdesk/services/dashboard/internal/app"
	"salesdesk/services/dashboard/internal/config"
	"salesdesk/services/dashboard/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	idleTTL, err := config.ParseDuration(cfg.WorkspaceIdleTTL)
	if err != nil {
		log.Fatalf("failed to parse workspace idle TTL: %v", err)
	}
	leeway, err := config.ParseDuration(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	gatewayURL := strings.TrimRight(cfg.GatewayURL, "/")
	jwksURL := cfg.GatewayJWKSURL
	if jwksURL == "" {
		jwksURL = gatewayURL + "/auth/jwks"
	}
	// One verifier shares the JWKS cache across every workspace.
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	httpClient := &http.Client{Timeout: 15 * time.Second}

	appCore, err := app.New(app.Config{
		CompanyID:   cfg.CompanyID,
		PageSize:    cfg.PageSize,
		IdleTTL:     idleTTL,
		CallbackURL: cfg.CallbackURL(),
		Logger:      logger,
		NewClient: func() (app.SessionClient, error) {
			return gatewayclient.New(gatewayclient.Config{
				BaseURL:    gatewayURL,
				Verifier:   verifier,
				HTTPClient: httpClient,
				Logger:     logger,
			})
		},
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Shutdown()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                     appCore,
		Redis:                   redisClient,
		TrustedProxies:          trusted,
		CORSOrigins:             cfg.CORSOrigins,
		CookieSecure:            cfg.CookieSecure,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go appCore.RunJanitor(ctx, time.Minute)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("dashboard listening", "addr", addr, "gateway", gatewayURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
