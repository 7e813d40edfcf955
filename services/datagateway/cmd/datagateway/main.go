package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"salesdesk/internal/servicetoken"
	"salesdesk/internal/util"
	"salesdesk/pkg/queue"
	"salesdesk/services/datagateway/internal/app"
	"salesdesk/services/datagateway/internal/config"
	"salesdesk/services/datagateway/internal/security"
	"salesdesk/services/datagateway/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	var sessionTTL, refreshTTL, codeTTL, leeway time.Duration
	if sessionTTL, err = config.ParseDuration(cfg.SessionTTL); err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	if refreshTTL, err = config.ParseDuration(cfg.RefreshTTL); err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	if codeTTL, err = config.ParseDuration(cfg.SignInCodeTTL); err != nil {
		log.Fatalf("failed to parse sign-in code TTL: %v", err)
	}
	if leeway, err = config.ParseDuration(cfg.JWTLeeway); err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse verify keys: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	mailQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     redisClient,
		Logger:     logger,
		Stream:     "salesdesk:mail",
		Group:      "datagateway",
		MaxRetries: cfg.MailMaxRetries,
		JobTTL:     codeTTL + time.Hour,
	})
	if err != nil {
		log.Fatalf("failed to init mail queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseDriver:      cfg.DatabaseDriver,
		DatabaseURL:         cfg.DatabaseURL,
		Redis:               redisClient,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		SignInCodeTTL:       codeTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:    cfg.JWTPublicKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           leeway,
		Providers:           cfg.Providers,
		AllowedRedirects:    cfg.AllowedRedirects,
		Tenants:             cfg.Tenants,
		Mailer:              app.QueueMailer{Queue: mailQueue},
		Logger:              logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var adminVerifier *servicetoken.Verifier
	if cfg.AdminPublicKeyPath != "" {
		adminVerifier, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.AdminPublicKeyPath,
			KeyID:          cfg.AdminKeyID,
			AllowedIssuers: cfg.AdminIssuers,
		})
		if err != nil {
			log.Fatalf("failed to init admin verifier: %v", err)
		}
	} else {
		logger.Warn("admin api disabled: adminPublicKeyPath not set")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		Redis:                     redisClient,
		AdminVerifier:             adminVerifier,
		Alerter:                   security.NewAuditAlerter(redisClient, ""),
		TrustedProxies:            trusted,
		CORSOrigins:               cfg.CORSOrigins,
		SignInRateLimitPerMinute:  cfg.SignInRateLimitPerMinute,
		TokenRateLimitPerMinute:   cfg.TokenRateLimitPerMinute,
		RefreshRateLimitPerMinute: cfg.RefreshRateLimitPerMinute,
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
	workers := cfg.MailWorkers
	if workers <= 0 {
		workers = 2
	}
	mailQueue.Start(ctx, workers, app.DeliverMail(app.LogMailer{Logger: logger}))
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("datagateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
