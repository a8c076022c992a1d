package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"walletgate/pkg/arbiter"
	"walletgate/pkg/hardening"
	"walletgate/pkg/metrics"
	"walletgate/pkg/notify"
	"walletgate/pkg/ratelimit"
	"walletgate/pkg/signer"
	"walletgate/pkg/statebus"
	"walletgate/pkg/store"
	"walletgate/pkg/telemetry"

	"github.com/redis/go-redis/v9"
)

type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case <-stop:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
)

func main() {
	if err := runGateway(initTelemetryFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(initTelemetry func(ctx context.Context, service string) (func(context.Context) error, error), listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "walletgate")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	backend := strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "memory")))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "walletgate",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		StoreBackend:       backend,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		ApprovalWebhookURL: env("APPROVAL_WEBHOOK_URL", ""),
	}); err != nil {
		return err
	}

	kv, closeKV, err := openStore(ctx, backend)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeKV()

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" && backend != "redis" {
		redisClient, err = store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, using in-memory rate limits: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	authInterval := envDurationMS("AUTH_RATE_LIMIT_MS", int(arbiter.DefaultAuthInterval/time.Millisecond))
	signInterval := envDurationMS("SIGN_RATE_LIMIT_MS", int(arbiter.DefaultSignInterval/time.Millisecond))
	maxRateEntries := envInt("RATE_LIMIT_MAX_ENTRIES", 0)

	var authLimiter, signLimiter ratelimit.Limiter
	if redisClient != nil {
		authLimiter, err = ratelimit.NewRedisCooldown(redisClient, authInterval, maxRateEntries)
		if err != nil {
			return fmt.Errorf("auth limiter: %w", err)
		}
		signLimiter, err = ratelimit.NewRedisCooldown(redisClient, signInterval, maxRateEntries)
		if err != nil {
			return fmt.Errorf("sign limiter: %w", err)
		}
	}

	var opener notify.Opener
	if webhookURL := env("APPROVAL_WEBHOOK_URL", ""); webhookURL != "" {
		opener = notify.NewWebhookOpener(telemetry.InstrumentClient(nil), webhookURL)
	}
	notifier := notify.NewChannel(opener, notify.ParseMode(env("NOTIFICATION_MODE", "popup")))

	var bus arbiter.EventPublisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := statebus.NewKafkaProducer(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "walletgate.security-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer producer.Close()
		bus = producer
	}

	registry := metrics.NewRegistry()
	engine, err := arbiter.New(arbiter.Config{
		KV:             kv,
		Notifier:       notifier,
		AuthInterval:   authInterval,
		SignInterval:   signInterval,
		MaxRateEntries: maxRateEntries,
		AuthLimiter:    authLimiter,
		SignLimiter:    signLimiter,
		Metrics:        registry,
		Bus:            bus,
	})
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}

	keyring := signer.NewKeyring()
	for _, account := range splitAccounts(env("SIGNER_ACCOUNTS", "")) {
		if _, err := keyring.Generate(account); err != nil {
			return fmt.Errorf("signer: %w", err)
		}
	}

	s := &Server{
		Engine:           engine,
		Metrics:          registry,
		Keyring:          keyring,
		RequestTimeout:   envDurationMS("REQUEST_TIMEOUT_MS", 120000),
		MaxBodyBytes:     int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WSOriginPatterns: splitAccounts(env("WS_ALLOWED_ORIGINS", "")),
	}

	addr := env("ADDR", ":8080")
	log.Printf("walletgate listening on %s (store=%s)", addr, backend)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(env("CORS_ALLOWED_ORIGINS", "")),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 150),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func openStore(ctx context.Context, backend string) (store.KV, func(), error) {
	switch backend {
	case "", "memory":
		return store.NewMemoryKV(), func() {}, nil
	case "redis":
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisKV(client, ""), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		kv := store.NewPostgresKV(pool)
		if err := kv.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return kv, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func splitAccounts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envDurationMS(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}
