// Command authd runs the credential-and-session authority as an HTTP
// service.
//
// Endpoints:
//
//	POST /login       — {"identity":"...","password":"..."}
//	POST /mfa/verify  — {"challenge_token":"...","code":"..."}
//	POST /refresh     — {"refresh_token":"..."}
//	POST /logout      — {"refresh_token":"..."}
//	GET  /mfa/enroll  — bearer access token required
//
// Configuration comes from the environment (see config.go); Postgres holds
// credentials, Redis holds sessions and rate-limit state, and domain events
// go to Kafka when KAFKA_BROKERS is set.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	authcore "github.com/thisjowi/authcore"
	"github.com/thisjowi/authcore/pgstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("authd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	signingKey, err := cfg.signingKey()
	if err != nil {
		return err
	}
	accessTTL, err := cfg.accessTTL()
	if err != nil {
		return err
	}
	refreshTTL, err := cfg.refreshTTL()
	if err != nil {
		return err
	}

	engineCfg := authcore.DefaultConfig()
	engineCfg.JWT.SigningMethod = cfg.JWTSigningMethod
	engineCfg.JWT.PrivateKey = signingKey
	engineCfg.JWT.Issuer = cfg.JWTIssuer
	engineCfg.JWT.AccessTTL = accessTTL
	engineCfg.JWT.RefreshTTL = refreshTTL

	var sink authcore.EventSink
	if brokers := cfg.brokerList(); len(brokers) > 0 {
		kafkaSink := authcore.NewKafkaSink(brokers, cfg.KafkaTopicPrefix)
		defer func() { _ = kafkaSink.Close() }()
		sink = kafkaSink
	} else {
		logger.Warn("no kafka brokers configured, events go to stdout")
		sink = authcore.NewJSONWriterSink(os.Stdout)
	}

	engine, err := authcore.New(engineCfg, authcore.Deps{
		Identities: pgstore.NewIdentityStore(pool),
		Redis:      rdb,
		Events:     sink,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authd listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
