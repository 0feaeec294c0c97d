// Command server runs the prior-authorization core: the HTTP API, the
// payer connector gateway, and the SLA expiry sweep worker.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"priorauth/internal/audit"
	auditpg "priorauth/internal/audit/store/postgres"
	"priorauth/internal/authorization"
	authzpg "priorauth/internal/authorization/store/postgres"
	"priorauth/internal/connector"
	connectorpg "priorauth/internal/connector/store/postgres"
	"priorauth/internal/crypto"
	"priorauth/internal/notify"
	"priorauth/internal/platform/config"
	"priorauth/internal/platform/httpserver"
	"priorauth/internal/platform/kafka"
	"priorauth/internal/platform/logger"
	"priorauth/internal/platform/metrics"
	"priorauth/internal/platform/middleware"
	platformredis "priorauth/internal/platform/redis"
	httptransport "priorauth/internal/transport/http"
	"priorauth/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	keyring, err := loadKeyring(cfg, log)
	if err != nil {
		return err
	}

	var (
		authStore    authorization.Store
		auditStore   audit.Store
		requestStore connector.RequestStore
		txRunner     workflow.TxRunner
		health       = map[string]httptransport.HealthChecker{}
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetConnMaxIdleTime(5 * time.Minute)

		authStore = authzpg.New(db)
		auditStore = auditpg.New(db)
		requestStore = connectorpg.New(db)
		txRunner = workflow.NewSQLTxRunner(db)
		health["postgres"] = pingChecker{db}
	} else {
		log.Warn("no postgres DSN configured, using in-memory stores")
		authStore = authorization.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
		requestStore = connector.NewInMemoryRequestStore()
		txRunner = workflow.PassthroughTxRunner{}
	}

	recorder := audit.NewRecorder(auditStore, audit.WithLogger(log), audit.WithMetrics(m))
	codec := crypto.NewCodec(keyring,
		crypto.WithAllowedRoles(cfg.PHIReaderRoles),
		crypto.WithReadAuditor(workflow.NewPHIReadAuditor(recorder)),
	)
	machine := authorization.NewMachine(recorder, authorization.Config{
		AppealWindow: cfg.AppealWindow,
		SLAWindow:    cfg.SLAWindow,
	}, authorization.WithMetrics(m))

	var tokens connector.TokenCache = connector.NewMemoryTokenCache()
	if cfg.RedisURL != "" {
		redisClient, err := platformredis.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		tokens = connector.NewRedisTokenCache(redisClient)
		health["redis"] = redisClient
	}

	registry := connector.NewRegistry()
	if cfg.OAuth2Payer.Enabled() {
		oc := connector.NewOAuth2Connector(connector.OAuth2Config{
			ConnectorID:  cfg.OAuth2Payer.ID,
			TokenURL:     cfg.OAuth2Payer.TokenURL,
			SubmitURL:    cfg.OAuth2Payer.SubmitURL,
			StatusURL:    cfg.OAuth2Payer.StatusURL,
			ClientID:     cfg.OAuth2Payer.ClientID,
			ClientSecret: cfg.OAuth2Payer.ClientSecret,
			AssertionKey: []byte(cfg.OAuth2Payer.AssertionKey),
		}, tokens, nil)
		if err := registry.Register(oc); err != nil {
			return err
		}
	}
	if cfg.APIKeyPayer.Enabled() {
		ac := connector.NewAPIKeyConnector(connector.APIKeyConfig{
			ConnectorID: cfg.APIKeyPayer.ID,
			SubmitURL:   cfg.APIKeyPayer.SubmitURL,
			StatusURL:   cfg.APIKeyPayer.StatusURL,
			APIKey:      cfg.APIKeyPayer.APIKey,
		}, nil)
		if err := registry.Register(ac); err != nil {
			return err
		}
	}

	gateway := connector.NewGateway(registry, requestStore, recorder,
		connector.WithRetryBudget(cfg.ConnectorRetryBudget),
		connector.WithLogger(log),
		connector.WithMetrics(m),
	)

	serviceOpts := []workflow.ServiceOption{
		workflow.WithLogger(log),
		workflow.WithMetrics(m),
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.Config{
			Brokers:         strings.Join(cfg.KafkaBrokers, ","),
			DeliveryTimeout: 10 * time.Second,
		}, log)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		serviceOpts = append(serviceOpts, workflow.WithNotifier(notify.NewPublisher(producer, log)))
	}

	service := workflow.NewService(authStore, machine, recorder, codec, gateway,
		txRunner, workflow.Config{
			SLAWindow:      cfg.SLAWindow,
			RequestTimeout: cfg.RequestTimeout,
		}, serviceOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := workflow.NewSweepWorker(service,
		workflow.WithSweepLogger(log),
		workflow.WithSweepInterval(cfg.SweepInterval),
		workflow.WithSweepMetrics(m),
	)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweep worker stopped", "error", err)
		}
	}()

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Handler:   httptransport.NewHandler(service, log),
		Validator: middleware.NewHS256Validator([]byte(cfg.JWTSigningKey)),
		Logger:    log,
		Metrics:   m,
		Health:    health,
	})
	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting prior-auth server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// loadKeyring decodes the configured PHI keys. With none configured the
// process runs on an ephemeral key: fine for development, useless for any
// deployment that must decrypt data after a restart.
func loadKeyring(cfg config.Server, log *slog.Logger) (*crypto.Keyring, error) {
	if len(cfg.PHIKeys) == 0 {
		log.Warn("no PHI keys configured, generating ephemeral key")
		key := make([]byte, crypto.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return crypto.LoadKeyring(map[int][]byte{1: key}, 1)
	}

	keys := make(map[int][]byte, len(cfg.PHIKeys))
	for version, material := range cfg.PHIKeys {
		key, err := hex.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("decode PHI key v%d: %w", version, err)
		}
		keys[version] = key
	}
	return crypto.LoadKeyring(keys, cfg.PHIActiveKey)
}

// pingChecker adapts *sql.DB to the health surface.
type pingChecker struct {
	db *sql.DB
}

func (p pingChecker) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
