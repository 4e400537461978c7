// Command server runs the HTTP API: uploads, auth, anomaly and alert
// queries, health and metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cost-watchdog/backend/internal/api"
	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/auth"
	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/connector"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/ingest"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := kv.NewRedisStoreFromClient(rdb)
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		log.Fatalf("redis: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := storage.NewMinioStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("object storage: %v", err)
	}

	m := metrics.NewDefault()

	cipher, err := crypto.NewFieldCipher(cfg.Auth.FieldEncryptionKey)
	if err != nil {
		log.Fatalf("field cipher: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	users := database.NewUserRepo(db)
	auditWriter := audit.NewWriter(database.NewAuditRepo(db))
	records := database.NewCostRecordRepo(db)
	documents := database.NewDocumentRepo(db)
	outboxRepo := database.NewOutboxRepo(db)
	refs := database.NewRefRepo(db)
	anoms := database.NewAnomalyRepo(db)
	alertRepo := database.NewAlertRepo(db)

	sessions := auth.NewSessionStore(store, cfg.Auth.RefreshTTL)
	lockout := auth.NewLockout(store)
	mfa := auth.NewMFA(users, store, cipher, cfg.Auth.Secret)
	authSvc := auth.NewService(users, auditWriter, issuer, sessions, lockout, mfa, m)

	suppliers, err := refs.ListSuppliers(ctx)
	if err != nil {
		log.Fatalf("load suppliers: %v", err)
	}
	registry := connector.NewRegistry(
		connector.NewCSVConnector(),
		connector.NewPDFConnector(connector.NewSupplierDetector(connector.RulesFromSuppliers(suppliers))),
	)
	ingestSvc := ingest.NewService(registry, db, documents, records, outboxRepo, refs, objects, cipher, m)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        db,
		KV:        store,
		Auth:      authSvc,
		Issuer:    issuer,
		Sessions:  sessions,
		MFA:       mfa,
		Reset:     auth.NewPasswordReset(users, sessions),
		APIKeys:   auth.NewAPIKeys(users),
		CSRF:      auth.NewCSRF(cfg.Auth.CookieSecret),
		Lockout:   lockout,
		Users:     users,
		Records:   records,
		Documents: documents,
		Objects:   objects,
		Anomalies: anoms,
		Alerts:    alertRepo,
		Ingest:    ingestSvc,
		Audit:     auditWriter,
		Metrics:   m,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.Printf("listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
