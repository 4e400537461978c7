// Command worker runs the background side of the platform: queue
// consumers, the outbox dispatcher and the retention scheduler. It exposes
// only health and metrics over HTTP.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cost-watchdog/backend/internal/aggregate"
	"github.com/cost-watchdog/backend/internal/alerts"
	"github.com/cost-watchdog/backend/internal/anomaly"
	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/connector"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/ingest"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/outbox"
	"github.com/cost-watchdog/backend/internal/queue"
	"github.com/cost-watchdog/backend/internal/retention"
	"github.com/cost-watchdog/backend/internal/storage"
	"github.com/cost-watchdog/backend/internal/workers"
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

	users := database.NewUserRepo(db)
	auditRepo := database.NewAuditRepo(db)
	records := database.NewCostRecordRepo(db)
	documents := database.NewDocumentRepo(db)
	outboxRepo := database.NewOutboxRepo(db)
	refs := database.NewRefRepo(db)
	anoms := database.NewAnomalyRepo(db)
	alertRepo := database.NewAlertRepo(db)
	aggs := database.NewAggregateRepo(db)

	suppliers, err := refs.ListSuppliers(ctx)
	if err != nil {
		log.Fatalf("load suppliers: %v", err)
	}
	registry := connector.NewRegistry(
		connector.NewCSVConnector(),
		connector.NewPDFConnector(connector.NewSupplierDetector(connector.RulesFromSuppliers(suppliers))),
	)
	ingestSvc := ingest.NewService(registry, db, documents, records, outboxRepo, refs, objects, cipher, m)

	engine := anomaly.NewEngine(
		anomaly.YoYCheck{},
		anomaly.MoMCheck{},
		anomaly.PricePerUnitCheck{},
		anomaly.OutlierCheck{},
		anomaly.BudgetCheck{},
	)
	anomalySvc := anomaly.NewService(engine, db, records, anoms, refs, outboxRepo, cfg.Anomaly, m)

	aggregator := aggregate.New(db, records, aggs)

	channels := map[core.AlertChannel]alerts.Channel{
		core.ChannelEmail: alerts.NewEmailChannel(cfg.SMTP),
		core.ChannelSlack: alerts.NewSlackChannel(),
		core.ChannelTeams: alerts.NewTeamsChannel(),
		core.ChannelInApp: alerts.InAppChannel{},
	}
	alertWorker := alerts.NewWorker(alertRepo, anoms, channels, cfg.Alerts, m)

	queues := queue.New(rdb)
	pool := workers.New(queues, ingestSvc, anomalySvc, aggregator, alertWorker, m)
	pool.Start(ctx)

	dispatcher := outbox.NewDispatcher(db, outboxRepo, queues, m)
	go dispatcher.Run(ctx)

	schedule, err := retention.ParseSchedule(cfg.Retention.Schedule)
	if err != nil {
		log.Fatalf("retention schedule: %v", err)
	}
	var archive retention.ArchiveSink
	if cfg.Retention.ArchiveAuditLogs {
		archive = retention.NewFileArchive(cfg.Retention.ArchivePath)
	}
	runner := retention.NewRunner(cfg.Retention, outboxRepo, users, auditRepo, store, archive, m)
	go retention.NewScheduler(schedule, runner).Run(ctx)

	// Health and metrics only; the worker has no API surface.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("worker listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	pool.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
