// Command server runs the freight compliance gateway: audit runs, shadow
// gate decisions, exception cases, and the soft-enforcement settlement gate
// behind one HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	auditcatalog "freightgate/internal/audit/catalog"
	auditengine "freightgate/internal/audit/engine"
	audithandler "freightgate/internal/audit/handler"
	auditmetrics "freightgate/internal/audit/metrics"
	auditservice "freightgate/internal/audit/service"
	auditstore "freightgate/internal/audit/store"
	exceptionhandler "freightgate/internal/exception/handler"
	exceptionservice "freightgate/internal/exception/service"
	exceptionstore "freightgate/internal/exception/store"
	"freightgate/internal/platform/config"
	"freightgate/internal/platform/httpserver"
	"freightgate/internal/platform/logger"
	"freightgate/internal/platform/postgres"
	platformredis "freightgate/internal/platform/redis"
	settlementhandler "freightgate/internal/settlement/handler"
	settlementmetrics "freightgate/internal/settlement/metrics"
	settlementservice "freightgate/internal/settlement/service"
	settlementstore "freightgate/internal/settlement/store"
	"freightgate/internal/shadowgate"
	shadowhandler "freightgate/internal/shadowgate/handler"
	httptransport "freightgate/internal/transport/http"
	"freightgate/pkg/identifier"
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("load configuration failed", "error", err.Error())
		os.Exit(1)
	}

	if err := auditcatalog.Validate(); err != nil {
		log.Error("rule catalog validation failed", "error", err.Error())
		os.Exit(1)
	}

	db, err := postgres.Open(cfg.PostgresURL)
	if err != nil {
		log.Error("postgres connection failed", "error", err.Error())
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	cache, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err.Error())
		os.Exit(1)
	}
	if cache != nil {
		defer cache.Close()
	}

	kafkaSink, err := shadowgate.NewKafkaSink(cfg.KafkaSeeds)
	if err != nil {
		log.Error("kafka connection failed", "error", err.Error())
		os.Exit(1)
	}
	if kafkaSink != nil {
		defer kafkaSink.Close()
	}

	ids := identifier.New()

	runStore := newRunStore(db)
	caseStore := newCaseStore(db)
	holdStore := newHoldStore(db)

	engine := auditengine.New()
	audits := auditservice.New(runStore, engine, ids, log, auditmetrics.New())
	cases := exceptionservice.New(caseStore, ids, log, cache)
	gate := settlementservice.New(holdStore, audits, cases, cfg.Pilot, ids, log, settlementmetrics.New())

	var sink shadowgate.Sink
	if kafkaSink != nil {
		sink = kafkaSink
	}
	publisher := shadowgate.NewPublisher(sink, log)

	checks := map[string]httptransport.HealthCheck{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if cache != nil {
		checks["redis"] = cache.Health
	}

	router := httptransport.NewRouter(log, checks,
		audithandler.New(audits, runStore, log),
		shadowhandler.New(publisher, log),
		exceptionhandler.New(cases, cfg.JWTSecret, log),
		settlementhandler.New(gate, cfg.JWTSecret, log),
	)

	server := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("server listening", "addr", cfg.Addr,
			"pilot_enabled", cfg.Pilot.Enabled,
			"pilot_trigger", cfg.Pilot.Trigger,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	waitForShutdown(server, log)
}

// The store constructors fall back to in-memory implementations when no
// database is configured, which keeps local development storeless.

func newRunStore(db *sql.DB) auditstore.RunStore {
	if db != nil {
		return auditstore.NewPostgres(db)
	}
	return auditstore.NewInMemory()
}

func newCaseStore(db *sql.DB) exceptionstore.Store {
	if db != nil {
		return exceptionstore.NewPostgres(db)
	}
	return exceptionstore.NewInMemory()
}

func newHoldStore(db *sql.DB) settlementstore.Store {
	if db != nil {
		return settlementstore.NewPostgres(db)
	}
	return settlementstore.NewInMemory()
}

func waitForShutdown(server *http.Server, log *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
}
