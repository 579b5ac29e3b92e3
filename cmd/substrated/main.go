// Command substrated runs the Concord knowledge substrate daemon: two DTU
// stores (knowledge and system), the event bridge, the scope router, the
// news hub, the federation registry, the lens registry with its compliance
// runner, and the kernel loops that keep them moving.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/concordhq/substrate/pkg/bridge"
	"github.com/concordhq/substrate/pkg/canonical"
	"github.com/concordhq/substrate/pkg/codec"
	"github.com/concordhq/substrate/pkg/compliance"
	"github.com/concordhq/substrate/pkg/config"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/federation"
	"github.com/concordhq/substrate/pkg/kernel"
	"github.com/concordhq/substrate/pkg/lens"
	"github.com/concordhq/substrate/pkg/newshub"
	"github.com/concordhq/substrate/pkg/observability"
	"github.com/concordhq/substrate/pkg/router"
	"github.com/concordhq/substrate/pkg/signing"
	"github.com/concordhq/substrate/pkg/store"
	"github.com/concordhq/substrate/pkg/threat"
	"github.com/concordhq/substrate/pkg/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "substrated:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	knowledgeDB, err := sql.Open("sqlite", "file:"+cfg.KnowledgeDBPath)
	if err != nil {
		return fmt.Errorf("open knowledge db: %w", err)
	}
	defer func() { _ = knowledgeDB.Close() }()
	systemDB, err := sql.Open("sqlite", "file:"+cfg.SystemDBPath)
	if err != nil {
		return fmt.Errorf("open system db: %w", err)
	}
	defer func() { _ = systemDB.Close() }()

	knowledge, err := store.NewSQLiteStore(knowledgeDB)
	if err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	system, err := store.NewSQLiteStore(systemDB)
	if err != nil {
		return fmt.Errorf("system store: %w", err)
	}
	files, err := store.NewFileRegistry(knowledgeDB)
	if err != nil {
		return fmt.Errorf("file registry: %w", err)
	}

	lattice, err := threat.NewLattice(systemDB)
	if err != nil {
		return fmt.Errorf("threat lattice: %w", err)
	}

	var signer signing.Signer
	if cfg.SigningKey != "" {
		signer, err = signing.NewHMACSigner([]byte(cfg.SigningKey), cfg.SigningKeyID)
	} else {
		signer, err = signing.NewEphemeralSigner(cfg.SigningKeyID)
	}
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	feds := federation.NewRegistry()
	if cfg.FederationURL != "" {
		pg, err := sql.Open("postgres", cfg.FederationURL)
		if err != nil {
			return fmt.Errorf("open federation db: %w", err)
		}
		defer func() { _ = pg.Close() }()
		pgStore := federation.NewPostgresStore(pg)
		if err := pgStore.Init(ctx); err != nil {
			return fmt.Errorf("federation store: %w", err)
		}
		feds = feds.WithStore(pgStore)
	}

	scopeRouter := router.New(knowledge, router.SinkFunc(func(n contracts.Notification) {
		logger.Debug("notification delivered",
			"user_id", n.UserID, "dtu_id", n.DTUID)
	}))

	canonicals := canonical.NewRegistry()
	eventBridge := bridge.New(knowledge, system, canonicals, scopeRouter).
		WithObservability(obs)
	files2dtu := transfer.New(codec.New(signer), files, canonicals, knowledge, lattice)

	hub := newshub.New(knowledge, newshub.Config{
		DailyAgeHours:  cfg.DailyAgeHours,
		WeeklyAgeDays:  cfg.WeeklyAgeDays,
		MonthlyAgeDays: cfg.MonthlyAgeDays,
		MinClusterSize: cfg.MinClusterSize,
		ArchiveDays:    cfg.NewsArchiveDays,
	})

	lenses := lens.NewRegistry(compliance.NewRunner())

	k := kernel.New()
	k.AddLoop("heartbeat_sweep", time.Duration(cfg.HeartbeatSweepSeconds)*time.Second,
		func(context.Context) error {
			swept := feds.SweepStale(3 * time.Duration(cfg.HeartbeatSweepSeconds) * time.Second)
			if len(swept) > 0 {
				logger.Info("stale CRIs demoted", "count", len(swept))
			}
			return nil
		})
	k.AddLoop("news_compaction", time.Duration(cfg.CompactionSeconds)*time.Second,
		hub.RunCycle)
	k.AddLoop("rate_window_purge", time.Duration(cfg.RateWindowSeconds)*time.Second,
		func(context.Context) error {
			cutoff := time.Now().Add(-24 * time.Hour)
			eventBridge.PurgeWindow(cutoff)
			scopeRouter.PurgeRateWindows(time.Now().Add(-2 * time.Hour))
			return nil
		})
	if cfg.ImportDir != "" {
		k.AddLoop("import_sweep", time.Duration(cfg.ImportSweepSeconds)*time.Second,
			func(ctx context.Context) error {
				n, err := files2dtu.SweepDir(ctx, cfg.ImportDir)
				if n > 0 {
					logger.Info("inbox files imported", "count", n)
				}
				return err
			})
	}
	k.AddNightly("compliance_audit", cfg.AuditHour, func(context.Context) error {
		disabled := lenses.RunAudit()
		if len(disabled) > 0 {
			logger.Warn("lenses disabled by nightly audit", "lenses", disabled)
		}
		return nil
	})

	if err := k.Start(ctx); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	logger.Info("substrate daemon running",
		"knowledge_db", cfg.KnowledgeDBPath,
		"system_db", cfg.SystemDBPath,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	k.Wait()

	slog.Info("substrate daemon stopped")
	return nil
}
