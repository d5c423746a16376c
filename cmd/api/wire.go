package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"dealwatch/api/internal/app"
	"dealwatch/api/internal/archive"
	"dealwatch/api/internal/config"
	"dealwatch/api/internal/crm"
	"dealwatch/api/internal/export"
	"dealwatch/api/internal/history"
	"dealwatch/api/internal/relay"
	"dealwatch/api/internal/report"
	"dealwatch/api/internal/search"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/slack"
	"dealwatch/api/internal/store"
)

// runtime is the wired service plus everything that needs closing.
type runtime struct {
	cfg     config.Config
	service *app.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func wire(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	stages, owners, err := openStores(ctx, db, store.DialectFor(cfg.DatabaseDriver))
	if err != nil {
		rt.Close()
		return nil, err
	}

	settingsStore, err := settings.NewRedisStore(cfg.RedisURL, cfg.SettingsKeys())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = settingsStore.Close() })

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, meili.Close)
		engine = meili
	}
	searchService := search.NewService(engine, store.NewDealSearch(db, store.DialectFor(cfg.DatabaseDriver)), store.SingletonPartition)

	var snapshots *history.Service
	if cfg.HistoryDir != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
		snapshots = history.New(cfg.HistoryDir)
	}

	var reports *archive.Archive
	if cfg.MinioEndpoint != "" {
		reports, err = archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := reports.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: report archive unavailable: %v", err)
		}
	}

	hubspot := crm.New(cfg.HSAPIURL, cfg.HSAppPAT, cfg.HTTPClientTimeout)
	slackClient := slack.New(cfg.SlackToken, cfg.SlackAPIURL, cfg.HTTPClientTimeout)

	deps := app.Deps{
		Settings:  settingsStore,
		CRM:       hubspot,
		Stages:    stages,
		Owners:    owners,
		Search:    searchService,
		Assembler: report.NewAssembler(slackClient, export.NewExporter(cfg.ReportPDFSummary)),
		Slack:     slackClient,
		Relay:     relay.New(hubspot, slackClient),
	}
	// optional collaborators stay nil interfaces when disabled
	if snapshots != nil {
		deps.History = snapshots
	}
	if reports != nil {
		deps.Archive = reports
	}

	rt.service = app.New(cfg, deps)
	return rt, nil
}

func openStores(ctx context.Context, db *sql.DB, dialect store.Dialect) (*store.StageStore, *store.OwnerStore, error) {
	stages := store.NewStageStore(db, dialect)
	if err := stages.InitializeSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	owners := store.NewOwnerStore(db, dialect)
	if err := owners.InitializeSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return stages, owners, nil
}
