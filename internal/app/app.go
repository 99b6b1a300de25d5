// Package app wires the configured backends and engines for one shop.
package app

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"listing-experiments/internal/config"
	"listing-experiments/internal/database"
	"listing-experiments/internal/etsy"
	"listing-experiments/internal/experiment"
	"listing-experiments/internal/handlers"
	"listing-experiments/internal/imagestore"
	"listing-experiments/internal/listingsync"
	"listing-experiments/internal/ratelimit"
	"listing-experiments/internal/scheduler"
	"listing-experiments/internal/search"
	"listing-experiments/internal/shopdata"
)

// Store is what both repository backends provide.
type Store interface {
	handlers.Store
	listingsync.Store
	experiment.PerformanceSource
	listingsync.PerformanceRecorder
}

// PerformanceStore is the view history backend.
type PerformanceStore interface {
	experiment.PerformanceSource
	listingsync.PerformanceRecorder
}

// App holds the wired components.
type App struct {
	ShopID      int64
	Store       Store
	Performance PerformanceStore
	Client      *etsy.Client
	Sync        *listingsync.Service
	Resolver    *experiment.Resolver
	Evaluator   *experiment.Evaluator
	Promoter    *experiment.Promoter
	Catalog     *experiment.Catalog
	// Indexer is nil when search is disabled.
	Indexer   handlers.Indexer
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// New connects the configured backends. Call Close when done.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	shopID := cfg.Shop.ID
	if shopID == 0 {
		id, err := strconv.ParseInt(getEnv("SHOP_ID", "0"), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("shop id is required (shop.id or SHOP_ID)")
		}
		shopID = id
	}
	a.ShopID = shopID
	dataDir := getEnvOrConfig(cfg.Shop.DataDir, "DATA_DIR", "data")

	store, err := a.openStore(cfg, dataDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	performance, err := a.openPerformance(cfg, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Performance = performance

	client, err := openEtsyClient(cfg.Etsy, shopID, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Client = client

	a.Sync = listingsync.NewService(shopID, client, store, performance, cfg.Etsy.DownloadConcurrency, logger)
	a.Resolver = experiment.NewResolver(shopID, store, client, a.Sync, performance, logger, experiment.Options{
		ConvergenceAttempts: cfg.Experiments.ConvergenceAttempts,
		ConvergenceInterval: cfg.Experiments.GetConvergenceInterval(),
	})
	a.Evaluator = experiment.NewEvaluator(shopID, store, performance, logger)
	a.Promoter = experiment.NewPromoter(shopID, store, logger)
	a.Catalog = experiment.NewCatalog(shopID, store)

	if cfg.Search.Enabled {
		meili := cfg.Search.Meilisearch
		searchClient := search.NewSearchClient(
			getEnvOrConfig(meili.Host, "MEILISEARCH_HOST", "http://meilisearch:7700"),
			getEnvOrConfig(meili.APIKey, "MEILISEARCH_KEY", ""),
			meili.Index,
			shopID,
		)
		if err := searchClient.InitIndex(); err != nil {
			logger.Warn("App: failed to initialize search index", zap.Error(err))
		}
		a.Indexer = searchClient
	}

	a.Scheduler = scheduler.NewScheduler(shopID, a.Sync, a.Resolver, a.Evaluator, store, a.Indexer, cfg.Scheduler, logger)

	logger.Info("App: wired",
		zap.Int64("shop_id", shopID),
		zap.String("storage", cfg.Storage.Type),
		zap.String("performance", cfg.Performance.Source),
		zap.Bool("search", a.Indexer != nil))
	return a, nil
}

// Close releases database connections.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *App) openStore(cfg *config.Config, dataDir string, logger *zap.Logger) (Store, error) {
	if cfg.Storage.Type != "mysql" {
		logger.Info("App: using JSON file store", zap.String("data_dir", dataDir))
		return shopdata.NewStore(dataDir, logger), nil
	}

	logger.Info("App: using MySQL with GORM")
	mysqlCfg := cfg.Storage.MySQL

	// Get port as string, handle 0 as empty
	portStr := ""
	if mysqlCfg.Port > 0 {
		portStr = strconv.Itoa(mysqlCfg.Port)
	}

	gormDB, err := database.NewGormDB(
		getEnvOrConfig(mysqlCfg.Host, "DB_HOST", "mysql"),
		getEnvOrConfig(portStr, "DB_PORT", "3306"),
		getEnvOrConfig(mysqlCfg.User, "DB_USER", "experiments"),
		getEnvOrConfig(mysqlCfg.Password, "DB_PASSWORD", ""),
		getEnvOrConfig(mysqlCfg.Database, "DB_NAME", "listing_experiments"),
		imagestore.Layout{Root: dataDir},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	a.closers = append(a.closers, gormDB.Close)
	if err := gormDB.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return gormDB, nil
}

// openPerformance returns the view history backend: the repository itself
// unless Postgres is configured.
func (a *App) openPerformance(cfg *config.Config, store Store, logger *zap.Logger) (PerformanceStore, error) {
	if cfg.Performance.Source != "postgres" {
		return store, nil
	}

	logger.Info("App: using PostgreSQL for performance history")
	pgCfg := cfg.Performance.Postgres

	portStr := ""
	if pgCfg.Port > 0 {
		portStr = strconv.Itoa(pgCfg.Port)
	}

	db, err := database.NewPerformanceDB(
		getEnvOrConfig(pgCfg.Host, "PG_HOST", "db"),
		getEnvOrConfig(portStr, "PG_PORT", "5432"),
		getEnvOrConfig(pgCfg.User, "PG_USER", "experiments"),
		getEnvOrConfig(pgCfg.Password, "PG_PASSWORD", ""),
		getEnvOrConfig(pgCfg.Database, "PG_NAME", "listing_experiments"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize performance schema: %w", err)
	}
	return db, nil
}

func openEtsyClient(etsyCfg config.EtsyConfig, shopID int64, logger *zap.Logger) (*etsy.Client, error) {
	keysPath := getEnvOrConfig(etsyCfg.KeysPath, "ETSY_KEYS_PATH", "keys.json")

	tokens, err := etsy.LoadFileTokenStore(keysPath, &http.Client{Timeout: etsyCfg.GetTimeout()})
	if err != nil {
		return nil, fmt.Errorf("failed to load API credentials from %s: %w", keysPath, err)
	}

	gate := ratelimit.DefaultGateConfig()
	if etsyCfg.RequestsPerSecond > 0 {
		gate.Max = etsyCfg.RequestsPerSecond
		gate.Start = min(gate.Start, gate.Max)
	}

	return etsy.NewClient(etsy.Config{
		BaseURL:            etsyCfg.BaseURL,
		ShopID:             shopID,
		Timeout:            etsyCfg.GetTimeout(),
		MaxRetries:         etsyCfg.MaxRetries,
		RetryDelay:         etsyCfg.GetRetryDelay(),
		RequestsPerDay:     etsyCfg.RequestsPerDay,
		BreakerThreshold:   etsyCfg.BreakerThreshold,
		BreakerResetWindow: etsyCfg.GetBreakerReset(),
		Gate:               gate,
	}, tokens, logger), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrConfig returns config value if set, otherwise falls back to environment variable, then default
func getEnvOrConfig(configValue, envKey, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	return getEnv(envKey, defaultValue)
}
