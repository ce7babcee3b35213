package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/migrations"
	sqlstore "github.com/goliatone/go-integration-gateway/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "integration-gateway" }

// openDatabase opens the configured database and returns its migration
// dialect. The memory driver has no database.
func openDatabase(cfg core.DatabaseConfig) (*persistence.Client, string, error) {
	dialect, err := migrations.DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	driverName := "postgres"
	var bunDialect schema.Dialect = pgdialect.New()
	if dialect == migrations.DialectSQLite {
		driverName = "sqlite3"
		bunDialect = sqlitedialect.New()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, "", fmt.Errorf("database.dsn is required for driver %q", cfg.Driver)
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", driverName, err)
	}
	if dialect == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driverName, server: dsn, debug: cfg.Debug}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, "", fmt.Errorf("persistence client: %w", err)
	}
	return client, dialect, nil
}

// sqlFactory builds the SQL stores, fronting connection reads with a
// go-repository-cache service when database.cache_ttl is positive.
func sqlFactory(client *persistence.Client, cfg core.Config) (*sqlstore.RepositoryFactory, error) {
	opts := []sqlstore.FactoryOption{sqlstore.WithDedupTTL(cfg.Webhooks.DedupTTL)}
	if cfg.Database.CacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cfg.Database.CacheTTL
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("connection cache: %w", err)
		}
		opts = append(opts, sqlstore.WithConnectionCache(cacheService))
	}
	return sqlstore.NewRepositoryFactoryFromPersistence(client, opts...)
}

func migrate(ctx context.Context, cfg core.DatabaseConfig) error {
	client, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return migrations.Apply(ctx, client, dialect)
}
