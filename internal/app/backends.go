package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/config"
	"github.com/getpup/fleetsim/hub"
	"github.com/getpup/fleetsim/hub/mqtt"
	"github.com/getpup/fleetsim/logging"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/fleetsim/store/dynamodb"
	"github.com/getpup/fleetsim/store/memory"
	redisstore "github.com/getpup/fleetsim/store/redis"
	"github.com/getpup/fleetsim/store/sqlstore"
)

// openStore builds the record store selected by cfg.Backend.
// The returned close func is never nil.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Engine, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), noop, nil

	case config.BackendPostgres, config.BackendMySQL, config.BackendSQLite:
		dialect := sqlstore.Dialect(cfg.Backend)
		table := sqlstore.TableConfig{Dialect: dialect, RecordsTable: cfg.Table}
		if err := table.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", fleetsim.ErrInvalidConfiguration, err)
		}

		db, err := sql.Open(dialect.DriverName(), cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to open %s: %w", fleetsim.ErrExternalDependency, dialect, err)
		}
		s := sqlstore.NewWithConfig(db, table)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("%w: %w", fleetsim.ErrExternalDependency, err)
		}
		return s, s.Close, nil

	case config.BackendDynamoDB:
		s, err := dynamodb.NewFromDefaultConfig(ctx, cfg.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", fleetsim.ErrExternalDependency, err)
		}
		return s, noop, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("%w: failed to reach redis at %s: %w", fleetsim.ErrExternalDependency, cfg.RedisAddr, err)
		}
		return redisstore.New(client, cfg.RedisPrefix), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", fleetsim.ErrInvalidConfiguration, cfg.Backend)
	}
}

// openHub builds the device-hub client selected by cfg.Transport.
func openHub(cfg config.HubConfig, logger *logging.Logger) (hub.Client, func(), error) {
	switch cfg.Transport {
	case config.TransportLog:
		return hub.NewLogClient(logger), func() {}, nil

	case config.TransportMQTT:
		c, err := mqtt.New(mqtt.Config{
			BrokerURL: cfg.BrokerURL,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown hub transport %q", fleetsim.ErrInvalidConfiguration, cfg.Transport)
	}
}
