package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Provide creates the durable store selected by database.driver.
func Provide(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode, cfg.MaxConns)
		store, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		log.Info("database initialized",
			zap.String("db_driver", cfg.Driver),
			zap.String("db_host", cfg.Host),
			zap.String("db_name", cfg.DBName))
		return store, nil
	case "sqlite":
		store, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("database initialized",
			zap.String("db_driver", cfg.Driver),
			zap.String("db_path", cfg.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
