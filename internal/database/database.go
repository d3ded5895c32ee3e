package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ticket-commerce/internal/config"
	"ms-ticket-commerce/internal/logger"
)

const connectAttempts = 5

// Connect opens the postgres pool, retrying while the database comes up.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	var sqldb *sql.DB
	var err error

	for i := 0; i < connectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, connectAttempts))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			err = sqldb.PingContext(ctx)
			if err == nil {
				break
			}
			sqldb.Close()
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", connectAttempts, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// IsPostgres reports whether row-level locking clauses are available.
func IsPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}

// SkipLocked adds FOR UPDATE SKIP LOCKED on postgres. Other dialects are
// single-writer and need no row locks.
func SkipLocked(db bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	if IsPostgres(db) {
		return q.For("UPDATE SKIP LOCKED")
	}
	return q
}

// ForUpdate adds FOR UPDATE on postgres.
func ForUpdate(db bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	if IsPostgres(db) {
		return q.For("UPDATE")
	}
	return q
}
