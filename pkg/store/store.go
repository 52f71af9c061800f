// Package store persists credential attempts. SQLite is the default
// backend; PostgreSQL is selected automatically when DATABASE_URL points
// at a postgres server. Rows are append-only.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/capture"
)

// Config contains event store configuration.
type Config struct {
	// URL selects the backend:
	//   - "postgres://..." or "host=..." uses PostgreSQL
	//   - "sqlite:///path/to/file.db" or a bare path uses SQLite
	URL string

	// MaxOpenConns bounds the connection pool. Default 10.
	MaxOpenConns int

	// MaxIdleConns bounds idle pooled connections. Default 5.
	MaxIdleConns int

	// ConnMaxLifetime recycles pooled connections. Default 30 minutes.
	ConnMaxLifetime time.Duration

	// SupervisorInterval is how often pool stats are logged and long-held
	// connections flushed. 0 disables the supervisor.
	SupervisorInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "credtrap.db"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// Store is the append-only login attempt store.
type Store struct {
	db   *gorm.DB
	cfg  Config
	done chan struct{}
}

// Open connects to the configured backend, tunes the pool, and migrates
// the login_attempts table.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(cfg.URL, "postgres://"),
		strings.HasPrefix(cfg.URL, "postgresql://"),
		strings.HasPrefix(cfg.URL, "host="):
		dialector = postgres.Open(cfg.URL)

	default:
		path := strings.TrimPrefix(cfg.URL, "sqlite:///")
		path = strings.TrimPrefix(path, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL for concurrent readers, busy_timeout to ride out the
		// single-writer window.
		dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&capture.Attempt{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	s := &Store{db: db, cfg: cfg, done: make(chan struct{})}
	if cfg.SupervisorInterval > 0 {
		go s.supervisePool()
	}
	return s, nil
}

// Append persists one credential attempt in an explicit transaction.
// GORM rolls back automatically when the transaction function errors,
// so a failure never leaves a partial row.
func (s *Store) Append(ctx context.Context, attempt *capture.Attempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(attempt).Error
	})
}

// RecentAttempts returns up to limit attempts ordered newest first.
// limit <= 0 returns everything.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]capture.Attempt, error) {
	var attempts []capture.Attempt
	q := s.db.WithContext(ctx).Order("timestamp desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	return attempts, nil
}

// Count returns the number of stored attempts.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&capture.Attempt{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// supervisePool periodically logs pool stats and recycles idle sessions
// when many connections have been held for a long time.
func (s *Store) supervisePool() {
	ticker := time.NewTicker(s.cfg.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			sqlDB, err := s.db.DB()
			if err != nil {
				logger.Error("Store supervisor could not reach pool", "error", err)
				continue
			}
			stats := sqlDB.Stats()
			logger.Debug("Event store pool stats",
				"open", stats.OpenConnections,
				"in_use", stats.InUse,
				"idle", stats.Idle,
				"wait_count", stats.WaitCount)

			// A pool saturated with long-held connections usually means a
			// leaked session; closing idle ones forces recycling.
			if stats.InUse >= s.cfg.MaxOpenConns && stats.WaitDuration > time.Minute {
				logger.Warn("Event store pool saturated, flushing idle sessions",
					"in_use", stats.InUse, "wait", stats.WaitDuration)
				sqlDB.SetMaxIdleConns(0)
				sqlDB.SetMaxIdleConns(s.cfg.MaxIdleConns)
			}
		}
	}
}

// Close stops the supervisor and closes the underlying pool.
func (s *Store) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying GORM handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }
