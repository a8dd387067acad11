package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/brettboylen/bluesky-tracker/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the storage engine
type DatabaseConfig struct {
	Driver string
	Path   string // sqlite file, or ":memory:"
	DSN    string // postgres connection string
}

// Database owns the connection pool. Work is done through sessions.
type Database struct {
	db  *gorm.DB
	log *logrus.Logger
}

// NewDatabase opens the database and migrates the schema
func NewDatabase(cfg DatabaseConfig, log *logrus.Logger) (*Database, error) {
	log.WithFields(logrus.Fields{
		"driver": cfg.Driver,
		"path":   cfg.Path,
	}).Debug("Opening database")

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogrusLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// sqlite has a single writer, and each :memory: connection is its own database
	if strings.ToLower(cfg.Driver) != DriverPostgres {
		sqlDB.SetMaxOpenConns(1)
	}

	database := &Database{
		db:  gdb,
		log: log,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info("Database setup completed successfully")
	return database, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "bluesky.db"
	}
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func (d *Database) migrate() error {
	return d.db.AutoMigrate(
		&models.Account{},
		&models.AccountHistory{},
		&models.Post{},
		&models.Statistics{},
		&models.DayStatistics{},
		&models.Sentiment{},
		&models.ScrapingLog{},
	)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Session is a single-owner unit of work. It is not safe for concurrent use;
// each worker opens its own.
type Session struct {
	db  *gorm.DB
	log *logrus.Logger
}

// NewSession opens a session bound to ctx
func (d *Database) NewSession(ctx context.Context) *Session {
	return &Session{
		db:  d.db.WithContext(ctx),
		log: d.log,
	}
}

// FetchOne returns the first row matching query, or nil when there is none
func FetchOne[T any](s *Session, query string, args ...interface{}) (*T, error) {
	var rows []T
	tx := s.db.Model(new(T))
	if query != "" {
		tx = tx.Where(query, args...)
	}
	if err := tx.Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch %T: %w", *new(T), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FetchMany returns rows matching query. A limit <= 0 means no limit.
func FetchMany[T any](s *Session, limit, offset int, order string, query string, args ...interface{}) ([]T, error) {
	var rows []T
	tx := s.db.Model(new(T))
	if query != "" {
		tx = tx.Where(query, args...)
	}
	if order != "" {
		tx = tx.Order(order)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch %T rows: %w", *new(T), err)
	}
	return rows, nil
}

// Count returns the number of rows matching query
func Count[T any](s *Session, query string, args ...interface{}) (int64, error) {
	var count int64
	tx := s.db.Model(new(T))
	if query != "" {
		tx = tx.Where(query, args...)
	}
	if err := tx.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count %T rows: %w", *new(T), err)
	}
	return count, nil
}
