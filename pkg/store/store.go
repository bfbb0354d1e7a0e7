// Package store keeps consumed topic records in a local SQLite database, one
// table per (cluster, topic), and serves templated read-only queries and
// exports over them.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Config configures the record store.
type Config struct {
	Path          string        `mapstructure:"path"`
	QueryTimeout  time.Duration `mapstructure:"queryTimeout"`
	ExportTimeout time.Duration `mapstructure:"exportTimeout"`
	BusyTimeout   time.Duration `mapstructure:"busyTimeout"`
	MaxReadConns  int           `mapstructure:"maxReadConns"`
}

func (c Config) withDefaults() Config {
	c.QueryTimeout = cmp.Or(c.QueryTimeout, 30*time.Second)
	c.ExportTimeout = cmp.Or(c.ExportTimeout, 3*time.Minute)
	c.BusyTimeout = cmp.Or(c.BusyTimeout, 5*time.Second)
	c.MaxReadConns = cmp.Or(c.MaxReadConns, 4)
	return c
}

// Store is the SQLite backed record store. Writes go through a single
// connection; queries use a separate read-only pool so that polling readers
// never hold up ingestion.
type Store struct {
	cfg    Config
	writer *gorm.DB
	reader *gorm.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open opens (creating if needed) the database file at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if strings.HasPrefix(cfg.Path, ":memory:") || strings.HasPrefix(cfg.Path, "file:") {
		return nil, fmt.Errorf("store path must be a plain file path, got %q", cfg.Path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	busy := cfg.BusyTimeout.Milliseconds()

	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	writerDSN := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)", cfg.Path, busy)
	writer, err := gorm.Open(sqlite.Open(writerDSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open store writer: %w", err)
	}
	wdb, err := writer.DB()
	if err != nil {
		return nil, err
	}
	wdb.SetMaxOpenConns(1)
	// creates the file and switches it to WAL before the read-only pool opens
	if err := wdb.Ping(); err != nil {
		wdb.Close()
		return nil, fmt.Errorf("open store writer: %w", err)
	}

	readerDSN := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)", uriPath(cfg.Path), busy)
	reader, err := gorm.Open(sqlite.Open(readerDSN), gcfg)
	if err != nil {
		wdb.Close()
		return nil, fmt.Errorf("open store reader: %w", err)
	}
	rdb, err := reader.DB()
	if err != nil {
		wdb.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(cfg.MaxReadConns)

	logger.Info("record store opened", zap.String("path", cfg.Path))
	return &Store{cfg: cfg, writer: writer, reader: reader, logger: logger}, nil
}

func uriPath(p string) string {
	return strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(p)
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// EnsureTable creates the table for a topic if it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, stmt := range createTableSQL(table) {
		if err := s.writer.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return nil
}

// Ingest stores rec in table. In append mode a record whose (partition,
// offset) is already present is left untouched and ErrDuplicateOffset is
// returned. With compactify the record replaces any stored record with the
// same key.
func (s *Store) Ingest(ctx context.Context, table string, rec Record, compactify bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rw := toRow(rec)
	q := quoteIdent(table)
	// db.Table only sets a table expression; the insert target has to be
	// named on the clause or gorm falls back to the model's table.
	into := clause.Table{Name: q, Raw: true}
	db := s.writer.WithContext(ctx)

	if !compactify {
		res := db.Table(q).
			Clauses(
				clause.Insert{Table: into},
				clause.OnConflict{Columns: []clause.Column{{Name: "partition"}, {Name: "offset"}}, DoNothing: true},
			).
			Create(&rw)
		if res.Error != nil {
			return fmt.Errorf("insert %s[%d]@%d: %w", table, rec.Partition, rec.Offset, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateOffset
		}
		return nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM "+q+" WHERE key = ?", rec.Key).Error; err != nil {
			return err
		}
		return tx.Table(q).Clauses(clause.Insert{Table: into, Modifier: "OR REPLACE"}).Create(&rw).Error
	})
	if err != nil {
		return fmt.Errorf("upsert %s key %q: %w", table, rec.Key, err)
	}
	return nil
}

// Count returns the number of stored rows of table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.reader.WithContext(ctx).Raw("SELECT COUNT(*) FROM " + quoteIdent(table)).Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Clear deletes every row of table but keeps the table.
func (s *Store) Clear(ctx context.Context, table string) error {
	if err := s.writer.WithContext(ctx).Exec("DELETE FROM " + quoteIdent(table)).Error; err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

// DropTable removes table and its rows.
func (s *Store) DropTable(ctx context.Context, table string) error {
	if err := s.writer.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + quoteIdent(table)).Error; err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	s.logger.Info("dropped topic table", zap.String("table", table))
	return nil
}

// Tables lists the topic tables present in the database.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.reader.WithContext(ctx).
		Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name").
		Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, db := range []*gorm.DB{s.reader, s.writer} {
		sqlDB, err := db.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
