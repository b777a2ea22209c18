package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the SQLite database at path and
// migrates the dispatcher-owned tables.
func NewSQLite(logger *zap.Logger, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}

	if err := db.AutoMigrate(&UserRow{}, &APIKeyRow{}, &AuditRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate datastore: %w", err)
	}

	return &SQLiteStore{
		logger: logger.Named("datastore"),
		db:     db,
	}, nil
}

// Query implements Store.Query.
func (s *SQLiteStore) Query(ctx context.Context, table string, filters filterx.Filter, opts filterx.Options) ([]map[string]any, error) {
	// Regex terms are matched in memory after the scan; offset and limit
	// then have to wait for that pass too.
	sqlPart, memPart := filters.Split()

	q := s.db.WithContext(ctx).Table(table)
	if len(sqlPart) > 0 {
		clause, args, err := sqlPart.SQL()
		if err != nil {
			return nil, err
		}
		q = q.Where(clause, args...)
	}
	for _, field := range opts.OrderBy {
		order, err := orderClause(field)
		if err != nil {
			return nil, err
		}
		q = q.Order(order)
	}
	if len(memPart) == 0 {
		if opts.Offset > 0 {
			q = q.Offset(opts.Offset)
		}
		if opts.Limit > 0 {
			q = q.Limit(opts.Limit)
		}
	}

	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	if len(memPart) > 0 {
		kept := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			if memPart.Match(row) {
				kept = append(kept, row)
			}
		}
		rows = kept
		if opts.Offset > 0 {
			if opts.Offset >= len(rows) {
				rows = nil
			} else {
				rows = rows[opts.Offset:]
			}
		}
		if opts.Limit > 0 && opts.Limit < len(rows) {
			rows = rows[:opts.Limit]
		}
	}

	if opts.Get {
		if len(rows) == 0 {
			return nil, errorx.NotFound("no row in %q matched the query", table)
		}
		rows = rows[:1]
	}
	return rows, nil
}

// Count implements Store.Count.
func (s *SQLiteStore) Count(ctx context.Context, table string, filters filterx.Filter) (int64, error) {
	sqlPart, memPart := filters.Split()
	if len(memPart) > 0 {
		rows, err := s.Query(ctx, table, filters, filterx.Options{})
		if err != nil {
			return 0, err
		}
		return int64(len(rows)), nil
	}

	q := s.db.WithContext(ctx).Table(table)
	if len(sqlPart) > 0 {
		clause, args, err := sqlPart.SQL()
		if err != nil {
			return 0, err
		}
		q = q.Where(clause, args...)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Insert implements Store.Insert.
func (s *SQLiteStore) Insert(ctx context.Context, table string, row map[string]any) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(table).Create(row).Error; err != nil {
			return err
		}
		return tx.Raw("SELECT last_insert_rowid()").Scan(&id).Error
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, errorx.Conflict("row violates a uniqueness constraint in %q", table)
		}
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Update implements Store.Update.
func (s *SQLiteStore) Update(ctx context.Context, table string, id int64, row map[string]any) error {
	res := s.db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(row)
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", table, res.Error)
	}
	if res.RowsAffected == 0 {
		return errorx.NotFound("%s row %d does not exist", table, id)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *SQLiteStore) Delete(ctx context.Context, table string, id int64) error {
	res := s.db.WithContext(ctx).Table(table).Where("id = ?", id).Delete(nil)
	if res.Error != nil {
		return fmt.Errorf("delete from %s: %w", table, res.Error)
	}
	if res.RowsAffected == 0 {
		return errorx.NotFound("%s row %d does not exist", table, id)
	}
	return nil
}

// SQL implements Store.SQL.
func (s *SQLiteStore) SQL(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Close implements Store.Close.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// orderClause turns "-field" into "field DESC" and validates the name.
func orderClause(field string) (string, error) {
	desc := strings.HasPrefix(field, "-")
	name := strings.TrimPrefix(field, "-")
	if !identifierRe.MatchString(name) {
		return "", errorx.Validation(fmt.Sprintf("invalid order_by field %q", field), nil)
	}
	if desc {
		return name + " DESC", nil
	}
	return name + " ASC", nil
}
