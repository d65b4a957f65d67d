package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const busyRetries = 5

// GetDB returns the process-wide database, opening it on first use.
func GetDB(conf *util.AppConfig) *DB {
	dbOnce.Do(func() {
		database, err := Open(util.ResolveFilePath(conf.Conf.DbPath))
		if err != nil {
			panic(err)
		}
		database.logger = conf.NewLogger("DB")
		dbInstance = database
	})
	return dbInstance
}

// Open opens (and creates, if needed) a sqlite database. ":memory:" gives a
// private in-memory database limited to a single connection so every caller
// sees the same data.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	database := &DB{db: sqlDB, logger: log.Default().WithPrefix("DB")}

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err == nil {
		database.logger.Debug("Database opened", "path", path, "journal_mode", journalMode)
	}

	return database, nil
}

// SetLogger replaces the logger used for transaction diagnostics.
func (db *DB) SetLogger(logger *log.Logger) {
	db.logger = logger
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction. The whole
// transaction is retried when sqlite reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if err == nil || !isBusy(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		db.logger.Debug("error in transaction", "err", err)
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return classify(err)
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlitelib.SQLITE_BUSY
	}
	return false
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		if code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify maps driver errors to domain errors the engine can act on.
func classify(err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
