package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// Kind names a store backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindSQL    Kind = "postgres"
	KindPGX    Kind = "pgx"
	KindRedis  Kind = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Kind        Kind
	DatabaseURL string
	DataDir     string
	RedisAddr   string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the configured store. A postgres:// DATABASE_URL selects
// Postgres regardless of Kind, mirroring how the server is deployed; the
// pgx kind keeps the same schema but talks through the pgx driver.
func Open(ctx context.Context, opts Options) (evidence.Store, io.Closer, error) {
	kind := opts.Kind
	if kind != KindPGX && (strings.HasPrefix(opts.DatabaseURL, "postgres://") || strings.HasPrefix(opts.DatabaseURL, "postgresql://")) {
		kind = KindSQL
	}

	switch kind {
	case "", KindMemory:
		return evidence.NewMemoryStore(), nopCloser{}, nil

	case KindFile:
		fs, err := NewFileStore(filepath.Join(opts.DataDir, "evidence.jsonl"))
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil

	case KindSQLite:
		path := opts.DatabaseURL
		if path == "" {
			path = filepath.Join(opts.DataDir, "qledger.db")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		s, err := NewSQLStore(ctx, db, DialectSQLite)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil

	case KindSQL, KindPGX:
		if opts.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("store: %s requires DATABASE_URL", kind)
		}
		driver := "postgres"
		if kind == KindPGX {
			driver = "pgx"
		}
		db, err := sql.Open(driver, opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("store: open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("store: ping postgres: %w", err)
		}
		s, err := NewSQLStore(ctx, db, DialectPostgres)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil

	case KindRedis:
		rs := NewRedisStore(opts.RedisAddr, "", 0)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("store: ping redis: %w", err)
		}
		return rs, rs, nil

	default:
		return nil, nil, fmt.Errorf("store: unknown kind %q", kind)
	}
}
