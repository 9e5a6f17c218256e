// Package store holds the durable evidence.Store implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
)

// Dialect selects placeholder style and constraint error detection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements evidence.Store over database/sql. chain_index carries
// a UNIQUE constraint and grade updates are compare-and-swap, so several
// processes sharing one database cannot fork the chain.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

const schema = `
CREATE TABLE IF NOT EXISTS evidence_entries (
	id TEXT PRIMARY KEY,
	chain_index BIGINT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	sealed_at TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	grade TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	request_canon TEXT NOT NULL,
	backend TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	result_hash TEXT NOT NULL DEFAULT '',
	result_blob TEXT NOT NULL DEFAULT '',
	leaf_hash TEXT NOT NULL DEFAULT '',
	policy_trace TEXT NOT NULL
);`

const selectColumns = `id, chain_index, created_at, sealed_at, mode, grade, request_hash, request_canon, backend, job_id, result_hash, result_blob, leaf_hash, policy_trace`

// NewSQLStore wraps db and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLStore) Append(ctx context.Context, e *evidence.Entry) error {
	trace, err := json.Marshal(e.PolicyTrace)
	if err != nil {
		return fmt.Errorf("store: encode policy trace: %w", err)
	}
	sealedAt := ""
	if e.SealedAt != nil {
		sealedAt = formatTime(*e.SealedAt)
	}
	query := s.rebind(`INSERT INTO evidence_entries (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		e.ID, int64(e.ChainIndex), formatTime(e.CreatedAt), sealedAt, string(e.Mode), string(e.Grade),
		e.RequestHash, e.RequestCanon, e.Backend, e.JobID, e.ResultHash, e.ResultBlob, e.LeafHash, string(trace),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return evidence.ErrIndexConflict
		}
		return fmt.Errorf("store: insert entry: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*evidence.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM evidence_entries WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evidence.ErrNotFound
	}
	return e, err
}

func (s *SQLStore) Update(ctx context.Context, e *evidence.Entry, from evidence.Grade) error {
	sealedAt := ""
	if e.SealedAt != nil {
		sealedAt = formatTime(*e.SealedAt)
	}
	query := s.rebind(`UPDATE evidence_entries
		SET grade = ?, sealed_at = ?, job_id = ?, result_hash = ?, result_blob = ?, leaf_hash = ?
		WHERE id = ? AND grade = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(e.Grade), sealedAt, e.JobID, e.ResultHash, e.ResultBlob, e.LeafHash, e.ID, string(from))
	if err != nil {
		return fmt.Errorf("store: update entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM evidence_entries WHERE id = ?`), e.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return evidence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: check entry: %w", err)
	}
	return evidence.ErrGradeConflict
}

func (s *SQLStore) List(ctx context.Context) ([]*evidence.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM evidence_entries ORDER BY chain_index`)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*evidence.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*evidence.Entry, error) {
	var (
		e                   evidence.Entry
		chainIndex          int64
		createdAt, sealedAt string
		mode, grade, trace  string
	)
	err := row.Scan(&e.ID, &chainIndex, &createdAt, &sealedAt, &mode, &grade,
		&e.RequestHash, &e.RequestCanon, &e.Backend, &e.JobID, &e.ResultHash, &e.ResultBlob, &e.LeafHash, &trace)
	if err != nil {
		return nil, err
	}
	e.ChainIndex = uint64(chainIndex)
	e.Mode = gate.Mode(mode)
	e.Grade = evidence.Grade(grade)
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("store: entry %s created_at: %w", e.ID, err)
	}
	if sealedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, sealedAt)
		if err != nil {
			return nil, fmt.Errorf("store: entry %s sealed_at: %w", e.ID, err)
		}
		e.SealedAt = &t
	}
	if err := json.Unmarshal([]byte(trace), &e.PolicyTrace); err != nil {
		return nil, fmt.Errorf("store: entry %s policy_trace: %w", e.ID, err)
	}
	return &e, nil
}
