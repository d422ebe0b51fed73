// Package postgres implements storage.Repository backed by PostgreSQL, for
// deployments where several hosts share one session directory.
//
// The composite primary key (namespace, record_type, record_id) mirrors the
// key space of the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/crossguard/storage"
)

const upsertSQL = `INSERT INTO session_records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)
	 ON CONFLICT (namespace, record_type, record_id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7`

const deleteSQL = `DELETE FROM session_records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, upsertSQL,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func (s *Store) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	ctx := context.Background()
	var env storage.Envelope
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext
		 FROM session_records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, s.pool, namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) List(namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM session_records WHERE namespace = $1 AND record_type = $2`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(namespace, recordType, recordID string) error {
	ctx := context.Background()
	tag, err := s.pool.Exec(ctx, deleteSQL, namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, s.pool, namespace, recordType, recordID)
	}
	return nil
}

// Batch runs fn inside one PostgreSQL transaction.
func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL,
		btx.namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	tag, err := btx.tx.Exec(btx.ctx, deleteSQL, btx.namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// notFoundError distinguishes a missing namespace from a missing record,
// matching the BBolt backend.
func notFoundError(ctx context.Context, q querier, namespace, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM session_records WHERE namespace = $1 LIMIT 1)`,
		namespace).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
