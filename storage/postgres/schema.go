package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_records (
	namespace   TEXT   NOT NULL,
	record_type TEXT   NOT NULL,
	record_id   TEXT   NOT NULL,
	ver         INT    NOT NULL,
	scheme      TEXT   NOT NULL,
	nonce       BYTEA  NOT NULL,
	ciphertext  BYTEA  NOT NULL,
	PRIMARY KEY (namespace, record_type, record_id)
);`

// EnsureSchema creates the records table if it does not exist. It is safe to
// call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
