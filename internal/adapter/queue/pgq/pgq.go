// Package pgq implements the durable Postgres-backed job queue: enqueue and
// row-locked claim, slot leases, spawn planning, and the pipeline fan-in
// transitions. All claim paths rely on FOR UPDATE SKIP LOCKED so no two
// workers ever hold the same row.
package pgq

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal query surface the queue needs. Both *pgxpool.Pool and
// pgx.Tx satisfy it, which lets callers enqueue inside their own
// transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool adds transaction support on top of DB.
type Pool interface {
	DB
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
