package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func noRow() rowStub {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

// poolStub implements postgres.PgxPool for tests. Rows are served in order of
// QueryRow calls so multi-statement methods can be scripted.
type poolStub struct {
	execErr  error
	execSQL  []string
	rows     []rowStub
	rowIdx   int
	beginErr error
	tx       *txStub
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.rowIdx >= len(p.rows) {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	r := p.rows[p.rowIdx]
	p.rowIdx++
	return r
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("query not configured")
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}

// txStub implements the parts of pgx.Tx the repos touch; everything else
// panics via the embedded nil interface.
type txStub struct {
	pgx.Tx
	execErr   error
	execSQL   []string
	querySQL  []string
	rows      []rowStub
	rowIdx    int
	committed bool
}

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.CommandTag{}, t.execErr
}

func (t *txStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.querySQL = append(t.querySQL, sql)
	if t.rowIdx >= len(t.rows) {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	r := t.rows[t.rowIdx]
	t.rowIdx++
	return r
}

func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return nil
}

func (t *txStub) Rollback(_ context.Context) error { return nil }
