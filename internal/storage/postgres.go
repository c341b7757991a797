package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchemaName isolates commitq tables on a shared server.
const pgSchemaName = "commitq"

var pgSchemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS ` + pgSchemaName,
	`CREATE TABLE IF NOT EXISTS ` + pgSchemaName + `.landed (
	  id BIGSERIAL PRIMARY KEY,
	  issue BIGINT NOT NULL,
	  patchset BIGINT NOT NULL,
	  owner TEXT NOT NULL,
	  revision TEXT NOT NULL,
	  landed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + pgSchemaName + `.discards (
	  id BIGSERIAL PRIMARY KEY,
	  issue BIGINT NOT NULL,
	  patchset BIGINT NOT NULL,
	  owner TEXT NOT NULL,
	  reason TEXT NOT NULL,
	  discarded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pg_landed_issue ON ` + pgSchemaName + `.landed(issue)`,
}

// PgMirror copies history rows to a shared PostgreSQL server so
// dashboards can aggregate across queue instances. Every write is
// best effort; the sqlite store stays authoritative.
type PgMirror struct {
	pool *pgxpool.Pool
}

// ConnectPgMirror opens the pool and ensures the schema exists.
func ConnectPgMirror(ctx context.Context, dsn string) (*PgMirror, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range pgSchemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
	}
	return &PgMirror{pool: pool}, nil
}

func (m *PgMirror) Close() {
	m.pool.Close()
}

func (m *PgMirror) RecordLanded(ctx context.Context, issue, patchset int64, owner, revision string) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO `+pgSchemaName+`.landed (issue, patchset, owner, revision) VALUES ($1, $2, $3, $4)`,
		issue, patchset, owner, revision)
	return err
}

func (m *PgMirror) RecordDiscard(ctx context.Context, issue, patchset int64, owner, reason string) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO `+pgSchemaName+`.discards (issue, patchset, owner, reason) VALUES ($1, $2, $3, $4)`,
		issue, patchset, owner, reason)
	return err
}

// TeeRecorder writes to the sqlite store and mirrors to postgres. A
// mirror failure is logged, never surfaced.
type TeeRecorder struct {
	Primary *DB
	Mirror  *PgMirror
}

func (t *TeeRecorder) RecordLanded(ctx context.Context, issue, patchset int64, owner, revision string) error {
	err := t.Primary.RecordLanded(ctx, issue, patchset, owner, revision)
	if t.Mirror != nil {
		if merr := t.Mirror.RecordLanded(ctx, issue, patchset, owner, revision); merr != nil {
			log.Printf("storage: mirror landed %d-%d: %v", issue, patchset, merr)
		}
	}
	return err
}

func (t *TeeRecorder) RecordDiscard(ctx context.Context, issue, patchset int64, owner, reason string) error {
	err := t.Primary.RecordDiscard(ctx, issue, patchset, owner, reason)
	if t.Mirror != nil {
		if merr := t.Mirror.RecordDiscard(ctx, issue, patchset, owner, reason); merr != nil {
			log.Printf("storage: mirror discard %d-%d: %v", issue, patchset, merr)
		}
	}
	return err
}
