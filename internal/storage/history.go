package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Landed is one successfully committed change.
type Landed struct {
	ID       int64
	Issue    int64
	Patchset int64
	Owner    string
	Revision string
	LandedAt time.Time
}

// Discard is one abandoned commit attempt.
type Discard struct {
	ID          int64
	Issue       int64
	Patchset    int64
	Owner       string
	Reason      string
	DiscardedAt time.Time
}

// LKGRRun is one good-revision finder result.
type LKGRRun struct {
	ID       int64
	Revision string
	Posted   bool
	FoundAt  time.Time
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// RecordLanded stores a successfully committed change.
func (db *DB) RecordLanded(ctx context.Context, issue, patchset int64, owner, revision string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO landed (issue, patchset, owner, revision) VALUES (?, ?, ?, ?)`,
		issue, patchset, owner, revision)
	if err != nil {
		return fmt.Errorf("record landed %d-%d: %w", issue, patchset, err)
	}
	return nil
}

// RecordDiscard stores an abandoned commit attempt.
func (db *DB) RecordDiscard(ctx context.Context, issue, patchset int64, owner, reason string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO discards (issue, patchset, owner, reason) VALUES (?, ?, ?, ?)`,
		issue, patchset, owner, reason)
	if err != nil {
		return fmt.Errorf("record discard %d-%d: %w", issue, patchset, err)
	}
	return nil
}

// RecordLKGRRun stores a finder result.
func (db *DB) RecordLKGRRun(ctx context.Context, revision string, posted bool) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO lkgr_runs (revision, posted) VALUES (?, ?)`, revision, posted)
	if err != nil {
		return fmt.Errorf("record lkgr run %s: %w", revision, err)
	}
	return nil
}

// RecentLanded returns up to limit landed changes, newest first.
func (db *DB) RecentLanded(ctx context.Context, limit int) ([]Landed, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, issue, patchset, owner, revision, landed_at
		 FROM landed ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query landed: %w", err)
	}
	defer rows.Close()
	var out []Landed
	for rows.Next() {
		var l Landed
		var at string
		if err := rows.Scan(&l.ID, &l.Issue, &l.Patchset, &l.Owner, &l.Revision, &at); err != nil {
			return nil, fmt.Errorf("scan landed: %w", err)
		}
		l.LandedAt, _ = time.Parse(sqliteTimeLayout, at)
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecentDiscards returns up to limit discards, newest first.
func (db *DB) RecentDiscards(ctx context.Context, limit int) ([]Discard, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, issue, patchset, owner, reason, discarded_at
		 FROM discards ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query discards: %w", err)
	}
	defer rows.Close()
	var out []Discard
	for rows.Next() {
		var d Discard
		var at string
		if err := rows.Scan(&d.ID, &d.Issue, &d.Patchset, &d.Owner, &d.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan discard: %w", err)
		}
		d.DiscardedAt, _ = time.Parse(sqliteTimeLayout, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastLKGR returns the most recent finder result, or nil when the
// finder has never run.
func (db *DB) LastLKGR(ctx context.Context) (*LKGRRun, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, revision, posted, found_at FROM lkgr_runs ORDER BY id DESC LIMIT 1`)
	var r LKGRRun
	var posted int
	var at string
	if err := row.Scan(&r.ID, &r.Revision, &posted, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query lkgr runs: %w", err)
	}
	r.Posted = posted != 0
	r.FoundAt, _ = time.Parse(sqliteTimeLayout, at)
	return &r, nil
}
