// Package store provides the SQLite-backed delivery history for paperboy.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/robertmeta/paperboy/model"
	_ "modernc.org/sqlite"
)

// Store manages the SQLite database.
type Store struct {
	db *sql.DB
}

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Fetched  int       `json:"fetched"`
	Filtered int       `json:"filtered"`
	Analyzed int       `json:"analyzed"`
	Outputs  int       `json:"outputs"`
	Issues   int       `json:"issues"`
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" would be a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}

	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_links (
		link TEXT PRIMARY KEY,
		source TEXT,
		title TEXT,
		first_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started INTEGER NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		filtered INTEGER NOT NULL DEFAULT 0,
		analyzed INTEGER NOT NULL DEFAULT 0,
		outputs INTEGER NOT NULL DEFAULT 0,
		issues INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_seen_links_first_seen ON seen_links(first_seen);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// MarkSeen records entries as delivered at the given time. Links already
// recorded keep their original first_seen.
func (s *Store) MarkSeen(entries []*model.Entry, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO seen_links (link, source, title, first_seen) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.Link == "" {
			continue
		}
		if _, err := stmt.Exec(e.Link, e.SourceName, e.Title, at.Unix()); err != nil {
			return fmt.Errorf("failed to record link %s: %w", e.Link, err)
		}
	}

	return tx.Commit()
}

// SeenSince returns true if link was recorded at or after since.
func (s *Store) SeenSince(link string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM seen_links WHERE link = ? AND first_seen >= ?",
		link, since.Unix(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query seen link: %w", err)
	}
	return n > 0, nil
}

// Prune deletes links first seen before the given time.
func (s *Store) Prune(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM seen_links WHERE first_seen < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune seen links: %w", err)
	}
	return result.RowsAffected()
}

// CountSeen returns the number of recorded links.
func (s *Store) CountSeen() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM seen_links").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count seen links: %w", err)
	}
	return n, nil
}

// SaveRun records a run.
func (s *Store) SaveRun(r *RunRecord) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO runs (id, started, fetched, filtered, analyzed, outputs, issues) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.Started.Unix(), r.Fetched, r.Filtered, r.Analyzed, r.Outputs, r.Issues,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*RunRecord, error) {
	query := "SELECT id, started, fetched, filtered, analyzed, outputs, issues FROM runs ORDER BY started DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var started int64
		if err := rows.Scan(&r.ID, &started, &r.Fetched, &r.Filtered, &r.Analyzed, &r.Outputs, &r.Issues); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Started = unixToTime(started)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// RecentLinks answers history lookups within a retention window.
type RecentLinks struct {
	store *Store
	since time.Time
}

// Recent returns a view of links recorded within retention of now.
func (s *Store) Recent(retention time.Duration, now time.Time) *RecentLinks {
	return &RecentLinks{store: s, since: now.Add(-retention)}
}

// Seen implements feed.History.
func (r *RecentLinks) Seen(link string) (bool, error) {
	return r.store.SeenSince(link, r.since)
}

// Helper to convert Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}
