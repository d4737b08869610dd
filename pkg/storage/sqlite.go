package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

type SQLiteStore struct {
	database *sql.DB
	now      func() time.Time
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer, a single connection keeps the save transaction from tripping over itself
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{database: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS pages (
    	id text not null primary key,
        content text not null,
        updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create pages table: %w", err)
	}
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS page_revisions (
    	id text not null primary key,
        page_id text not null,
        content text not null,
        created_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create page_revisions table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PageContent(ctx context.Context, pageID string) (string, error) {
	if err := validPageID(pageID); err != nil {
		return "", err
	}
	var content string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM pages WHERE id = ?`, pageID).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query page: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) SavePageContent(ctx context.Context, pageID, content string) error {
	if err := validPageID(pageID); err != nil {
		return err
	}
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(
		ctx, `INSERT INTO pages (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at WHERE pages.content != excluded.content`,
		pageID, content, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save page: %w", err)
	}
	if r, _ := res.RowsAffected(); r == 0 {
		return nil
	}
	if _, err := tx.ExecContext(
		ctx, `INSERT INTO page_revisions (id, page_id, content, created_at) VALUES (?, ?, ?, ?)`,
		ulid.Make().String(), pageID, content, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Revisions(ctx context.Context, pageID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.QueryContext(
		ctx, `SELECT id, content, created_at FROM page_revisions WHERE page_id = ? ORDER BY id DESC LIMIT ?`,
		pageID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions: %w", err)
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		r := Revision{PageID: pageID}
		var at int64
		if err := rows.Scan(&r.ID, &r.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}
