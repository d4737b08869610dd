package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore keeps pages in postgres. It shares the schema of SQLiteStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS pages (
		id text not null primary key,
		content text not null,
		updated_at timestamptz not null
	)`); err != nil {
		return fmt.Errorf("failed to create pages table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS page_revisions (
		id text not null primary key,
		page_id text not null,
		content text not null,
		created_at timestamptz not null
	)`); err != nil {
		return fmt.Errorf("failed to create page_revisions table: %w", err)
	}
	return nil
}

func (s *PostgresStore) PageContent(ctx context.Context, pageID string) (string, error) {
	if err := validPageID(pageID); err != nil {
		return "", err
	}
	var content string
	if err := s.pool.QueryRow(ctx, `SELECT content FROM pages WHERE id = $1`, pageID).Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query page: %w", err)
	}
	return content, nil
}

func (s *PostgresStore) SavePageContent(ctx context.Context, pageID, content string) error {
	if err := validPageID(pageID); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		tag, err := tx.Exec(
			ctx, `INSERT INTO pages (id, content, updated_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at WHERE pages.content != excluded.content`,
			pageID, content, now,
		)
		if err != nil {
			return fmt.Errorf("failed to save page: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(
			ctx, `INSERT INTO page_revisions (id, page_id, content, created_at) VALUES ($1, $2, $3, $4)`,
			ulid.Make().String(), pageID, content, now,
		); err != nil {
			return fmt.Errorf("failed to record revision: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Revisions(ctx context.Context, pageID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(
		ctx, `SELECT id, content, created_at FROM page_revisions WHERE page_id = $1 ORDER BY id DESC LIMIT $2`,
		pageID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions: %w", err)
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		r := Revision{PageID: pageID}
		if err := rows.Scan(&r.ID, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
