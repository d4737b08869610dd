package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// RoomStore keeps the saved replica of every room between relay restarts.
type RoomStore interface {
	// LoadRoom returns the saved document of room, or false when there is none.
	LoadRoom(ctx context.Context, room string) ([]byte, bool, error)
	// SaveRoom stores content and reports whether anything changed.
	SaveRoom(ctx context.Context, room string, content []byte) (bool, error)
	Close() error
}

type SQLiteRoomStore struct {
	database *sql.DB
}

func OpenSQLiteRoomStore(path string) (*SQLiteRoomStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteRoomStore{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRoomStore) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS stores (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create stores table: %w", err)
	}
	return nil
}

func (s *SQLiteRoomStore) LoadRoom(ctx context.Context, room string) ([]byte, bool, error) {
	var rawSave string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM stores WHERE id = ?`, room).Scan(&rawSave); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode: %w", err)
	}
	return raw, true, nil
}

func (s *SQLiteRoomStore) SaveRoom(ctx context.Context, room string, content []byte) (bool, error) {
	newContent := base64.StdEncoding.EncodeToString(content)
	res, err := s.database.ExecContext(
		ctx, `INSERT INTO stores (id, content) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE stores.content != excluded.content`,
		room,
		newContent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to backup room: %w", err)
	}
	r, _ := res.RowsAffected()
	return r > 0, nil
}

func (s *SQLiteRoomStore) Close() error {
	return s.database.Close()
}
