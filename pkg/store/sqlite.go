package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps documents in a single sqlite table, content stored as a
// base64 text column.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		title text not null default 'Untitled Note',
		owner text not null default '',
		collaborators text not null default '',
		content text,
		updated_at timestamp
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var title string
	var rawContent sql.NullString
	var updatedAt sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT title, content, updated_at FROM documents WHERE id = ?`, docID,
	).Scan(&title, &rawContent, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if !rawContent.Valid {
		return nil, ErrNotFound
	}
	content, err := base64.StdEncoding.DecodeString(rawContent.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot content: %w", err)
	}
	return &Snapshot{DocID: docID, Title: title, Content: content, UpdatedAt: updatedAt.Time}, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, docID string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		docID, encoded, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Authorize(ctx context.Context, userID, docID string) (Role, error) {
	var owner, collaborators string
	if err := s.db.QueryRowContext(ctx,
		`SELECT owner, collaborators FROM documents WHERE id = ?`, docID,
	).Scan(&owner, &collaborators); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoleDenied, nil
		}
		return RoleDenied, fmt.Errorf("failed to query document access: %w", err)
	}
	if userID == "" {
		return RoleDenied, nil
	}
	if userID == owner {
		return RoleOwner, nil
	}
	for _, c := range strings.Split(collaborators, ",") {
		if strings.TrimSpace(c) == userID {
			return RoleCollaborator, nil
		}
	}
	return RoleDenied, nil
}

// CreateDocument registers a document record. Content stays empty until the
// first snapshot flush.
func (s *SQLiteStore) CreateDocument(ctx context.Context, docID, title, owner string, collaborators []string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, owner, collaborators, updated_at) VALUES (?, ?, ?, ?, ?)`,
		docID, title, owner, strings.Join(collaborators, ","), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
