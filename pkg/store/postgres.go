package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed variant for deployments that already run
// the document registry on postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and ensures the documents table exists.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		title text not null default 'Untitled Note',
		owner text not null default '',
		collaborators text[] not null default '{}',
		content bytea,
		updated_at timestamptz
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var title string
	var content []byte
	var updatedAt *time.Time
	if err := s.pool.QueryRow(ctx,
		`SELECT title, content, updated_at FROM documents WHERE id = $1`, docID,
	).Scan(&title, &content, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if content == nil {
		return nil, ErrNotFound
	}
	snap := &Snapshot{DocID: docID, Title: title, Content: content}
	if updatedAt != nil {
		snap.UpdatedAt = *updatedAt
	}
	return snap, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, content []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, content, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		docID, content, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Authorize(ctx context.Context, userID, docID string) (Role, error) {
	var owner string
	var collaborators []string
	if err := s.pool.QueryRow(ctx,
		`SELECT owner, collaborators FROM documents WHERE id = $1`, docID,
	).Scan(&owner, &collaborators); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	for _, c := range collaborators {
		if c == userID {
			return RoleCollaborator, nil
		}
	}
	return RoleDenied, nil
}

// CreateDocument registers a document record. Content stays empty until the
// first snapshot flush.
func (s *PostgresStore) CreateDocument(ctx context.Context, docID, title, owner string, collaborators []string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, owner, collaborators, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		docID, title, owner, collaborators, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
