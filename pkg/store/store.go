// Package store persists document snapshots and answers access-control
// queries against the document registry's records. The sync engine treats
// snapshot content as an opaque blob; title, owner and collaborator fields in
// the same record belong to the registry.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no snapshot exists for a document id.
var ErrNotFound = errors.New("document not found")

// Snapshot is the durable form of a document.
type Snapshot struct {
	DocID     string
	Title     string
	Content   []byte
	UpdatedAt time.Time
}

// Store reads and writes snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, docID string, content []byte) error
	Close() error
}

// Role is the outcome of an authorization check.
type Role int

const (
	RoleDenied Role = iota
	RoleCollaborator
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleCollaborator:
		return "collaborator"
	default:
		return "denied"
	}
}

// Authorizer decides whether a user may open a document. Unknown users and
// unknown documents are denied rather than erroring.
type Authorizer interface {
	Authorize(ctx context.Context, userID, docID string) (Role, error)
}

// TokenVerifier maps a handshake credential to a user id. The real
// implementation lives with the external auth service; identityVerifier
// stands in for deployments that terminate auth upstream and pass the user id
// through.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type identityVerifier struct{}

func (identityVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty credential")
	}
	return token, nil
}

// IdentityVerifier returns a TokenVerifier that treats the credential itself
// as the user id.
func IdentityVerifier() TokenVerifier { return identityVerifier{} }

// Open picks a backend from the url: postgres:// urls get the pgx-backed
// store, anything else is treated as a sqlite path.
func Open(ctx context.Context, url string) (Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenPostgres(ctx, url)
	}
	return OpenSQLite(ctx, url)
}
