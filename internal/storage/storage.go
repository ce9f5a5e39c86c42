package storage

import (
	"context"
	"time"
)

// Storage defines the interface for persisting backend credentials
type Storage interface {
	// Credential operations
	UpsertCredential(ctx context.Context, cred *CredentialRow) error
	GetCredential(ctx context.Context, id string) (*CredentialRow, error)
	ListCredentials(ctx context.Context) ([]*CredentialRow, error)
	UpdateToken(ctx context.Context, id string, token []byte) error
	MarkInvalid(ctx context.Context, id string, cause string) error
	DeleteCredential(ctx context.Context, id string) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// CredentialRow is the persisted form of one backend identity
type CredentialRow struct {
	ID           string
	Backend      string
	Account      string
	Secret       []byte
	Token        []byte
	Valid        bool
	FailureCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
