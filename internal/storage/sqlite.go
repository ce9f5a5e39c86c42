package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Credential operations

const credentialColumns = `id, backend, account, secret, token, valid, failure_count, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row scanner) (*CredentialRow, error) {
	var c CredentialRow
	var token []byte
	err := row.Scan(&c.ID, &c.Backend, &c.Account, &c.Secret, &token,
		&c.Valid, &c.FailureCount, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Token = token
	return &c, nil
}

// upsertCredentialWithQuerier stores material and marks the identity valid.
// Re-authorization clears the failure bookkeeping.
func (s *SQLiteStorage) upsertCredentialWithQuerier(ctx context.Context, q querier, cred *CredentialRow) error {
	query := `
		INSERT INTO credentials (id, backend, account, secret, token, valid, failure_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			backend = excluded.backend,
			account = excluded.account,
			secret = excluded.secret,
			token = excluded.token,
			valid = 1,
			failure_count = 0,
			last_error = '',
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, query,
		cred.ID, cred.Backend, cred.Account, cred.Secret, cred.Token, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	cred.Valid = true
	cred.FailureCount = 0
	cred.LastError = ""
	cred.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertCredential(ctx context.Context, cred *CredentialRow) error {
	return s.upsertCredentialWithQuerier(ctx, s.querier(), cred)
}

func (s *SQLiteStorage) getCredentialWithQuerier(ctx context.Context, q querier, id string) (*CredentialRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

func (s *SQLiteStorage) GetCredential(ctx context.Context, id string) (*CredentialRow, error) {
	return s.getCredentialWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) listCredentialsWithQuerier(ctx context.Context, q querier) ([]*CredentialRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY backend, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*CredentialRow
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *SQLiteStorage) ListCredentials(ctx context.Context) ([]*CredentialRow, error) {
	return s.listCredentialsWithQuerier(ctx, s.querier())
}

// execOne runs an update that must touch exactly one row
func execOne(ctx context.Context, q querier, query string, args ...interface{}) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) updateTokenWithQuerier(ctx context.Context, q querier, id string, token []byte) error {
	err := execOne(ctx, q,
		`UPDATE credentials SET token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return err
}

func (s *SQLiteStorage) UpdateToken(ctx context.Context, id string, token []byte) error {
	return s.updateTokenWithQuerier(ctx, s.querier(), id, token)
}

func (s *SQLiteStorage) markInvalidWithQuerier(ctx context.Context, q querier, id string, cause string) error {
	err := execOne(ctx, q,
		`UPDATE credentials SET valid = 0, failure_count = failure_count + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		cause, time.Now().UTC(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	return err
}

func (s *SQLiteStorage) MarkInvalid(ctx context.Context, id string, cause string) error {
	return s.markInvalidWithQuerier(ctx, s.querier(), id, cause)
}

func (s *SQLiteStorage) deleteCredentialWithQuerier(ctx context.Context, q querier, id string) error {
	err := execOne(ctx, q, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return err
}

func (s *SQLiteStorage) DeleteCredential(ctx context.Context, id string) error {
	return s.deleteCredentialWithQuerier(ctx, s.querier(), id)
}

// Transaction method implementations

func (t *sqliteTx) UpsertCredential(ctx context.Context, cred *CredentialRow) error {
	return t.storage.upsertCredentialWithQuerier(ctx, t.querier(), cred)
}

func (t *sqliteTx) GetCredential(ctx context.Context, id string) (*CredentialRow, error) {
	return t.storage.getCredentialWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListCredentials(ctx context.Context) ([]*CredentialRow, error) {
	return t.storage.listCredentialsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) UpdateToken(ctx context.Context, id string, token []byte) error {
	return t.storage.updateTokenWithQuerier(ctx, t.querier(), id, token)
}

func (t *sqliteTx) MarkInvalid(ctx context.Context, id string, cause string) error {
	return t.storage.markInvalidWithQuerier(ctx, t.querier(), id, cause)
}

func (t *sqliteTx) DeleteCredential(ctx context.Context, id string) error {
	return t.storage.deleteCredentialWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}

// DB exposes the underlying handle for migration tooling
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}
