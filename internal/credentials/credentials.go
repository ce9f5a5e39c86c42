// Package credentials resolves backend identities to authentication
// material and records revocations.
//
// The store sits on top of the SQLite credential table. A row that a
// provider has revoked stays in the table with valid = 0 until an operator
// stores fresh material with Put, so scans never retry a dead credential.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/storage"
	"github.com/dshills/receiptscout/pkg/types"
)

// Refresher exchanges stored material for a fresh token.
// It returns the token bytes to persist, or nil when nothing changed.
type Refresher interface {
	Refresh(ctx context.Context, cred types.Credential) ([]byte, error)
}

// RefresherFunc adapts a function to the Refresher interface
type RefresherFunc func(ctx context.Context, cred types.Credential) ([]byte, error)

// Refresh calls f
func (f RefresherFunc) Refresh(ctx context.Context, cred types.Credential) ([]byte, error) {
	return f(ctx, cred)
}

// Store is the credential store used by the connection pools
type Store struct {
	db         storage.Storage
	refreshers map[types.Backend]Refresher
	logger     *zap.Logger
}

// New creates a store. Backends without a refresher refresh by re-reading
// their row.
func New(db storage.Storage, refreshers map[types.Backend]Refresher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refreshers == nil {
		refreshers = make(map[types.Backend]Refresher)
	}
	return &Store{db: db, refreshers: refreshers, logger: logger}
}

// ReauthorizeMessage is the operator instruction surfaced with an expired credential
func ReauthorizeMessage(id string) string {
	return fmt.Sprintf("re-authorize with: receiptscout auth set --id %s ...", id)
}

func expired(id, cause string) error {
	if cause == "" {
		return fmt.Errorf("%w: %s; %s", types.ErrCredentialsExpired, id, ReauthorizeMessage(id))
	}
	return fmt.Errorf("%w: %s (%s); %s", types.ErrCredentialsExpired, id, cause, ReauthorizeMessage(id))
}

func fromRow(row *storage.CredentialRow) types.Credential {
	return types.Credential{
		ID:           row.ID,
		Backend:      types.Backend(row.Backend),
		Account:      row.Account,
		Secret:       row.Secret,
		Token:        row.Token,
		Valid:        row.Valid,
		FailureCount: row.FailureCount,
		LastError:    row.LastError,
		UpdatedAt:    row.UpdatedAt,
	}
}

func (s *Store) load(ctx context.Context, id string) (types.Credential, error) {
	row, err := s.db.GetCredential(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Credential{}, fmt.Errorf("%w: %s", types.ErrNoCredentials, id)
	}
	if err != nil {
		return types.Credential{}, types.Transient(err)
	}
	return fromRow(row), nil
}

// Credential returns the material for id. A revoked row yields
// types.ErrCredentialsExpired.
func (s *Store) Credential(ctx context.Context, id string) (types.Credential, error) {
	cred, err := s.load(ctx, id)
	if err != nil {
		return types.Credential{}, err
	}
	if !cred.Valid {
		return types.Credential{}, expired(id, cred.LastError)
	}
	return cred, nil
}

// Refresh performs the provider token exchange for id and persists the
// result. A rejected exchange revokes the credential.
func (s *Store) Refresh(ctx context.Context, id string) (types.Credential, error) {
	cred, err := s.Credential(ctx, id)
	if err != nil {
		return types.Credential{}, err
	}

	r, ok := s.refreshers[cred.Backend]
	if !ok {
		return cred, nil
	}

	token, err := r.Refresh(ctx, cred)
	if err != nil {
		if types.Classify(err) == types.KindTransient {
			return types.Credential{}, err
		}
		if rerr := s.Revoke(ctx, id, err.Error()); rerr != nil {
			s.logger.Error("failed to revoke credential", zap.String("credential", id), zap.Error(rerr))
		}
		return types.Credential{}, expired(id, err.Error())
	}
	if token == nil {
		return cred, nil
	}

	if err := s.persistToken(ctx, id, cred.Secret, token); err != nil {
		return types.Credential{}, err
	}
	cred.Token = token
	s.logger.Info("refreshed credential", zap.String("credential", id))
	return cred, nil
}

// persistToken writes the token unless the row was re-authorized or revoked
// while the exchange was in flight
func (s *Store) persistToken(ctx context.Context, id string, secret, token []byte) (err error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return types.Transient(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := tx.GetCredential(ctx, id)
	if err != nil {
		return fmt.Errorf("reload credential %s: %w", id, err)
	}
	if !row.Valid {
		return expired(id, row.LastError)
	}
	if string(row.Secret) != string(secret) {
		return fmt.Errorf("%w: %s changed during refresh", types.ErrTransient, id)
	}
	if err := tx.UpdateToken(ctx, id, token); err != nil {
		return err
	}
	return tx.Commit()
}

// Revoke marks id invalid and records the cause
func (s *Store) Revoke(ctx context.Context, id, cause string) error {
	if err := s.db.MarkInvalid(ctx, id, cause); err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}
	s.logger.Warn("credential revoked",
		zap.String("credential", id),
		zap.String("cause", cause),
		zap.String("action", ReauthorizeMessage(id)))
	return nil
}

// Usable reports whether id exists and has not been revoked
func (s *Store) Usable(ctx context.Context, id string) bool {
	_, err := s.Credential(ctx, id)
	return err == nil
}

// Put stores fresh material for a credential and marks it valid
func (s *Store) Put(ctx context.Context, cred types.Credential) error {
	if cred.ID == "" {
		return errors.New("credential id cannot be empty")
	}
	if !cred.Backend.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidBackend, cred.Backend)
	}
	if len(cred.Secret) == 0 {
		return fmt.Errorf("credential %s: secret cannot be empty", cred.ID)
	}
	row := &storage.CredentialRow{
		ID:      cred.ID,
		Backend: string(cred.Backend),
		Account: cred.Account,
		Secret:  cred.Secret,
		Token:   cred.Token,
	}
	return s.db.UpsertCredential(ctx, row)
}

// List returns every stored credential, valid or not
func (s *Store) List(ctx context.Context) ([]types.Credential, error) {
	rows, err := s.db.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	creds := make([]types.Credential, 0, len(rows))
	for _, row := range rows {
		creds = append(creds, fromRow(row))
	}
	return creds, nil
}
