package app

import (
	"context"
	"fmt"

	"github.com/dshills/receiptscout/internal/storage"
	"github.com/dshills/receiptscout/pkg/types"
)

// CredentialStatus is the health of one stored credential
type CredentialStatus struct {
	ID           string        `json:"id"`
	Backend      types.Backend `json:"backend"`
	Account      string        `json:"account,omitempty"`
	Valid        bool          `json:"valid"`
	InUse        bool          `json:"in_use"` // Referenced by an enabled backend
	FailureCount int           `json:"failure_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// PoolStatus describes one connection pool
type PoolStatus struct {
	Backend       types.Backend `json:"backend"`
	Handles       int           `json:"handles"`
	Constructions int64         `json:"constructions"`
}

// Status is a point-in-time view of the running pipeline
type Status struct {
	BuildMode      string             `json:"build_mode"`
	Backends       []types.Backend    `json:"enabled_backends"`
	Pools          []PoolStatus       `json:"pools"`
	InFlight       int                `json:"in_flight_requests"`
	ParseCache     int                `json:"parse_cache_entries"`
	Extractions    int64              `json:"parse_extractions"`
	Credentials    []CredentialStatus `json:"credentials"`
	Missing     []string           `json:"missing_credentials,omitempty"`
}

// Status reports pool sizes, cache sizes and credential validity
func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{
		BuildMode:   storage.BuildMode,
		Backends:    a.cfg.EnabledBackends(),
		Pools:       []PoolStatus{},
		InFlight:    a.Service.InFlight(),
		ParseCache:  a.parser.Len(),
		Extractions: a.parser.Extractions(),
		Credentials: []CredentialStatus{},
	}
	if a.gmailPool != nil {
		st.Pools = append(st.Pools, PoolStatus{
			Backend:       types.BackendGmail,
			Handles:       a.gmailPool.Len(),
			Constructions: a.gmailPool.Constructions(),
		})
	}
	if a.imapPool != nil {
		st.Pools = append(st.Pools, PoolStatus{
			Backend:       types.BackendFastmail,
			Handles:       a.imapPool.Len(),
			Constructions: a.imapPool.Constructions(),
		})
	}

	inUse := a.credentialIDs()
	creds, err := a.Credentials.List(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to list credentials: %w", err)
	}
	seen := make(map[string]bool, len(creds))
	for _, c := range creds {
		seen[c.ID] = true
		st.Credentials = append(st.Credentials, CredentialStatus{
			ID:           c.ID,
			Backend:      c.Backend,
			Account:      c.Account,
			Valid:        c.Valid,
			InUse:        inUse[c.ID],
			FailureCount: c.FailureCount,
			LastError:    c.LastError,
		})
	}
	for _, b := range st.Backends {
		id := a.credentialID(b)
		if !seen[id] {
			st.Missing = append(st.Missing, id)
		}
	}
	return st, nil
}

func (a *App) credentialID(b types.Backend) string {
	switch b {
	case types.BackendGmail:
		return a.cfg.Backends.Gmail.Credential
	case types.BackendFastmail:
		return a.cfg.Backends.Fastmail.Credential
	default:
		return ""
	}
}

func (a *App) credentialIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, b := range a.cfg.EnabledBackends() {
		ids[a.credentialID(b)] = true
	}
	return ids
}
