package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/receiptscout/internal/credentials"
	"github.com/dshills/receiptscout/internal/storage"
	"github.com/dshills/receiptscout/pkg/types"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored backend credentials",
	}
	cmd.AddCommand(authSetCmd())
	cmd.AddCommand(authListCmd())
	return cmd
}

// openCredentials opens only the credential store, without dialing backends
func openCredentials() (*credentials.Store, func(), error) {
	cfg, logger, cleanup, err := loadConfigAndLogger()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	store := credentials.New(db, nil, logger.Named("credentials"))
	return store, func() {
		_ = db.Close()
		cleanup()
	}, nil
}

func authSetCmd() *cobra.Command {
	var (
		id         string
		backend    string
		account    string
		secretFile string
		tokenFile  string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store or replace a credential and mark it valid",
		Long: `Store credential material for one backend identity.

For gmail, --secret-file is the OAuth client JSON downloaded from the Google
console and --token-file is the token JSON holding a refresh_token.
For fastmail, --secret-file contains the IMAP app password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := types.ParseBackend(backend)
			if err != nil {
				return err
			}
			if b == "" {
				return fmt.Errorf("--backend is required")
			}

			secret, err := os.ReadFile(secretFile)
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			if b == types.BackendFastmail {
				secret = []byte(strings.TrimSpace(string(secret)))
			}

			var token []byte
			if tokenFile != "" {
				if token, err = os.ReadFile(tokenFile); err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
			}
			if b == types.BackendGmail && len(token) == 0 {
				return fmt.Errorf("gmail credentials need --token-file")
			}

			store, closeStore, err := openCredentials()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Put(context.Background(), types.Credential{
				ID:      id,
				Backend: b,
				Account: account,
				Secret:  secret,
				Token:   token,
			}); err != nil {
				return err
			}
			fmt.Printf("Stored credential %s (%s)\n", id, b)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "credential identity referenced by backends.<name>.credential")
	cmd.Flags().StringVar(&backend, "backend", "", "backend family (gmail, fastmail)")
	cmd.Flags().StringVar(&account, "account", "", "login or mailbox address")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "file holding the client secret or app password")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "file holding the oauth2 token JSON")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("backend")
	_ = cmd.MarkFlagRequired("secret-file")

	return cmd
}

func authListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credentials and their validity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openCredentials()
			if err != nil {
				return err
			}
			defer closeStore()

			creds, err := store.List(context.Background())
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("No credentials stored")
				return nil
			}
			for _, c := range creds {
				state := "valid"
				if !c.Valid {
					state = fmt.Sprintf("revoked (%d failures: %s)", c.FailureCount, c.LastError)
				}
				fmt.Printf("  %-16s %-9s %-28s %s\n", c.ID, c.Backend, c.Account, state)
			}
			return nil
		},
	}
}
