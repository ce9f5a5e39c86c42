// Package storage provides SQLite-based persistence for backend credentials.
//
// Each row holds the authentication material for one backend identity: the
// oauth2 client configuration and token for Gmail, or the app password for
// IMAP. A row also carries the validity flag and the failure bookkeeping the
// credential store updates when a provider revokes access.
//
// # Database Schema
//
// Tables:
//   - schema_version: applied migrations (semver ordered)
//   - credentials: id, backend, account, secret, token, valid,
//     failure_count, last_error
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.receiptscout/credentials.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.UpsertCredential(ctx, &storage.CredentialRow{
//	    ID:      "gmail:payments",
//	    Backend: "gmail",
//	    Account: "payments@example.com",
//	    Secret:  clientJSON,
//	    Token:   tokenJSON,
//	})
//
// # Transactions
//
// Use transactions when a read and a write must agree:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	row, err := tx.GetCredential(ctx, id)
//	// ...
//	if err := tx.UpdateToken(ctx, id, refreshed); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// # Drivers
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_cgo tag switches to github.com/mattn/go-sqlite3. BuildMode reports
// which one was compiled in.
package storage
