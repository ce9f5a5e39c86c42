// Package engine implements the per-backend receipt search engines.
//
// Every engine runs the same scan loop over a backend-specific cursor:
//
//	Idle -> Scanning -> Satisfied | Exhausted | Cancelled | Failed
//
// A scan fetches a page of candidates from the configured sender, newest
// first, and for each candidate fetches the message, parses its first
// document attachment and fuzzy-matches payer and payee. The shared Stop
// signal is polled before each page and before each candidate, so a scan
// may finish the candidate it is on after another engine has satisfied the
// request.
//
// Gmail pages with the API's page token. IMAP searches once and walks the
// UID list from the top in PageSize windows.
//
// Sessions come from a pool.Pool. An authentication failure invalidates
// the pooled session and retries once on refreshed credentials; a second
// failure revokes the credential and ends the scan with
// types.ErrCredentialsExpired.
package engine
