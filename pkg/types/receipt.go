package types

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Backend identifies a mail backend family
type Backend string

const (
	BackendGmail    Backend = "gmail"    // Gmail REST API, oauth2 credentials
	BackendFastmail Backend = "fastmail" // IMAP over TLS, app password
)

// AllBackends lists every backend in scan preference order
var AllBackends = []Backend{BackendGmail, BackendFastmail}

// Valid reports whether b is a known backend
func (b Backend) Valid() bool {
	for _, known := range AllBackends {
		if b == known {
			return true
		}
	}
	return false
}

// ParseBackend converts a user-supplied name into a Backend.
// An empty name is valid and means "all backends".
func ParseBackend(name string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	if b == "" || b.Valid() {
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBackend, name)
}

// Query is an inbound receipt retrieval request
type Query struct {
	Backend Backend // Optional: restrict to one backend
	Payer   string
	Payee   string // Optional
	Count   int
}

// Validate checks the query before any backend work starts
func (q Query) Validate() error {
	if q.Backend != "" && !q.Backend.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, q.Backend)
	}
	if strings.TrimSpace(q.Payer) == "" {
		return ErrEmptyPayer
	}
	if q.Count < 1 {
		return ErrInvalidCount
	}
	return nil
}

// IsNumeric reports whether s consists only of digits and separators,
// which the inbound surface rejects as a name.
func IsNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' && r != '-' {
			return false
		}
	}
	return true
}

// Unknown is the sentinel stored in a field the parser could not locate
const Unknown = "unknown"

// Fields is the tuple extracted from a receipt document
type Fields struct {
	PayerName        string `json:"payer_name"`
	PayerAccount     string `json:"payer_account"`
	PayerAccountKind string `json:"payer_account_kind"`
	PayeeName        string `json:"payee_name"`
	PayeeAccount     string `json:"payee_account"`
	PayeeAccountKind string `json:"payee_account_kind"`
	Amount           string `json:"amount"` // Minor-unit decimal string, e.g. "100.00"
	AmountInWords    string `json:"amount_in_words"`
	PaymentTime      string `json:"payment_time"`
	GeneratedTime    string `json:"generated_time"`
	TransactionRef   string `json:"transaction_ref"`
}

// UnknownFields returns a tuple with every field set to Unknown
func UnknownFields() Fields {
	return Fields{
		PayerName:        Unknown,
		PayerAccount:     Unknown,
		PayerAccountKind: Unknown,
		PayeeName:        Unknown,
		PayeeAccount:     Unknown,
		PayeeAccountKind: Unknown,
		Amount:           Unknown,
		AmountInWords:    Unknown,
		PaymentTime:      Unknown,
		GeneratedTime:    Unknown,
		TransactionRef:   Unknown,
	}
}

// ReceiptRecord is one matched receipt ready for delivery
type ReceiptRecord struct {
	DocumentRef  string `json:"document_ref"`  // Backend message reference plus attachment name
	RawTimestamp string `json:"raw_timestamp"` // Message date as reported by the backend
	Sender       string `json:"sender"`
	Fields
	Backend   Backend `json:"backend"`
	Recipient string  `json:"recipient"` // Mailbox address the receipt was delivered to

	// Artifact is the temporary rendered file handed to delivery.
	// It is removed once delivery finishes or the record is discarded.
	Artifact string `json:"-"`
}

// SortTime returns the best timestamp string for ordering: payment time,
// then document generation time, then the raw message timestamp.
func (r ReceiptRecord) SortTime() []string {
	return []string{r.PaymentTime, r.GeneratedTime, r.RawTimestamp}
}

// Credential is the authentication material for one backend identity
type Credential struct {
	ID           string
	Backend      Backend
	Account      string // Login / mailbox address
	Secret       []byte // oauth2 client secret JSON or IMAP app password
	Token        []byte // oauth2 token JSON; empty for IMAP
	Valid        bool
	FailureCount int
	LastError    string
	UpdatedAt    time.Time
}

// Reason explains the outcome of a retrieval request
type Reason string

const (
	ReasonMatched            Reason = "matched"
	ReasonNoMatch            Reason = "no_match"
	ReasonNoCredentials      Reason = "no_credentials"
	ReasonCredentialsExpired Reason = "credentials_expired"
	ReasonAlreadyProcessing  Reason = "already_processing"
	ReasonCachedFresh        Reason = "cached_fresh"
)
