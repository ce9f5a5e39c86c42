// Package enginetest provides in-memory backends for testing search engines
// and the components built on them.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/receiptscout/internal/engine"
	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/internal/pool"
	"github.com/dshills/receiptscout/internal/render"
	"github.com/dshills/receiptscout/pkg/types"
)

// Receipt renders receipt text the parser understands
func Receipt(payer, payee, amount, paidAt string) string {
	return fmt.Sprintf("电子回单\n付款方\n户名：%s\n账号：6222 0000 1111 2222\n收款方\n户名：%s\n账号：3100 1234 5678\n金额（小写）：￥%s\n交易时间：%s\n交易流水号：TX0001\n",
		payer, payee, amount, paidAt)
}

// Mailbox is an in-memory mailbox serving both the Gmail and IMAP client
// interfaces. Messages are stored newest first; IDs are ascending integers
// so they double as IMAP UIDs.
type Mailbox struct {
	mu       sync.Mutex
	address  string
	messages []*mailclient.Message

	// RejectLogin makes every dial fail with an authentication error
	RejectLogin atomic.Bool
	// FetchDelay is slept before each message fetch
	FetchDelay time.Duration
	// OnPage is called with the zero-based number of each Gmail page or IMAP
	// search served
	OnPage func(page int)
	// OnDial is called before each dial is answered
	OnDial func()

	dials   atomic.Int32
	epoch   atomic.Int32 // sessions dialed in an older epoch are dead
	pages   atomic.Int32
	fetches atomic.Int32
	closed  atomic.Int32
}

// NewMailbox creates an empty mailbox
func NewMailbox(address string) *Mailbox {
	return &Mailbox{address: address}
}

// Deliver adds a message from sender with a PDF whose text is body. Later
// deliveries are newer.
func (m *Mailbox) Deliver(sender, body string) *mailclient.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strconv.Itoa(len(m.messages) + 1)
	msg := &mailclient.Message{
		ID:         id,
		From:       sender,
		Date:       time.Date(2024, 1, 1, 0, 0, len(m.messages), 0, time.UTC).Format(time.RFC1123Z),
		Attachment: &mailclient.Attachment{Name: "receipt-" + id + ".pdf", Data: []byte(body)},
	}
	m.messages = append([]*mailclient.Message{msg}, m.messages...)
	return msg
}

// DeliverPlain adds a message without an attachment
func (m *Mailbox) DeliverPlain(sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strconv.Itoa(len(m.messages) + 1)
	m.messages = append([]*mailclient.Message{{ID: id, From: sender}}, m.messages...)
}

// Dials returns how many sessions were opened
func (m *Mailbox) Dials() int { return int(m.dials.Load()) }

// Pages returns how many pages were served
func (m *Mailbox) Pages() int { return int(m.pages.Load()) }

// Fetches returns how many messages were fetched
func (m *Mailbox) Fetches() int { return int(m.fetches.Load()) }

// Closed returns how many sessions were closed
func (m *Mailbox) Closed() int { return int(m.closed.Load()) }

// DropSessions kills every open session, the way a server-side disconnect
// does. Calls on a dropped session fail with a transient EOF; sessions
// dialed afterwards work.
func (m *Mailbox) DropSessions() {
	m.epoch.Add(1)
}

func (m *Mailbox) dial() (*session, error) {
	m.dials.Add(1)
	if m.OnDial != nil {
		m.OnDial()
	}
	if m.RejectLogin.Load() {
		return nil, types.Auth(errors.New("AUTHENTICATIONFAILED invalid credentials"))
	}
	return &session{box: m, epoch: m.epoch.Load()}, nil
}

// GmailDialer returns a pool dialer serving this mailbox as Gmail
func (m *Mailbox) GmailDialer() pool.Dialer[engine.GmailAPI] {
	return func(ctx context.Context, cred types.Credential) (engine.GmailAPI, error) {
		s, err := m.dial()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// IMAPDialer returns a pool dialer serving this mailbox as IMAP
func (m *Mailbox) IMAPDialer() pool.Dialer[engine.IMAPAPI] {
	return func(ctx context.Context, cred types.Credential) (engine.IMAPAPI, error) {
		s, err := m.dial()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (m *Mailbox) from(sender string) []*mailclient.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mailclient.Message
	for _, msg := range m.messages {
		if msg.From == sender {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Mailbox) get(id string) (*mailclient.Message, error) {
	m.fetches.Add(1)
	if m.FetchDelay > 0 {
		time.Sleep(m.FetchDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (m *Mailbox) servePage() {
	n := int(m.pages.Add(1)) - 1
	if m.OnPage != nil {
		m.OnPage(n)
	}
}

// session is one live handle onto a Mailbox
type session struct {
	box   *Mailbox
	epoch int32
}

func (s *session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.epoch != s.box.epoch.Load() {
		return types.Transient(fmt.Errorf("read response: %w", io.EOF))
	}
	return nil
}

func (s *session) Close() error {
	s.box.closed.Add(1)
	return nil
}

func (s *session) Address() string { return s.box.address }

// ListMessages pages by offset; the page token is the next offset
func (s *session) ListMessages(ctx context.Context, query, pageToken string, size int) ([]string, string, error) {
	if err := s.check(ctx); err != nil {
		return nil, "", err
	}
	s.box.servePage()

	sender := senderOf(query)
	all := s.box.from(sender)
	start := 0
	if pageToken != "" {
		start, _ = strconv.Atoi(pageToken)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	var ids []string
	for _, msg := range all[start:end] {
		ids = append(ids, msg.ID)
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return ids, next, nil
}

func (s *session) GetMessage(ctx context.Context, id string) (*mailclient.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.box.get(id)
}

func (s *session) SearchUIDs(ctx context.Context, sender, text string) ([]uint32, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.box.servePage()
	all := s.box.from(sender)
	uids := make([]uint32, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		uid, _ := strconv.ParseUint(all[i].ID, 10, 32)
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *session) FetchMessage(ctx context.Context, uid uint32) (*mailclient.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.box.get(strconv.FormatUint(uint64(uid), 10))
}

// senderOf pulls the address out of a Gmail "from:" query
func senderOf(query string) string {
	var sender string
	_, _ = fmt.Sscanf(query, "from:%s", &sender)
	return sender
}

// Renderer treats attachment bytes as the document text and tracks which
// artifacts are still on "disk"
type Renderer struct {
	mu      sync.Mutex
	live    map[string]bool
	renders int
	fail    bool
}

// NewRenderer creates a renderer
func NewRenderer() *Renderer {
	return &Renderer{live: make(map[string]bool)}
}

// FailAll makes every render fail with a parse error
func (r *Renderer) FailAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = true
}

// Render implements engine.Renderer
func (r *Renderer) Render(ctx context.Context, name string, data []byte) (render.Rendition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders++
	if r.fail {
		return render.Rendition{}, fmt.Errorf("%w: %s", types.ErrParse, name)
	}
	path := fmt.Sprintf("/artifacts/%d-%s", r.renders, name)
	r.live[path] = true
	return render.Rendition{Artifact: path, Text: string(data)}, nil
}

// Discard implements engine.Renderer
func (r *Renderer) Discard(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, path)
}

// Live returns the artifacts not yet discarded
func (r *Renderer) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.live))
	for p := range r.live {
		out = append(out, p)
	}
	return out
}

// Renders returns how many times Render was called
func (r *Renderer) Renders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

// Credentials is an in-memory credential store
type Credentials struct {
	mu        sync.Mutex
	creds     map[string]types.Credential
	refreshes map[string]int
	revoked   map[string]string
}

// NewCredentials creates a store holding the given identities
func NewCredentials(creds ...types.Credential) *Credentials {
	c := &Credentials{
		creds:     make(map[string]types.Credential),
		refreshes: make(map[string]int),
		revoked:   make(map[string]string),
	}
	for _, cred := range creds {
		cred.Valid = true
		c.creds[cred.ID] = cred
	}
	return c
}

// Credential implements pool.CredentialStore
func (c *Credentials) Credential(ctx context.Context, id string) (types.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[id]
	if !ok {
		return types.Credential{}, fmt.Errorf("%w: %s", types.ErrNoCredentials, id)
	}
	if !cred.Valid {
		return types.Credential{}, fmt.Errorf("%w: %s", types.ErrCredentialsExpired, id)
	}
	return cred, nil
}

// Refresh implements pool.CredentialStore
func (c *Credentials) Refresh(ctx context.Context, id string) (types.Credential, error) {
	c.mu.Lock()
	c.refreshes[id]++
	c.mu.Unlock()
	return c.Credential(ctx, id)
}

// Revoke implements engine.Revoker
func (c *Credentials) Revoke(ctx context.Context, id, cause string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNoCredentials, id)
	}
	cred.Valid = false
	cred.FailureCount++
	c.creds[id] = cred
	c.revoked[id] = cause
	return nil
}

// Usable reports whether id exists and is valid
func (c *Credentials) Usable(ctx context.Context, id string) bool {
	_, err := c.Credential(ctx, id)
	return err == nil
}

// Refreshes returns how many refreshes id has had
func (c *Credentials) Refreshes(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes[id]
}

// Revoked reports whether id was revoked
func (c *Credentials) Revoked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.revoked[id]
	return ok
}

// Flag is a settable Stop
type Flag struct {
	set atomic.Bool
}

// Set raises the flag
func (f *Flag) Set() { f.set.Store(true) }

// Stopped implements engine.Stop
func (f *Flag) Stopped() bool { return f.set.Load() }

// Sink collects records
type Sink struct {
	mu      sync.Mutex
	records []types.ReceiptRecord
}

// Add implements engine.Collector
func (s *Sink) Add(rec types.ReceiptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns the collected records
func (s *Sink) Records() []types.ReceiptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ReceiptRecord(nil), s.records...)
}
