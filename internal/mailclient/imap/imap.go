// Package imap is the IMAP protocol client used by the FastMail search
// engine. Messages are fetched whole and parsed locally with go-message.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // GBK/GB18030 bank mail headers
	"github.com/emersion/go-message/mail"

	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/pkg/types"
)

// Default connection settings
const (
	DefaultHost    = "imap.fastmail.com"
	DefaultPort    = 993
	DefaultMailbox = "INBOX"
	DefaultTimeout = 30 * time.Second
)

// Config contains connection settings
type Config struct {
	Host    string
	Port    int
	Mailbox string
	Timeout time.Duration // Per command
	TLS     *tls.Config   // Optional; ServerName defaults to Host
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Mailbox == "" {
		c.Mailbox = DefaultMailbox
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Client is a logged-in IMAP session with the mailbox selected read-only.
// Commands are serialized because the selected-mailbox state is shared.
type Client struct {
	mu      sync.Mutex
	c       *client.Client
	address string
}

// NewDialer returns a dial function for the connection pool
func NewDialer(cfg Config) func(ctx context.Context, cred types.Credential) (*Client, error) {
	cfg = cfg.withDefaults()
	return func(ctx context.Context, cred types.Credential) (*Client, error) {
		return Dial(ctx, cfg, cred)
	}
}

// Dial connects over TLS, logs in with the app password and selects the
// mailbox. A rejected LOGIN is types.ErrAuth.
func Dial(ctx context.Context, cfg Config, cred types.Credential) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.Host}
	}
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("dial %s: %w", addr, err))
	}
	c.Timeout = cfg.Timeout

	if err := c.Login(cred.Account, string(cred.Secret)); err != nil {
		_ = c.Logout()
		return nil, types.Auth(err)
	}
	if _, err := c.Select(cfg.Mailbox, true); err != nil {
		_ = c.Logout()
		return nil, classify(err)
	}
	return &Client{c: c, address: cred.Account}, nil
}

// Address returns the mailbox address of the session
func (c *Client) Address() string {
	return c.address
}

// Close logs out
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Logout()
}

// SearchUIDs returns the UIDs of messages from sender, optionally containing
// text, in ascending order
func (c *Client) SearchUIDs(ctx context.Context, sender, text string) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Header.Add("From", sender)
	if text = strings.TrimSpace(text); text != "" {
		criteria.Text = []string{text}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	uids, err := c.c.UidSearch(criteria)
	if err != nil {
		return nil, classify(err)
	}
	return uids, nil
}

// FetchMessage downloads one message and extracts its first PDF attachment
func (c *Client) FetchMessage(ctx context.Context, uid uint32) (*mailclient.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(goimap.SeqSet)
	seqset.AddNum(uid)
	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{section.FetchItem(), goimap.FetchInternalDate}

	c.mu.Lock()
	messages := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	var arrived time.Time
	var readErr error
	for m := range messages {
		arrived = m.InternalDate
		if body := m.GetBody(section); body != nil {
			raw, readErr = io.ReadAll(body)
		}
	}
	fetchErr := <-done
	c.mu.Unlock()

	if fetchErr != nil {
		return nil, classify(fetchErr)
	}
	if readErr != nil {
		return nil, types.Transient(readErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("uid %d: %w", uid, types.ErrNoDocument)
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("uid %d: %w", uid, err)
	}
	msg.ID = strconv.FormatUint(uint64(uid), 10)
	if msg.Date == "" && !arrived.IsZero() {
		msg.Date = arrived.Format(time.RFC1123Z)
	}
	return msg, nil
}

// ParseMessage reads the headers and the first PDF part of an RFC 822 message
func ParseMessage(raw []byte) (*mailclient.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", types.ErrParse, err)
	}
	defer mr.Close()

	msg := &mailclient.Message{Date: mr.Header.Get("Date")}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = mr.Header.Get("From")
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %w", types.ErrParse, err)
		}
		if p == nil {
			continue
		}

		name, ok := documentName(p.Header)
		if !ok {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", types.ErrParse, name, err)
		}
		msg.Attachment = &mailclient.Attachment{Name: name, Data: data}
		return msg, nil
	}
	return msg, nil
}

// documentName reports whether a part is a PDF and its file name
func documentName(h mail.PartHeader) (string, bool) {
	var name, contentType string
	switch h := h.(type) {
	case *mail.AttachmentHeader:
		name, _ = h.Filename()
		contentType, _, _ = h.ContentType()
	case *mail.InlineHeader:
		contentType, _, _ = h.ContentType()
		if _, params, err := mime.ParseMediaType(h.Get("Content-Type")); err == nil {
			name = params["name"]
		}
	default:
		return "", false
	}

	isPDF := strings.EqualFold(contentType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(name), ".pdf")
	if !isPDF {
		return "", false
	}
	if name == "" {
		name = "document.pdf"
	}
	return name, true
}

// classify maps IMAP errors to pipeline error kinds. Server NO responses to
// SEARCH/FETCH after login are left unclassified; network failures retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, client.ErrNotLoggedIn) {
		return types.Transient(err)
	}
	if strings.Contains(strings.ToUpper(err.Error()), "AUTHENTICATIONFAILED") {
		return types.Auth(err)
	}
	return err
}
