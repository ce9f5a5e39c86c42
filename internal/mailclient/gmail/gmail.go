// Package gmail is the Gmail REST protocol client used by the gmail search
// engine.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/pkg/types"
)

const user = "me"

// Client is a live Gmail session for one credential
type Client struct {
	svc     *gmailapi.Service
	address string
}

// Config builds the oauth2 configuration from the stored client secret
func Config(secret []byte) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(secret, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse client secret: %w", types.ErrAuth, err)
	}
	return cfg, nil
}

func decodeToken(raw []byte) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: parse token: %w", types.ErrAuth, err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token has no grant", types.ErrAuth)
	}
	return &tok, nil
}

// Dial opens a session and resolves the mailbox address. Authentication
// problems surface here as types.ErrAuth.
func Dial(ctx context.Context, cred types.Credential) (*Client, error) {
	cfg, err := Config(cred.Secret)
	if err != nil {
		return nil, err
	}
	tok, err := decodeToken(cred.Token)
	if err != nil {
		return nil, err
	}

	// The token source outlives the dial context
	ts := cfg.TokenSource(context.Background(), tok)
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, classify(err)
	}

	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return &Client{svc: svc, address: profile.EmailAddress}, nil
}

// Refresh forces a token exchange with the stored refresh token and returns
// the new token JSON
func Refresh(ctx context.Context, cred types.Credential) ([]byte, error) {
	cfg, err := Config(cred.Secret)
	if err != nil {
		return nil, err
	}
	tok, err := decodeToken(cred.Token)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", types.ErrAuth)
	}

	// An empty access token makes the source exchange immediately
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken}
	fresh, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, classify(err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return json.Marshal(fresh)
}

// Address returns the mailbox address of the session
func (c *Client) Address() string {
	return c.address
}

// Close releases the session. The REST client holds no connection state.
func (c *Client) Close() error {
	return nil
}

// SearchQuery builds the Gmail search expression for a sender and an
// optional loose text filter
func SearchQuery(sender, text string) string {
	q := fmt.Sprintf("from:%s has:attachment filename:pdf", sender)
	if text = strings.TrimSpace(strings.ReplaceAll(text, `"`, "")); text != "" {
		q += fmt.Sprintf(" %q", text)
	}
	return q
}

// ListMessages returns one page of message ids, newest first
func (c *Client) ListMessages(ctx context.Context, query, pageToken string, size int) ([]string, string, error) {
	call := c.svc.Users.Messages.List(user).Q(query).MaxResults(int64(size)).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", classify(err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

// GetMessage fetches a message and its first PDF attachment. A message
// without one has a nil Attachment.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailclient.Message, error) {
	m, err := c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	msg := &mailclient.Message{ID: m.Id}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = h.Value
			case "date":
				msg.Date = h.Value
			}
		}
	}
	if msg.Date == "" && m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate).UTC().Format(time.RFC1123Z)
	}

	part := firstDocument(m.Payload)
	if part == nil {
		return msg, nil
	}
	data, err := c.attachmentData(ctx, id, part)
	if err != nil {
		return nil, err
	}
	msg.Attachment = &mailclient.Attachment{Name: part.Filename, Data: data}
	return msg, nil
}

func (c *Client) attachmentData(ctx context.Context, msgID string, part *gmailapi.MessagePart) ([]byte, error) {
	encoded := ""
	if part.Body != nil {
		encoded = part.Body.Data
	}
	if encoded == "" && part.Body != nil && part.Body.AttachmentId != "" {
		body, err := c.svc.Users.Messages.Attachments.Get(user, msgID, part.Body.AttachmentId).Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		encoded = body.Data
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty attachment %s", types.ErrNoDocument, part.Filename)
	}
	return decodeBody(encoded)
}

// decodeBody accepts base64url with or without padding
func decodeBody(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: decode attachment: %w", types.ErrParse, err)
	}
	return data, nil
}

// firstDocument walks the MIME tree depth first for the first PDF part
func firstDocument(part *gmailapi.MessagePart) *gmailapi.MessagePart {
	if part == nil {
		return nil
	}
	if part.Filename != "" && isPDF(part.MimeType, part.Filename) {
		return part
	}
	for _, child := range part.Parts {
		if found := firstDocument(child); found != nil {
			return found
		}
	}
	return nil
}

func isPDF(mimeType, filename string) bool {
	return strings.EqualFold(mimeType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// classify maps API and transport errors to pipeline error kinds
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return types.Auth(err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return types.Transient(err)
		default:
			return err
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return types.Transient(err)
		}
		return types.Auth(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.Transient(err)
	}
	return err
}
