package engine

import (
	"context"

	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/internal/mailclient/gmail"
	"github.com/dshills/receiptscout/internal/pool"
	"github.com/dshills/receiptscout/pkg/types"
)

// GmailAPI is the part of the Gmail client the engine uses
type GmailAPI interface {
	pool.Handle
	Address() string
	ListMessages(ctx context.Context, query, pageToken string, size int) ([]string, string, error)
	GetMessage(ctx context.Context, id string) (*mailclient.Message, error)
}

// DialGmail adapts gmail.Dial to the pool
func DialGmail(ctx context.Context, cred types.Credential) (GmailAPI, error) {
	c, err := gmail.Dial(ctx, cred)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewGmail creates an engine that pages through Gmail search results
func NewGmail(p *pool.Pool[GmailAPI], cfg Config, deps Deps) *Engine {
	src := &gmailSource{pool: p, id: cfg.Credential, sender: cfg.Sender, textFilter: cfg.TextFilter}
	return newEngine(types.BackendGmail, cfg, src, deps)
}

type gmailSource struct {
	pool       *pool.Pool[GmailAPI]
	id         string
	sender     string
	textFilter bool
}

func (s *gmailSource) open(ctx context.Context) (mailbox, error) {
	api, err := s.pool.Get(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return &gmailMailbox{api: api, src: s}, nil
}

func (s *gmailSource) invalidate() {
	s.pool.Invalidate(s.id)
}

func (s *gmailSource) discard() {
	s.pool.Discard(s.id)
}

type gmailMailbox struct {
	api GmailAPI
	src *gmailSource
}

func (m *gmailMailbox) address() string {
	return m.api.Address()
}

func (m *gmailMailbox) nextPage(ctx context.Context, q types.Query, cur *cursor, size int) ([]string, error) {
	text := ""
	if m.src.textFilter {
		text = q.Payer
	}
	ids, next, err := m.api.ListMessages(ctx, gmail.SearchQuery(m.src.sender, text), cur.token, size)
	if err != nil {
		return nil, err
	}
	cur.started = true
	cur.token = next
	cur.done = next == ""
	return ids, nil
}

func (m *gmailMailbox) fetch(ctx context.Context, ref string) (*mailclient.Message, error) {
	return m.api.GetMessage(ctx, ref)
}
