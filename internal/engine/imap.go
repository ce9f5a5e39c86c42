package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/internal/mailclient/imap"
	"github.com/dshills/receiptscout/internal/pool"
	"github.com/dshills/receiptscout/pkg/types"
)

// IMAPAPI is the part of the IMAP client the engine uses
type IMAPAPI interface {
	pool.Handle
	Address() string
	SearchUIDs(ctx context.Context, sender, text string) ([]uint32, error)
	FetchMessage(ctx context.Context, uid uint32) (*mailclient.Message, error)
}

// IMAPDialer adapts imap.Dial to the pool
func IMAPDialer(cfg imap.Config) pool.Dialer[IMAPAPI] {
	dial := imap.NewDialer(cfg)
	return func(ctx context.Context, cred types.Credential) (IMAPAPI, error) {
		c, err := dial(ctx, cred)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// NewIMAP creates an engine that walks IMAP search results in descending
// UID windows
func NewIMAP(backend types.Backend, p *pool.Pool[IMAPAPI], cfg Config, deps Deps) *Engine {
	src := &imapSource{pool: p, id: cfg.Credential, sender: cfg.Sender, textFilter: cfg.TextFilter}
	return newEngine(backend, cfg, src, deps)
}

type imapSource struct {
	pool       *pool.Pool[IMAPAPI]
	id         string
	sender     string
	textFilter bool
}

func (s *imapSource) open(ctx context.Context) (mailbox, error) {
	api, err := s.pool.Get(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return &imapMailbox{api: api, src: s}, nil
}

func (s *imapSource) invalidate() {
	s.pool.Invalidate(s.id)
}

func (s *imapSource) discard() {
	s.pool.Discard(s.id)
}

type imapMailbox struct {
	api IMAPAPI
	src *imapSource
}

func (m *imapMailbox) address() string {
	return m.api.Address()
}

// nextPage searches once, then hands out the highest remaining UIDs first
func (m *imapMailbox) nextPage(ctx context.Context, q types.Query, cur *cursor, size int) ([]string, error) {
	if !cur.started {
		text := ""
		if m.src.textFilter {
			text = q.Payer
		}
		uids, err := m.api.SearchUIDs(ctx, m.src.sender, text)
		if err != nil {
			return nil, err
		}
		cur.uids = uids
		cur.started = true
	}

	lo := len(cur.uids) - size
	if lo < 0 {
		lo = 0
	}
	window := cur.uids[lo:]
	refs := make([]string, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		refs = append(refs, strconv.FormatUint(uint64(window[i]), 10))
	}
	cur.uids = cur.uids[:lo]
	cur.done = lo == 0
	return refs, nil
}

func (m *imapMailbox) fetch(ctx context.Context, ref string) (*mailclient.Message, error) {
	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad uid %q", types.ErrParse, ref)
	}
	return m.api.FetchMessage(ctx, uint32(uid))
}
