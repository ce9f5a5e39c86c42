package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/mailclient"
	"github.com/dshills/receiptscout/internal/matcher"
	"github.com/dshills/receiptscout/internal/parser"
	"github.com/dshills/receiptscout/internal/render"
	"github.com/dshills/receiptscout/internal/retry"
	"github.com/dshills/receiptscout/pkg/types"
)

// DefaultPageSize is how many candidates one page fetch asks for
const DefaultPageSize = 50

// State is the lifecycle state of one backend scan
type State int

const (
	Idle State = iota
	Scanning
	Satisfied // matched the requested count
	Exhausted // no more pages
	Cancelled // shared stop signal observed
	Failed    // non-recoverable error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Satisfied:
		return "satisfied"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a scan
func (s State) Terminal() bool {
	return s >= Satisfied
}

// Stop is the shared cancellation signal, polled at loop boundaries
type Stop interface {
	Stopped() bool
}

// Collector receives matched records as they are found
type Collector interface {
	Add(rec types.ReceiptRecord)
}

// Report summarizes one scan
type Report struct {
	Backend    types.Backend
	Credential string
	State      State
	Scanned    int // candidates fetched
	Matched    int
	Err        error
}

// SearchEngine scans one backend identity for matching receipts
type SearchEngine interface {
	Backend() types.Backend
	Credential() string
	Search(ctx context.Context, q types.Query, stop Stop, sink Collector) Report
}

// Renderer produces artifacts and first-page text
type Renderer interface {
	Render(ctx context.Context, name string, data []byte) (render.Rendition, error)
	Discard(path string)
}

// Revoker records a credential the provider no longer accepts
type Revoker interface {
	Revoke(ctx context.Context, id, cause string) error
}

// Config identifies the backend identity an engine scans
type Config struct {
	Credential string // Credential store identity
	Sender     string // Exact sender address receipts come from
	PageSize   int
	TextFilter bool // Pass the payer name to the backend's text search
}

// Deps are the shared components an engine uses
type Deps struct {
	Parser   *parser.Parser
	Renderer Renderer
	Matcher  *matcher.Matcher
	Revoker  Revoker
	Retry    retry.Config // Applied to page and message fetches
	Logger   *zap.Logger
}

// cursor is the resumable position of one scan. Each backend uses the
// fields it needs.
type cursor struct {
	token   string   // gmail page token
	uids    []uint32 // imap uids not yet paged, ascending
	started bool
	done    bool
}

// source opens sessions for one identity. invalidate drops the session and
// refreshes the credential before the next open; discard only drops it.
type source interface {
	open(ctx context.Context) (mailbox, error)
	invalidate()
	discard()
}

// mailbox is a live session narrowed to what the scan loop needs
type mailbox interface {
	address() string
	nextPage(ctx context.Context, q types.Query, cur *cursor, size int) ([]string, error)
	fetch(ctx context.Context, ref string) (*mailclient.Message, error)
}

// Engine runs the scan loop against one backend identity
type Engine struct {
	backend types.Backend
	cfg     Config
	src     source
	deps    Deps
	logger  *zap.Logger
}

func newEngine(backend types.Backend, cfg Config, src source, deps Deps) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(matcher.DefaultThreshold)
	}
	if deps.Parser == nil {
		deps.Parser = parser.New(parser.Config{})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		backend: backend,
		cfg:     cfg,
		src:     src,
		deps:    deps,
		logger:  deps.Logger.With(zap.String("backend", string(backend)), zap.String("credential", cfg.Credential)),
	}
}

// Backend returns the backend family
func (e *Engine) Backend() types.Backend {
	return e.backend
}

// Credential returns the scanned identity
func (e *Engine) Credential() string {
	return e.cfg.Credential
}

// Search scans newest first until q.Count records matched, the backend runs
// out of candidates, stop is set, or a non-recoverable error occurs. Matches
// are handed to sink as they are found.
func (e *Engine) Search(ctx context.Context, q types.Query, stop Stop, sink Collector) Report {
	rep := Report{Backend: e.backend, Credential: e.cfg.Credential, State: Idle}
	e.transition(&rep, Scanning)

	// The session is opened before stop is first polled, so a credential
	// the provider rejects is revoked even when a sibling already finished.
	if err := e.withSession(ctx, func(mailbox) error { return nil }); err != nil {
		return e.fail(ctx, &rep, stop, fmt.Errorf("open session: %w", err))
	}

	cur := &cursor{}
	for {
		if cur.done {
			e.transition(&rep, Exhausted)
			return rep
		}
		if stop.Stopped() {
			e.transition(&rep, Cancelled)
			return rep
		}

		var refs []string
		var addr string
		err := e.withSession(ctx, func(mb mailbox) error {
			var err error
			refs, err = mb.nextPage(ctx, q, cur, e.cfg.PageSize)
			addr = mb.address()
			return err
		})
		if err != nil {
			return e.fail(ctx, &rep, stop, fmt.Errorf("list page: %w", err))
		}

		for _, ref := range refs {
			if stop.Stopped() {
				e.transition(&rep, Cancelled)
				return rep
			}

			rec, ok, err := e.candidate(ctx, q, ref, addr)
			rep.Scanned++
			if err != nil {
				return e.fail(ctx, &rep, stop, err)
			}
			if !ok {
				continue
			}

			sink.Add(rec)
			rep.Matched++
			if rep.Matched >= q.Count {
				e.transition(&rep, Satisfied)
				return rep
			}
		}
	}
}

// candidate fetches, parses and matches one message. Parse problems skip the
// candidate; only session and context errors are returned.
func (e *Engine) candidate(ctx context.Context, q types.Query, ref, addr string) (types.ReceiptRecord, bool, error) {
	var msg *mailclient.Message
	err := e.withSession(ctx, func(mb mailbox) error {
		var err error
		msg, err = mb.fetch(ctx, ref)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			switch types.Classify(err) {
			case types.KindParse, types.KindUnknown:
				e.logger.Debug("skipping unreadable message", zap.String("ref", ref), zap.Error(err))
				return types.ReceiptRecord{}, false, nil
			}
		}
		return types.ReceiptRecord{}, false, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if msg.Attachment == nil {
		e.logger.Debug("skipping message without document", zap.String("ref", ref))
		return types.ReceiptRecord{}, false, nil
	}

	docID := string(e.backend) + ":" + msg.Ref()
	pending := &pendingRendition{renderer: e.deps.Renderer}
	fields, err := e.deps.Parser.Parse(ctx, docID, func(ctx context.Context) (string, error) {
		r, err := e.deps.Renderer.Render(ctx, msg.Attachment.Name, msg.Attachment.Data)
		if err != nil {
			return "", err
		}
		pending.set(r)
		return r.Text, nil
	})
	rendition := pending.take()
	if err != nil {
		e.deps.Renderer.Discard(rendition.Artifact)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.ReceiptRecord{}, false, ctxErr
		}
		e.logger.Info("skipping unparsable document", zap.String("document", docID), zap.Error(err))
		return types.ReceiptRecord{}, false, nil
	}

	if !e.deps.Matcher.Match(q.Payer, fields.PayerName) || !e.deps.Matcher.Match(q.Payee, fields.PayeeName) {
		e.deps.Renderer.Discard(rendition.Artifact)
		return types.ReceiptRecord{}, false, nil
	}

	if rendition.Artifact == "" {
		// Cached tuple: the artifact still has to be produced for delivery
		rendition, err = e.deps.Renderer.Render(ctx, msg.Attachment.Name, msg.Attachment.Data)
		if err != nil {
			e.logger.Warn("failed to render matched document", zap.String("document", docID), zap.Error(err))
			return types.ReceiptRecord{}, false, nil
		}
	}

	return types.ReceiptRecord{
		DocumentRef:  docID,
		RawTimestamp: msg.Date,
		Sender:       msg.From,
		Fields:       fields,
		Backend:      e.backend,
		Recipient:    addr,
		Artifact:     rendition.Artifact,
	}, true, nil
}

// pendingRendition hands a rendition from a text source back to the
// candidate that supplied it. The source may finish after that candidate
// stopped waiting; its artifact is then discarded.
type pendingRendition struct {
	renderer Renderer

	mu        sync.Mutex
	r         render.Rendition
	abandoned bool
}

func (p *pendingRendition) set(r render.Rendition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		p.renderer.Discard(r.Artifact)
		return
	}
	p.r = r
}

// take returns what the source rendered so far and abandons later results
func (p *pendingRendition) take() render.Rendition {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	return p.r
}

// withSession runs fn against a pooled session. An authentication failure
// invalidates the pooled handle and fn is tried once more on a session built
// from refreshed credentials; a second failure revokes the credential.
func (e *Engine) withSession(ctx context.Context, fn func(mailbox) error) error {
	err := e.attempt(ctx, fn)
	if types.Classify(err) != types.KindAuth {
		return err
	}

	e.logger.Info("authentication failed, refreshing", zap.Error(err))
	e.src.invalidate()
	err = e.attempt(ctx, fn)
	if types.Classify(err) != types.KindAuth {
		return err
	}

	e.src.invalidate()
	cause := err.Error()
	if e.deps.Revoker != nil {
		if rerr := e.deps.Revoker.Revoke(context.WithoutCancel(ctx), e.cfg.Credential, cause); rerr != nil {
			e.logger.Error("failed to revoke credential", zap.Error(rerr))
		}
	}
	return fmt.Errorf("%w: %s: %w", types.ErrCredentialsExpired, e.cfg.Credential, err)
}

// attempt opens a session and runs fn, retrying transient failures of fn.
// A session fn failed on transiently is discarded so the retry dials a new
// one. Open errors are not retried here; the pool already retried them.
func (e *Engine) attempt(ctx context.Context, fn func(mailbox) error) error {
	_, err := retry.Do(ctx, e.deps.Retry, func(ctx context.Context) (struct{}, error) {
		mb, err := e.src.open(ctx)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		err = fn(mb)
		if types.Classify(err) == types.KindTransient {
			e.src.discard()
		}
		return struct{}{}, err
	})
	return err
}

// fail ends the scan. Errors caused by the stop signal or a cancelled
// request are reported as Cancelled; an expired credential always fails so
// the operator hears about it.
func (e *Engine) fail(ctx context.Context, rep *Report, stop Stop, err error) Report {
	expired := types.Classify(err) == types.KindExpired
	if !expired && (stop.Stopped() || errors.Is(ctx.Err(), context.Canceled)) {
		e.transition(rep, Cancelled)
		return *rep
	}
	rep.Err = &types.BackendError{Backend: e.backend, Op: "search", Err: err}
	e.transition(rep, Failed)
	e.logger.Warn("backend scan failed", zap.Error(err))
	return *rep
}

func (e *Engine) transition(rep *Report, to State) {
	e.logger.Debug("scan state",
		zap.Stringer("from", rep.State),
		zap.Stringer("to", to),
		zap.Int("scanned", rep.Scanned),
		zap.Int("matched", rep.Matched))
	rep.State = to
}
