// Package pool keeps one live backend handle per credential identity.
//
// Callers never check handles out: every operation that needs a connection
// calls Get, which returns the pooled handle or constructs one. When a handle
// fails with an authentication error, the caller calls Invalidate and may
// call Get once more; that reconstruction refreshes the credential first.
// A handle that merely broke (a dropped connection) is removed with Discard
// and rebuilt from the same credential. Idle handles are closed by Sweep,
// which Run calls periodically.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/receiptscout/internal/retry"
	"github.com/dshills/receiptscout/pkg/types"
)

// Default pool configuration
const (
	DefaultTTL              = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Minute
	DefaultConstructTimeout = 2 * time.Minute
)

// maxRebuilds bounds how often one Get restarts a construction overtaken by
// Invalidate
const maxRebuilds = 3

// Handle is a live backend connection
type Handle interface {
	Close() error
}

// Dialer constructs a handle from credential material
type Dialer[H Handle] func(ctx context.Context, cred types.Credential) (H, error)

// CredentialStore supplies and refreshes authentication material
type CredentialStore interface {
	Credential(ctx context.Context, id string) (types.Credential, error)
	Refresh(ctx context.Context, id string) (types.Credential, error)
}

// Config contains configuration for a pool
type Config struct {
	TTL           time.Duration // Idle time after which a handle is closed
	SweepInterval time.Duration
	Retry         retry.Config // Applied to construction
	Clock         clock.Clock
	Logger        *zap.Logger

	// ConstructTimeout bounds one shared construction. It runs detached from
	// the caller that started it so joined callers are not failed by its
	// cancellation.
	ConstructTimeout time.Duration
}

type entry[H Handle] struct {
	handle   H
	lastUsed time.Time
}

// Pool holds handles of one backend family keyed by credential identity
type Pool[H Handle] struct {
	mu      sync.Mutex
	entries map[string]*entry[H]
	refresh map[string]bool   // identities whose next construction refreshes first
	gen     map[string]uint64 // bumped by Invalidate

	group    singleflight.Group
	dial     Dialer[H]
	store    CredentialStore
	ttl      time.Duration
	sweep    time.Duration
	buildTTL time.Duration
	retry    retry.Config
	clock    clock.Clock
	logger   *zap.Logger

	constructions atomic.Int64
}

// New creates a pool
func New[H Handle](store CredentialStore, dial Dialer[H], cfg Config) *Pool[H] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ConstructTimeout <= 0 {
		cfg.ConstructTimeout = DefaultConstructTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool[H]{
		entries:  make(map[string]*entry[H]),
		refresh:  make(map[string]bool),
		gen:      make(map[string]uint64),
		dial:     dial,
		store:    store,
		ttl:      cfg.TTL,
		sweep:    cfg.SweepInterval,
		buildTTL: cfg.ConstructTimeout,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Get returns the live handle for id, constructing it if needed. Concurrent
// callers for the same id share one construction; each caller stops waiting
// when its own ctx is done.
func (p *Pool[H]) Get(ctx context.Context, id string) (H, error) {
	var zero H
	if h, ok := p.lookup(id); ok {
		return h, nil
	}

	ch := p.group.DoChan(id, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.buildTTL)
		defer cancel()
		return p.build(shared, id)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(H), nil
	}
}

// build constructs and stores the handle for id. A construction overtaken by
// Invalidate is thrown away and started again from the refreshed credential.
func (p *Pool[H]) build(ctx context.Context, id string) (H, error) {
	var zero H
	for i := 0; i < maxRebuilds; i++ {
		if h, ok := p.lookup(id); ok {
			return h, nil
		}

		p.mu.Lock()
		refresh := p.refresh[id]
		gen := p.gen[id]
		p.mu.Unlock()

		h, err := p.dialCredential(ctx, id, refresh)
		if err != nil {
			return zero, err
		}

		p.mu.Lock()
		if p.gen[id] != gen {
			p.mu.Unlock()
			p.logger.Debug("discarding handle invalidated during construction", zap.String("credential", id))
			p.closeHandle(id, h)
			continue
		}
		p.entries[id] = &entry[H]{handle: h, lastUsed: p.clock.Now()}
		delete(p.refresh, id)
		p.mu.Unlock()
		return h, nil
	}
	return zero, types.Transient(fmt.Errorf("credential %s invalidated during construction", id))
}

// lookup returns a pooled handle and bumps its last-used time
func (p *Pool[H]) lookup(id string) (H, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		var zero H
		return zero, false
	}
	e.lastUsed = p.clock.Now()
	return e.handle, true
}

// dialCredential loads (or refreshes) the credential and dials outside the lock
func (p *Pool[H]) dialCredential(ctx context.Context, id string, refresh bool) (H, error) {
	var zero H

	load := p.store.Credential
	if refresh {
		load = p.store.Refresh
	}
	cred, err := retry.Do(ctx, p.retry, func(ctx context.Context) (types.Credential, error) {
		return load(ctx, id)
	})
	if err != nil {
		return zero, fmt.Errorf("load credential %s: %w", id, err)
	}

	h, err := retry.Do(ctx, p.retry, func(ctx context.Context) (H, error) {
		return p.dial(ctx, cred)
	})
	if err != nil {
		return zero, fmt.Errorf("dial %s: %w", id, err)
	}

	p.constructions.Add(1)
	p.logger.Debug("constructed handle", zap.String("credential", id), zap.Bool("refreshed", refresh))
	return h, nil
}

// Invalidate drops the handle for id and makes the next Get refresh the
// credential before reconstructing
func (p *Pool[H]) Invalidate(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	delete(p.entries, id)
	p.refresh[id] = true
	p.gen[id]++
	p.mu.Unlock()

	if ok {
		p.closeHandle(id, e.handle)
	}
}

// Discard drops and closes the handle for id without touching the
// credential. The next Get dials again with the same material.
func (p *Pool[H]) Discard(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()

	if ok {
		p.closeHandle(id, e.handle)
	}
}

// Contains reports whether a live handle is pooled for id
func (p *Pool[H]) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Len returns the number of pooled handles
func (p *Pool[H]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Constructions returns how many handles have been built
func (p *Pool[H]) Constructions() int64 {
	return p.constructions.Load()
}

// Sweep closes handles idle for longer than the TTL and returns how many
func (p *Pool[H]) Sweep() int {
	now := p.clock.Now()

	p.mu.Lock()
	expired := make(map[string]H)
	for id, e := range p.entries {
		if now.Sub(e.lastUsed) > p.ttl {
			expired[id] = e.handle
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for id, h := range expired {
		p.closeHandle(id, h)
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done
func (p *Pool[H]) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Info("closed idle handles", zap.Int("count", n))
			}
		}
	}
}

// Close closes every pooled handle
func (p *Pool[H]) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry[H])
	p.mu.Unlock()

	for id, e := range entries {
		p.closeHandle(id, e.handle)
	}
	return nil
}

func (p *Pool[H]) closeHandle(id string, h H) {
	if err := h.Close(); err != nil {
		p.logger.Warn("failed to close handle", zap.String("credential", id), zap.Error(err))
	}
}
