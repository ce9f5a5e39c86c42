package parser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/receiptscout/pkg/types"
)

const (
	// DefaultCacheTTL is how long a parsed tuple stays fresh
	DefaultCacheTTL = 24 * time.Hour
	// DefaultCacheSize bounds the number of cached documents
	DefaultCacheSize = 10000
	// DefaultSweepInterval is how often stale entries are purged
	DefaultSweepInterval = time.Hour
	// DefaultSourceTimeout bounds one shared text extraction
	DefaultSourceTimeout = time.Minute
)

// TextSource produces the first-page text of a document. It is only invoked
// on a cache miss, by at most one caller per document at a time, and its ctx
// outlives the caller whose source was picked.
type TextSource func(ctx context.Context) (string, error)

// Config contains configuration for the parser
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
	Clock     clock.Clock
	Logger    *zap.Logger

	SourceTimeout time.Duration
}

// cacheEntry is a parsed tuple with the time it was produced
type cacheEntry struct {
	fields   types.Fields
	parsedAt time.Time
}

// Parser extracts labeled fields from receipt text and caches the result by
// document identity
type Parser struct {
	cache   *lru.Cache[string, cacheEntry]
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	clock   clock.Clock
	logger  *zap.Logger

	extractions atomic.Int64
}

// New creates a new Parser instance
func New(cfg Config) *Parser {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		// This should never happen with a positive size
		panic(fmt.Sprintf("failed to create parse cache: %v", err))
	}

	return &Parser{
		cache:   cache,
		ttl:     cfg.CacheTTL,
		timeout: cfg.SourceTimeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Parse returns the fields of the document identified by docID, calling src
// only when there is no fresh cached tuple. Concurrent callers for one
// document share a single extraction; each stops waiting when its own ctx is
// done.
func (p *Parser) Parse(ctx context.Context, docID string, src TextSource) (types.Fields, error) {
	if entry, ok := p.cache.Get(docID); ok && !p.stale(entry) {
		return entry.fields, nil
	}

	ch := p.group.DoChan(docID, func() (interface{}, error) {
		// Another caller may have filled the cache while we waited
		if entry, ok := p.cache.Get(docID); ok && !p.stale(entry) {
			return entry.fields, nil
		}

		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		text, err := src(shared)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrParse, docID, err)
		}

		fields, err := p.Extract(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", docID, err)
		}

		p.cache.Add(docID, cacheEntry{fields: fields, parsedAt: p.clock.Now()})
		return fields, nil
	})
	select {
	case <-ctx.Done():
		return types.Fields{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.Fields{}, res.Err
		}
		return res.Val.(types.Fields), nil
	}
}

// Extract parses already extracted text without touching the cache
func (p *Parser) Extract(text string) (types.Fields, error) {
	normalized := normalizeText(text)
	if strings.TrimSpace(normalized) == "" {
		return types.Fields{}, fmt.Errorf("%w: no text on first page", types.ErrParse)
	}
	p.extractions.Add(1)
	return extractFields(normalized), nil
}

// Extractions returns how many documents have been run through the rules
func (p *Parser) Extractions() int64 {
	return p.extractions.Load()
}

// Len returns the number of cached documents, stale ones included
func (p *Parser) Len() int {
	return p.cache.Len()
}

// Sweep removes stale entries and returns how many were evicted
func (p *Parser) Sweep() int {
	evicted := 0
	for _, key := range p.cache.Keys() {
		entry, ok := p.cache.Peek(key)
		if ok && p.stale(entry) {
			p.cache.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Run sweeps the cache every interval until ctx is done
func (p *Parser) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("evicted stale parse entries", zap.Int("count", n))
			}
		}
	}
}

func (p *Parser) stale(entry cacheEntry) bool {
	return p.clock.Now().Sub(entry.parsedAt) > p.ttl
}
