// Package flight deduplicates identical in-flight retrieval requests.
//
// An entry is created in the processing state by the first Acquire of a
// fingerprint. Later Acquires see AlreadyProcessing until Finish moves the
// entry to completed; after that they see CachedFresh until the entry is
// older than the TTL and is swept.
package flight

import (
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// DefaultTTL is how long a completed entry answers identical requests
const DefaultTTL = 30 * time.Second

// ErrNotProcessing is returned by Finish for an unknown or completed fingerprint
var ErrNotProcessing = errors.New("fingerprint is not processing")

// Status is the lifecycle state of an entry
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Decision tells the caller what to do with a request
type Decision int

const (
	Proceed Decision = iota
	AlreadyProcessing
	CachedFresh
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyProcessing:
		return "already_processing"
	case CachedFresh:
		return "cached_fresh"
	default:
		return "unknown"
	}
}

// Outcome is the result of Acquire. HasResult is only meaningful for CachedFresh.
type Outcome struct {
	Decision  Decision
	HasResult bool
}

// Entry is the cached state for one fingerprint
type Entry struct {
	Fingerprint string
	Status      Status
	CreatedAt   time.Time // Reset to the completion time by Finish
	HasResult   bool
}

// Cache is the single-flight request cache
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	clock   clock.Clock
}

// New creates a cache. A nil clock uses wall time.
func New(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		clock:   clk,
	}
}

// Acquire claims fingerprint for processing or reports why it cannot be claimed
func (c *Cache) Acquire(fingerprint string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.sweepLocked(now)

	if entry, ok := c.entries[fingerprint]; ok {
		if entry.Status == StatusProcessing {
			return Outcome{Decision: AlreadyProcessing}
		}
		return Outcome{Decision: CachedFresh, HasResult: entry.HasResult}
	}

	c.entries[fingerprint] = &Entry{
		Fingerprint: fingerprint,
		Status:      StatusProcessing,
		CreatedAt:   now,
	}
	return Outcome{Decision: Proceed}
}

// Finish marks a processing fingerprint completed and starts its freshness window
func (c *Cache) Finish(fingerprint string, hasResult bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok || entry.Status != StatusProcessing {
		return ErrNotProcessing
	}
	entry.Status = StatusCompleted
	entry.HasResult = hasResult
	entry.CreatedAt = c.clock.Now()
	return nil
}

// Lookup returns a copy of the entry for fingerprint, if any
func (c *Cache) Lookup(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLocked drops completed entries past the TTL. Processing entries are
// never swept: evicting one would let a duplicate run start while the first
// is still scanning.
func (c *Cache) sweepLocked(now time.Time) {
	for fp, entry := range c.entries {
		if entry.Status == StatusCompleted && now.Sub(entry.CreatedAt) > c.ttl {
			delete(c.entries, fp)
		}
	}
}
