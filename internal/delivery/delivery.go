// Package delivery orders matched receipts, truncates them to the requested
// count and hands each one to a Sender.
//
// Every artifact passed to Deliver is removed before Deliver returns,
// whether its record was sent, failed, or was cut by truncation.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/receiptscout/pkg/types"
)

// Default dispatch limits
const (
	DefaultConcurrency = 5
	DefaultRatePerSec  = 10
)

// Sender transmits one receipt to the requester
type Sender interface {
	Send(ctx context.Context, rec types.ReceiptRecord) error
}

// Discarder removes temporary artifacts
type Discarder interface {
	Discard(path string)
}

// Config contains configuration for a dispatcher
type Config struct {
	Concurrency int
	RatePerSec  float64
	Location    *time.Location // Zone for timestamps without one
	Logger      *zap.Logger
}

// Report is the outcome of one Deliver call
type Report struct {
	Delivered []types.ReceiptRecord // In delivery order
	Failed    int
	Dropped   int // Cut by truncation
}

// Dispatcher delivers arranged records with bounded concurrency and a
// global rate limit
type Dispatcher struct {
	sender      Sender
	discard     Discarder
	concurrency int
	limiter     *rate.Limiter
	loc         *time.Location
	logger      *zap.Logger
}

// New creates a dispatcher
func New(sender Sender, discard Discarder, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:      sender,
		discard:     discard,
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		loc:         cfg.Location,
		logger:      cfg.Logger,
	}
}

// Location returns the zone used for ordering
func (d *Dispatcher) Location() *time.Location {
	return d.loc
}

// Deliver sorts records newest first, keeps at most count and sends them.
// A failed send is logged and counted; it does not stop the others.
func (d *Dispatcher) Deliver(ctx context.Context, records []types.ReceiptRecord, count int) (Report, error) {
	kept, dropped := Arrange(records, count, d.loc)
	for _, rec := range dropped {
		d.discard.Discard(rec.Artifact)
	}

	sent := make([]bool, len(kept))
	var mu sync.Mutex
	failed := 0

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, rec := range kept {
		g.Go(func() error {
			defer d.discard.Discard(rec.Artifact)

			if err := d.limiter.Wait(ctx); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			if err := d.sender.Send(ctx, rec); err != nil {
				d.logger.Warn("failed to deliver receipt",
					zap.String("document", rec.DocumentRef),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			sent[i] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Failed: failed, Dropped: len(dropped)}
	for i, ok := range sent {
		if ok {
			rep.Delivered = append(rep.Delivered, kept[i])
		}
	}
	if err := ctx.Err(); err != nil && failed > 0 {
		return rep, fmt.Errorf("delivery interrupted: %w", err)
	}
	return rep, nil
}
