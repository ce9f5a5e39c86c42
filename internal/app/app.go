// Package app assembles the retrieval pipeline from configuration and owns
// the lifetime of its shared components.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/receiptscout/internal/config"
	"github.com/dshills/receiptscout/internal/credentials"
	"github.com/dshills/receiptscout/internal/delivery"
	"github.com/dshills/receiptscout/internal/engine"
	"github.com/dshills/receiptscout/internal/flight"
	"github.com/dshills/receiptscout/internal/mailclient/gmail"
	"github.com/dshills/receiptscout/internal/mailclient/imap"
	"github.com/dshills/receiptscout/internal/matcher"
	"github.com/dshills/receiptscout/internal/parser"
	"github.com/dshills/receiptscout/internal/pool"
	"github.com/dshills/receiptscout/internal/render"
	"github.com/dshills/receiptscout/internal/retrieval"
	"github.com/dshills/receiptscout/internal/retry"
	"github.com/dshills/receiptscout/internal/storage"
	"github.com/dshills/receiptscout/pkg/types"
)

// Options replaces production components. Zero values use the real ones.
type Options struct {
	GmailDialer pool.Dialer[engine.GmailAPI]
	IMAPDialer  pool.Dialer[engine.IMAPAPI]
	Refreshers  map[types.Backend]credentials.Refresher
	Renderer    engine.Renderer
	Sender      delivery.Sender
	Clock       clock.Clock
}

// App is a fully wired receiptscout instance
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *storage.SQLiteStorage
	Credentials *credentials.Store
	Service     *retrieval.Service

	parser    *parser.Parser
	gmailPool *pool.Pool[engine.GmailAPI] // nil when gmail is disabled
	imapPool  *pool.Pool[engine.IMAPAPI]  // nil when fastmail is disabled
}

// New opens the credential database and builds every component
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, db: db}
	if err := a.build(loc, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(loc *time.Location, opts Options) error {
	cfg := a.cfg

	refreshers := opts.Refreshers
	if refreshers == nil {
		refreshers = map[types.Backend]credentials.Refresher{
			types.BackendGmail: credentials.RefresherFunc(gmail.Refresh),
		}
	}
	a.Credentials = credentials.New(a.db, refreshers, a.logger.Named("credentials"))

	a.parser = parser.New(parser.Config{
		CacheSize: cfg.Parser.CacheSize,
		CacheTTL:  cfg.Parser.CacheTTL,
		Clock:     opts.Clock,
		Logger:    a.logger.Named("parser"),
	})

	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.New(cfg.Render.Dir, a.logger.Named("render"))
	}

	sender := opts.Sender
	if sender == nil {
		outbox, err := delivery.NewDirectorySender(cfg.Delivery.OutboxDir)
		if err != nil {
			return fmt.Errorf("failed to open outbox: %w", err)
		}
		sender = outbox
	}

	backoff := retry.Config{MaxAttempts: cfg.Pool.MaxAttempts, BaseDelay: cfg.Pool.BaseBackoff, Clock: opts.Clock}
	poolCfg := func(name string) pool.Config {
		return pool.Config{
			TTL:           cfg.Pool.TTL,
			SweepInterval: cfg.Pool.SweepInterval,
			Retry:         backoff,
			Clock:         opts.Clock,
			Logger:        a.logger.Named("pool").With(zap.String("backend", name)),
		}
	}

	deps := engine.Deps{
		Parser:   a.parser,
		Renderer: renderer,
		Matcher:  matcher.New(cfg.Retrieval.MatchThreshold),
		Revoker:  a.Credentials,
		Retry:    backoff,
		Logger:   a.logger.Named("engine"),
	}

	var engines []engine.SearchEngine
	if g := cfg.Backends.Gmail; g.Enabled {
		dial := opts.GmailDialer
		if dial == nil {
			dial = engine.DialGmail
		}
		a.gmailPool = pool.New(a.Credentials, dial, poolCfg(string(types.BackendGmail)))
		engines = append(engines, engine.NewGmail(a.gmailPool, engine.Config{
			Credential: g.Credential,
			Sender:     g.Sender,
			PageSize:   cfg.Retrieval.PageSize,
			TextFilter: g.TextFilter,
		}, deps))
	}
	if f := cfg.Backends.Fastmail; f.Enabled {
		dial := opts.IMAPDialer
		if dial == nil {
			dial = engine.IMAPDialer(imap.Config{Host: f.Host, Port: f.Port, Mailbox: f.Mailbox})
		}
		a.imapPool = pool.New(a.Credentials, dial, poolCfg(string(types.BackendFastmail)))
		engines = append(engines, engine.NewIMAP(types.BackendFastmail, a.imapPool, engine.Config{
			Credential: f.Credential,
			Sender:     f.Sender,
			PageSize:   cfg.Retrieval.PageSize,
			TextFilter: f.TextFilter,
		}, deps))
	}
	if len(engines) == 0 {
		a.logger.Warn("no backend is enabled; every request will report no_credentials")
	}

	coord := retrieval.NewCoordinator(engines, a.Credentials, renderer, cfg.Retrieval.BackendTimeout, a.logger.Named("coordinator"))
	dispatcher := delivery.New(sender, renderer, delivery.Config{
		Concurrency: cfg.Delivery.Concurrency,
		RatePerSec:  cfg.Delivery.RatePerSec,
		Location:    loc,
		Logger:      a.logger.Named("delivery"),
	})
	cache := flight.New(cfg.Retrieval.RequestTTL, opts.Clock)
	a.Service = retrieval.NewService(cache, coord, dispatcher, cfg.Retrieval.MaxCount, a.logger.Named("retrieval"))
	return nil
}

// Run drives the background sweeps until ctx is done
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.parser.Run(ctx, a.cfg.Parser.SweepInterval)
		return nil
	})
	if a.gmailPool != nil {
		g.Go(func() error {
			a.gmailPool.Run(ctx)
			return nil
		})
	}
	if a.imapPool != nil {
		g.Go(func() error {
			a.imapPool.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close releases pooled connections and the database
func (a *App) Close() error {
	if a.gmailPool != nil {
		_ = a.gmailPool.Close()
	}
	if a.imapPool != nil {
		_ = a.imapPool.Close()
	}
	return a.db.Close()
}
