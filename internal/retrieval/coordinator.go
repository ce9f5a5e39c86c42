package retrieval

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/receiptscout/internal/engine"
	"github.com/dshills/receiptscout/pkg/types"
)

// DefaultBackendTimeout bounds one backend scan
const DefaultBackendTimeout = 2 * time.Minute

// CredentialChecker reports whether an identity can be scanned
type CredentialChecker interface {
	Credential(ctx context.Context, id string) (types.Credential, error)
}

// Fanout is the merged outcome of one coordinated retrieval
type Fanout struct {
	Records []types.ReceiptRecord // Arrival order, possibly more than requested
	Reports []engine.Report       // One per selected engine, scanned or not
	Scanned int                   // Engines that actually ran
}

// Discarder removes temporary artifacts
type Discarder interface {
	Discard(path string)
}

type owned struct {
	task int
	rec  types.ReceiptRecord
}

// accumulator is the per-request result list and stop signal
type accumulator struct {
	mu      sync.Mutex
	records []owned
	target  int
	stopped atomic.Bool
}

func (a *accumulator) add(task int, rec types.ReceiptRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, owned{task: task, rec: rec})
	if len(a.records) >= a.target {
		a.stopped.Store(true)
	}
}

// drop removes and returns every record a task contributed
func (a *accumulator) drop(task int) []types.ReceiptRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var dropped []types.ReceiptRecord
	kept := a.records[:0]
	for _, o := range a.records {
		if o.task == task {
			dropped = append(dropped, o.rec)
			continue
		}
		kept = append(kept, o)
	}
	a.records = kept
	return dropped
}

func (a *accumulator) list() []types.ReceiptRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.ReceiptRecord, len(a.records))
	for i, o := range a.records {
		out[i] = o.rec
	}
	return out
}

func (a *accumulator) Stopped() bool {
	return a.stopped.Load()
}

// taskSink attributes records to the task that found them
type taskSink struct {
	acc  *accumulator
	task int
}

func (s taskSink) Add(rec types.ReceiptRecord) {
	s.acc.add(s.task, rec)
}

// Coordinator fans a query out to every selected engine
type Coordinator struct {
	engines []engine.SearchEngine
	creds   CredentialChecker
	discard Discarder
	timeout time.Duration
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator over engines
func NewCoordinator(engines []engine.SearchEngine, creds CredentialChecker, discard Discarder, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{engines: engines, creds: creds, discard: discard, timeout: timeout, logger: logger}
}

// Engines returns the configured engines
func (c *Coordinator) Engines() []engine.SearchEngine {
	return c.engines
}

// Retrieve runs one task per selected engine and waits for all of them to
// reach a terminal state. Engines whose credential is missing or revoked are
// reported as Failed without being started. A task that fails contributes
// no records.
func (c *Coordinator) Retrieve(ctx context.Context, q types.Query) Fanout {
	acc := &accumulator{target: q.Count}

	var selected []engine.SearchEngine
	var out Fanout
	for _, eng := range c.engines {
		if q.Backend != "" && eng.Backend() != q.Backend {
			continue
		}
		if _, err := c.creds.Credential(ctx, eng.Credential()); err != nil {
			out.Reports = append(out.Reports, engine.Report{
				Backend:    eng.Backend(),
				Credential: eng.Credential(),
				State:      engine.Failed,
				Err:        err,
			})
			continue
		}
		selected = append(selected, eng)
	}

	reports := make([]engine.Report, len(selected))
	var g errgroup.Group
	for i, eng := range selected {
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			reports[i] = eng.Search(taskCtx, q, acc, taskSink{acc: acc, task: i})
			if reports[i].State == engine.Failed {
				// Withdrawing records leaves stop set; siblings already
				// cancelled are not resumed to make up the shortfall.
				for _, rec := range acc.drop(i) {
					c.discard.Discard(rec.Artifact)
				}
				c.logger.Warn("backend contributed no results",
					zap.String("backend", string(eng.Backend())),
					zap.String("credential", eng.Credential()),
					zap.Error(reports[i].Err))
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Records = acc.list()
	out.Reports = append(out.Reports, reports...)
	out.Scanned = len(selected)
	return out
}
