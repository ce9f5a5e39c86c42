// Package retrieval answers receipt queries: it deduplicates identical
// requests, fans each one out to the backend search engines, and delivers
// the merged results.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/delivery"
	"github.com/dshills/receiptscout/internal/engine"
	"github.com/dshills/receiptscout/internal/flight"
	"github.com/dshills/receiptscout/pkg/types"
)

// DefaultMaxCount caps how many receipts one request may ask for
const DefaultMaxCount = 20

// ErrDeliveryFailed is returned when matched receipts could not be sent
var ErrDeliveryFailed = errors.New("delivery failed")

// Deliverer sends the merged records
type Deliverer interface {
	Deliver(ctx context.Context, records []types.ReceiptRecord, count int) (delivery.Report, error)
}

// BackendStatus is the per-engine part of a Result
type BackendStatus struct {
	Backend    types.Backend `json:"backend"`
	Credential string        `json:"credential"`
	State      string        `json:"state"`
	Scanned    int           `json:"scanned"`
	Matched    int           `json:"matched"`
	Error      string        `json:"error,omitempty"`
}

// Result is the answer to one request
type Result struct {
	RequestID string                `json:"request_id"`
	Reason    types.Reason          `json:"reason"`
	Records   []types.ReceiptRecord `json:"records"`
	Backends  []BackendStatus       `json:"backends,omitempty"`
	Message   string                `json:"message,omitempty"`

	expired []error
}

// Err returns the credential expiry errors behind ReasonCredentialsExpired
func (r Result) Err() error {
	return errors.Join(r.expired...)
}

// Service is the top-level retrieval service
type Service struct {
	flight   *flight.Cache
	coord    *Coordinator
	deliver  Deliverer
	maxCount int
	logger   *zap.Logger
}

// NewService wires a service. maxCount <= 0 uses DefaultMaxCount.
func NewService(cache *flight.Cache, coord *Coordinator, deliver Deliverer, maxCount int, logger *zap.Logger) *Service {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{flight: cache, coord: coord, deliver: deliver, maxCount: maxCount, logger: logger}
}

// MaxCount returns the largest accepted count
func (s *Service) MaxCount() int {
	return s.maxCount
}

// InFlight returns the number of live single-flight entries
func (s *Service) InFlight() int {
	return s.flight.Len()
}

// Retrieve runs q, or reports why it was not run
func (s *Service) Retrieve(ctx context.Context, q types.Query) (Result, error) {
	q.Payer = strings.TrimSpace(q.Payer)
	q.Payee = strings.TrimSpace(q.Payee)
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	if q.Count > s.maxCount {
		return Result{}, fmt.Errorf("%w: at most %d", types.ErrInvalidCount, s.maxCount)
	}

	res := Result{RequestID: uuid.NewString(), Records: []types.ReceiptRecord{}}
	logger := s.logger.With(zap.String("request_id", res.RequestID))

	fp := Fingerprint(q)
	outcome := s.flight.Acquire(fp)
	switch outcome.Decision {
	case flight.AlreadyProcessing:
		res.Reason = types.ReasonAlreadyProcessing
		res.Message = "an identical request is being processed"
		return res, nil
	case flight.CachedFresh:
		res.Reason = types.ReasonCachedFresh
		res.Message = "an identical request just completed and found no receipts"
		if outcome.HasResult {
			res.Message = "an identical request just completed; its receipts were already delivered"
		}
		return res, nil
	}

	hasResult := false
	defer func() {
		if err := s.flight.Finish(fp, hasResult); err != nil {
			logger.Error("failed to finish request", zap.Error(err))
		}
	}()

	logger.Info("retrieving receipts",
		zap.String("backend", string(q.Backend)),
		zap.Int("count", q.Count))

	fan := s.coord.Retrieve(ctx, q)
	for _, rep := range fan.Reports {
		res.Backends = append(res.Backends, status(rep))
		if types.Classify(rep.Err) == types.KindExpired {
			res.expired = append(res.expired, rep.Err)
		}
	}

	if fan.Scanned == 0 {
		if len(res.expired) > 0 {
			res.Reason = types.ReasonCredentialsExpired
			res.Message = res.Err().Error()
			return res, nil
		}
		res.Reason = types.ReasonNoCredentials
		res.Message = "no backend has usable credentials"
		return res, nil
	}

	report, err := s.deliver.Deliver(ctx, fan.Records, q.Count)
	if err != nil {
		return res, err
	}
	if len(report.Delivered) == 0 && report.Failed > 0 {
		return res, fmt.Errorf("%w: %d receipts", ErrDeliveryFailed, report.Failed)
	}
	res.Records = append(res.Records, report.Delivered...)
	hasResult = len(res.Records) > 0

	switch {
	case len(res.expired) > 0:
		// Found records are still returned; the operator must act either way
		res.Reason = types.ReasonCredentialsExpired
		res.Message = res.Err().Error()
	case hasResult:
		res.Reason = types.ReasonMatched
	default:
		res.Reason = types.ReasonNoMatch
		res.Message = "no receipt matched"
	}

	logger.Info("request finished",
		zap.String("reason", string(res.Reason)),
		zap.Int("delivered", len(res.Records)),
		zap.Int("failed", report.Failed),
		zap.Int("dropped", report.Dropped))
	return res, nil
}

func status(rep engine.Report) BackendStatus {
	st := BackendStatus{
		Backend:    rep.Backend,
		Credential: rep.Credential,
		State:      rep.State.String(),
		Scanned:    rep.Scanned,
		Matched:    rep.Matched,
	}
	if rep.Err != nil {
		st.Error = rep.Err.Error()
	}
	return st
}
