package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/receiptscout/internal/engine"
	"github.com/dshills/receiptscout/internal/engine/enginetest"
	"github.com/dshills/receiptscout/internal/parser"
	"github.com/dshills/receiptscout/internal/pool"
	"github.com/dshills/receiptscout/internal/retry"
	"github.com/dshills/receiptscout/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const bank = "notice@bank.example"

var fastRetry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type harness struct {
	box      *enginetest.Mailbox
	creds    *enginetest.Credentials
	renderer *enginetest.Renderer
	parser   *parser.Parser
}

func newHarness(id string) *harness {
	return &harness{
		box:      enginetest.NewMailbox("payments@example.com"),
		creds:    enginetest.NewCredentials(types.Credential{ID: id, Backend: types.BackendGmail, Secret: []byte("s")}),
		renderer: enginetest.NewRenderer(),
		parser:   parser.New(parser.Config{}),
	}
}

func (h *harness) deps() engine.Deps {
	return engine.Deps{Parser: h.parser, Renderer: h.renderer, Revoker: h.creds, Retry: fastRetry}
}

func (h *harness) gmail(id string, pageSize int) (*engine.Engine, *pool.Pool[engine.GmailAPI]) {
	p := pool.New(h.creds, h.box.GmailDialer(), pool.Config{Retry: fastRetry})
	return engine.NewGmail(p, engine.Config{Credential: id, Sender: bank, PageSize: pageSize}, h.deps()), p
}

func (h *harness) imap(id string, pageSize int) (*engine.Engine, *pool.Pool[engine.IMAPAPI]) {
	p := pool.New(h.creds, h.box.IMAPDialer(), pool.Config{Retry: fastRetry})
	return engine.NewIMAP(types.BackendFastmail, p, engine.Config{Credential: id, Sender: bank, PageSize: pageSize}, h.deps()), p
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "satisfied", engine.Satisfied.String())
	assert.Equal(t, "cancelled", engine.Cancelled.String())
	assert.True(t, engine.Failed.Terminal())
	assert.False(t, engine.Scanning.Terminal())
}

func TestSearchSatisfied(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "50.00", "2024-05-01 10:00:00"))
	h.box.Deliver(bank, enginetest.Receipt("王五", "李四", "70.00", "2024-05-02 10:00:00"))
	h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "100.00", "2024-05-03 10:00:00"))
	eng, _ := h.gmail("gmail:a", 2)

	sink := &enginetest.Sink{}
	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, sink)

	assert.Equal(t, engine.Satisfied, rep.State)
	assert.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.Scanned, "newest message matched first")

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "100.00", records[0].Amount)
	assert.Equal(t, types.BackendGmail, records[0].Backend)
	assert.Equal(t, "payments@example.com", records[0].Recipient)
	assert.Equal(t, bank, records[0].Sender)
	assert.NotEmpty(t, records[0].Artifact)
	assert.ElementsMatch(t, []string{records[0].Artifact}, h.renderer.Live())
}

func TestSearchExhaustedAcrossPages(t *testing.T) {
	for _, backend := range []string{"gmail", "imap"} {
		t.Run(backend, func(t *testing.T) {
			h := newHarness("id")
			for i := 0; i < 5; i++ {
				h.box.Deliver(bank, enginetest.Receipt("王五", "李四", "10.00", "2024-05-01 10:00:00"))
			}
			h.box.Deliver("someone@else.example", enginetest.Receipt("张三", "李四", "1.00", "2024-05-01 10:00:00"))
			h.box.DeliverPlain(bank)

			var eng *engine.Engine
			if backend == "gmail" {
				eng, _ = h.gmail("id", 2)
			} else {
				eng, _ = h.imap("id", 2)
			}

			rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, &enginetest.Sink{})
			assert.Equal(t, engine.Exhausted, rep.State)
			assert.Equal(t, 6, rep.Scanned)
			assert.Zero(t, rep.Matched)
			assert.Empty(t, h.renderer.Live(), "non-matching artifacts are discarded")
		})
	}
}

func TestIMAPWalksNewestFirst(t *testing.T) {
	h := newHarness("fastmail:a")
	for _, amount := range []string{"1.00", "2.00", "3.00", "4.00", "5.00"} {
		h.box.Deliver(bank, enginetest.Receipt("张三", "李四", amount, "2024-05-01 10:00:00"))
	}
	eng, _ := h.imap("fastmail:a", 2)

	sink := &enginetest.Sink{}
	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 3}, &enginetest.Flag{}, sink)
	require.Equal(t, engine.Satisfied, rep.State)

	var amounts []string
	for _, rec := range sink.Records() {
		amounts = append(amounts, rec.Amount)
	}
	assert.Equal(t, []string{"5.00", "4.00", "3.00"}, amounts)
	assert.Equal(t, types.BackendFastmail, sink.Records()[0].Backend)
}

func TestSearchPayeeFilter(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.Deliver(bank, enginetest.Receipt("张三", "上海某某贸易有限公司", "100.00", "2024-05-01 10:00:00"))
	h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "200.00", "2024-05-02 10:00:00"))
	eng, _ := h.gmail("gmail:a", 10)

	sink := &enginetest.Sink{}
	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Payee: "某某贸易", Count: 5}, &enginetest.Flag{}, sink)
	assert.Equal(t, engine.Exhausted, rep.State)
	require.Len(t, sink.Records(), 1)
	assert.Equal(t, "100.00", sink.Records()[0].Amount)
}

func TestSearchStopsOnSignal(t *testing.T) {
	h := newHarness("gmail:a")
	for i := 0; i < 6; i++ {
		h.box.Deliver(bank, enginetest.Receipt("王五", "李四", "10.00", "2024-05-01 10:00:00"))
	}
	stop := &enginetest.Flag{}
	h.box.OnPage = func(page int) {
		if page == 1 {
			stop.Set()
		}
	}
	eng, _ := h.gmail("gmail:a", 2)

	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, stop, &enginetest.Sink{})
	assert.Equal(t, engine.Cancelled, rep.State)
	assert.Equal(t, 2, h.box.Pages())
	assert.Equal(t, 2, rep.Scanned, "second page is not scanned once stop is observed")
}

func TestSearchStoppedBeforeStart(t *testing.T) {
	h := newHarness("gmail:a")
	eng, _ := h.gmail("gmail:a", 2)
	stop := &enginetest.Flag{}
	stop.Set()

	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, stop, &enginetest.Sink{})
	assert.Equal(t, engine.Cancelled, rep.State)
	assert.Equal(t, 1, h.box.Dials(), "the session is opened before stop is polled")
	assert.Zero(t, h.box.Pages())
	assert.Zero(t, rep.Scanned)
}

func TestStoppedSearchStillRevokesRejectedCredential(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.RejectLogin.Store(true)
	eng, p := h.gmail("gmail:a", 2)
	stop := &enginetest.Flag{}
	stop.Set()

	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, stop, &enginetest.Sink{})
	assert.Equal(t, engine.Failed, rep.State)
	assert.ErrorIs(t, rep.Err, types.ErrCredentialsExpired)
	assert.True(t, h.creds.Revoked("gmail:a"))
	assert.False(t, p.Contains("gmail:a"))
	assert.Zero(t, h.box.Pages())
}

func TestDroppedSessionIsRedialed(t *testing.T) {
	for _, backend := range []string{"gmail", "imap"} {
		t.Run(backend, func(t *testing.T) {
			h := newHarness("id")
			h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "100.00", "2024-05-01 10:00:00"))

			var eng *engine.Engine
			var pooled func(string) bool
			if backend == "gmail" {
				var p *pool.Pool[engine.GmailAPI]
				eng, p = h.gmail("id", 5)
				pooled = p.Contains
			} else {
				var p *pool.Pool[engine.IMAPAPI]
				eng, p = h.imap("id", 5)
				pooled = p.Contains
			}
			q := types.Query{Payer: "张三", Count: 1}

			rep := eng.Search(context.Background(), q, &enginetest.Flag{}, &enginetest.Sink{})
			require.Equal(t, engine.Satisfied, rep.State)
			require.Equal(t, 1, h.box.Dials())

			// The pooled session dies server side between requests
			h.box.DropSessions()
			sink := &enginetest.Sink{}
			rep = eng.Search(context.Background(), q, &enginetest.Flag{}, sink)

			assert.Equal(t, engine.Satisfied, rep.State)
			assert.NoError(t, rep.Err)
			require.Len(t, sink.Records(), 1)
			assert.Equal(t, 2, h.box.Dials(), "dead session replaced once")
			assert.Equal(t, 1, h.box.Closed(), "dead session closed")
			assert.Zero(t, h.creds.Refreshes("id"), "a dropped connection does not refresh credentials")
			assert.True(t, pooled("id"))
		})
	}
}

func TestConstructionAuthFailureRevokes(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.RejectLogin.Store(true)
	eng, p := h.gmail("gmail:a", 2)

	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, &enginetest.Sink{})

	assert.Equal(t, engine.Failed, rep.State)
	require.Error(t, rep.Err)
	assert.ErrorIs(t, rep.Err, types.ErrCredentialsExpired)
	assert.Equal(t, types.KindExpired, types.Classify(rep.Err))
	assert.False(t, p.Contains("gmail:a"))
	assert.Equal(t, 2, h.box.Dials(), "one retry on refreshed credentials")
	assert.Equal(t, 1, h.creds.Refreshes("gmail:a"))
	assert.True(t, h.creds.Revoked("gmail:a"))
	assert.False(t, h.creds.Usable(context.Background(), "gmail:a"))
}

func TestRevokedCredentialFailsWithoutDial(t *testing.T) {
	h := newHarness("gmail:a")
	require.NoError(t, h.creds.Revoke(context.Background(), "gmail:a", "earlier failure"))
	eng, _ := h.gmail("gmail:a", 2)

	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, &enginetest.Sink{})
	assert.Equal(t, engine.Failed, rep.State)
	assert.ErrorIs(t, rep.Err, types.ErrCredentialsExpired)
	assert.Zero(t, h.box.Dials())
}

func TestParseFailureSkipsCandidate(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "100.00", "2024-05-01 10:00:00"))
	h.box.Deliver(bank, "   ")
	eng, _ := h.gmail("gmail:a", 5)

	sink := &enginetest.Sink{}
	rep := eng.Search(context.Background(), types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, sink)
	assert.Equal(t, engine.Satisfied, rep.State)
	assert.Equal(t, 2, rep.Scanned)
	assert.Len(t, h.renderer.Live(), 1, "artifact of the blank document was discarded")
}

func TestCachedTupleStillRendersArtifact(t *testing.T) {
	h := newHarness("gmail:a")
	h.box.Deliver(bank, enginetest.Receipt("张三", "李四", "100.00", "2024-05-01 10:00:00"))
	eng, _ := h.gmail("gmail:a", 5)
	q := types.Query{Payer: "张三", Count: 1}

	first := &enginetest.Sink{}
	eng.Search(context.Background(), q, &enginetest.Flag{}, first)
	second := &enginetest.Sink{}
	rep := eng.Search(context.Background(), q, &enginetest.Flag{}, second)

	require.Equal(t, engine.Satisfied, rep.State)
	assert.Equal(t, int64(1), h.parser.Extractions())
	assert.Equal(t, 2, h.renderer.Renders())
	require.Len(t, second.Records(), 1)
	assert.NotEqual(t, first.Records()[0].Artifact, second.Records()[0].Artifact)
	assert.Equal(t, first.Records()[0].Fields, second.Records()[0].Fields)
}

func TestDeadlineFailsScan(t *testing.T) {
	h := newHarness("gmail:a")
	for i := 0; i < 3; i++ {
		h.box.Deliver(bank, enginetest.Receipt("王五", "李四", "10.00", "2024-05-01 10:00:00"))
	}
	h.box.FetchDelay = 30 * time.Millisecond
	eng, _ := h.gmail("gmail:a", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rep := eng.Search(ctx, types.Query{Payer: "张三", Count: 1}, &enginetest.Flag{}, &enginetest.Sink{})
	assert.Equal(t, engine.Failed, rep.State)
	assert.ErrorIs(t, rep.Err, context.DeadlineExceeded)
}
