package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/receiptscout/internal/config"
	"github.com/dshills/receiptscout/internal/credentials"
	"github.com/dshills/receiptscout/internal/engine/enginetest"
	"github.com/dshills/receiptscout/pkg/types"
)

const bank = "notice@bank.example"

type recordingSender struct {
	mu   sync.Mutex
	sent []types.ReceiptRecord
}

func (s *recordingSender) Send(ctx context.Context, rec types.ReceiptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, rec)
	return nil
}

type fixture struct {
	app      *App
	gmail    *enginetest.Mailbox
	fastmail *enginetest.Mailbox
	renderer *enginetest.Renderer
	sender   *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "db", "receiptscout.db")
	cfg.Delivery.OutboxDir = filepath.Join(dir, "outbox")
	cfg.Delivery.RatePerSec = 1000
	cfg.Pool.BaseBackoff = time.Millisecond
	cfg.Backends.Gmail.Enabled = true
	cfg.Backends.Gmail.Sender = bank
	cfg.Backends.Fastmail.Enabled = true
	cfg.Backends.Fastmail.Sender = bank
	require.NoError(t, cfg.Validate())

	f := &fixture{
		gmail:    enginetest.NewMailbox("me@gmail.com"),
		fastmail: enginetest.NewMailbox("me@fastmail.com"),
		renderer: enginetest.NewRenderer(),
		sender:   &recordingSender{},
	}
	a, err := New(cfg, nil, Options{
		GmailDialer: f.gmail.GmailDialer(),
		IMAPDialer:  f.fastmail.IMAPDialer(),
		Refreshers:  map[types.Backend]credentials.Refresher{},
		Renderer:    f.renderer,
		Sender:      f.sender,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	f.app = a
	return f
}

func (f *fixture) authorize(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		backend := types.BackendGmail
		if id == "fastmail" {
			backend = types.BackendFastmail
		}
		require.NoError(t, f.app.Credentials.Put(context.Background(), types.Credential{
			ID:      id,
			Backend: backend,
			Account: "me@" + id + ".com",
			Secret:  []byte("secret"),
		}))
	}
}

func TestRetrieveAcrossBackends(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "gmail", "fastmail")

	f.gmail.Deliver(bank, enginetest.Receipt("李四", "某公司", "20.00", "2024-05-01 09:00:00"))
	f.fastmail.Deliver(bank, enginetest.Receipt("张三", "某公司", "100.00", "2024-05-12 10:30:15"))

	res, err := f.app.Service.Retrieve(context.Background(), types.Query{Payer: "张三", Count: 1})
	require.NoError(t, err)

	assert.Equal(t, types.ReasonMatched, res.Reason)
	require.Len(t, res.Records, 1)
	assert.Equal(t, types.BackendFastmail, res.Records[0].Backend)
	assert.Equal(t, "100.00", res.Records[0].Amount)
	assert.Len(t, f.sender.sent, 1)
	assert.Empty(t, f.renderer.Live())
}

func TestRetrieveWithoutStoredCredentials(t *testing.T) {
	f := newFixture(t)

	res, err := f.app.Service.Retrieve(context.Background(), types.Query{Payer: "张三", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNoCredentials, res.Reason)
	assert.Zero(t, f.gmail.Dials())
	assert.Zero(t, f.fastmail.Dials())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "gmail")
	ctx := context.Background()

	_, err := f.app.Service.Retrieve(ctx, types.Query{Payer: "张三", Count: 1})
	require.NoError(t, err)

	st, err := f.app.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, []types.Backend{types.BackendGmail, types.BackendFastmail}, st.Backends)
	require.Len(t, st.Pools, 2)
	assert.Equal(t, 1, st.Pools[0].Handles, "gmail handle stays pooled")
	assert.Equal(t, 0, st.Pools[1].Handles)
	assert.Equal(t, 1, st.InFlight, "completed request is still fresh")
	require.Len(t, st.Credentials, 1)
	assert.Equal(t, "gmail", st.Credentials[0].ID)
	assert.True(t, st.Credentials[0].Valid)
	assert.True(t, st.Credentials[0].InUse)
	assert.Equal(t, []string{"fastmail"}, st.Missing)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
