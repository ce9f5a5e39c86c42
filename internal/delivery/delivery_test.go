package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/receiptscout/pkg/types"
)

var utc8 = time.FixedZone("UTC+8", 8*3600)

func record(ref, paid, generated, raw string) types.ReceiptRecord {
	fields := types.UnknownFields()
	if paid != "" {
		fields.PaymentTime = paid
	}
	if generated != "" {
		fields.GeneratedTime = generated
	}
	return types.ReceiptRecord{DocumentRef: ref, RawTimestamp: raw, Fields: fields, Artifact: "/artifacts/" + ref}
}

func refs(records []types.ReceiptRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.DocumentRef
	}
	return out
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-05-12 10:30:15", time.Date(2024, 5, 12, 10, 30, 15, 0, utc8), true},
		{"2024/05/12 10:30", time.Date(2024, 5, 12, 10, 30, 0, 0, utc8), true},
		{"2024年5月12日 10:30:15", time.Date(2024, 5, 12, 10, 30, 15, 0, utc8), true},
		{"20240512103015", time.Date(2024, 5, 12, 10, 30, 15, 0, utc8), true},
		{"Sun, 12 May 2024 02:30:15 +0000", time.Date(2024, 5, 12, 10, 30, 15, 0, utc8), true},
		{"Sun, 5 May 2024 02:30:15 +0000", time.Date(2024, 5, 5, 10, 30, 15, 0, utc8), true},
		{"2024-05-12", time.Date(2024, 5, 12, 0, 0, 0, 0, utc8), true},
		{types.Unknown, time.Time{}, false},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in, utc8)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestArrange(t *testing.T) {
	records := []types.ReceiptRecord{
		record("bad-1", "", "", "garbage"),
		record("mid", "2024-05-02 09:00:00", "", ""),
		record("gen-only", "", "2024-05-03 09:00:00", ""),
		record("bad-2", "", "", ""),
		record("raw-only", "", "", "Mon, 01 Jan 2024 00:00:00 +0800"),
		record("newest", "2024-06-01 09:00:00", "2024-01-01 00:00:00", ""),
	}

	kept, dropped := Arrange(records, 10, utc8)
	assert.Equal(t, []string{"newest", "gen-only", "mid", "raw-only", "bad-1", "bad-2"}, refs(kept))
	assert.Empty(t, dropped)

	kept, dropped = Arrange(records, 2, utc8)
	assert.Equal(t, []string{"newest", "gen-only"}, refs(kept))
	assert.Equal(t, []string{"mid", "raw-only", "bad-1", "bad-2"}, refs(dropped))

	kept, dropped = Arrange(records, 0, nil)
	assert.Empty(t, kept)
	assert.Len(t, dropped, len(records))
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failRef string
	active  atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
}

func (s *fakeSender) Send(ctx context.Context, rec types.ReceiptRecord) error {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.hold)

	if rec.DocumentRef == s.failRef {
		return errors.New("smtp 451")
	}
	s.mu.Lock()
	s.sent = append(s.sent, rec.DocumentRef)
	s.mu.Unlock()
	return nil
}

type fakeDiscarder struct {
	mu        sync.Mutex
	discarded []string
}

func (d *fakeDiscarder) Discard(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discarded = append(d.discarded, path)
}

func TestDeliver(t *testing.T) {
	sender := &fakeSender{failRef: "r2"}
	discarder := &fakeDiscarder{}
	d := New(sender, discarder, Config{RatePerSec: 1000, Location: utc8})

	records := []types.ReceiptRecord{
		record("r1", "2024-05-01 00:00:00", "", ""),
		record("r2", "2024-05-02 00:00:00", "", ""),
		record("r3", "2024-05-03 00:00:00", "", ""),
		record("r4", "2024-04-01 00:00:00", "", ""),
	}

	rep, err := d.Deliver(context.Background(), records, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r1"}, refs(rep.Delivered))
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Dropped)
	assert.LessOrEqual(t, len(rep.Delivered), 3)

	sort.Strings(discarder.discarded)
	assert.Equal(t, []string{"/artifacts/r1", "/artifacts/r2", "/artifacts/r3", "/artifacts/r4"}, discarder.discarded)
}

func TestDeliverBoundsConcurrency(t *testing.T) {
	sender := &fakeSender{hold: 20 * time.Millisecond}
	d := New(sender, &fakeDiscarder{}, Config{Concurrency: 2, RatePerSec: 1000})

	var records []types.ReceiptRecord
	for i := 0; i < 6; i++ {
		records = append(records, record(strings.Repeat("x", i+1), "", "", ""))
	}
	rep, err := d.Deliver(context.Background(), records, 6)
	require.NoError(t, err)
	assert.Len(t, rep.Delivered, 6)
	assert.LessOrEqual(t, sender.peak.Load(), int32(2))
}

func TestDeliverCancelled(t *testing.T) {
	discarder := &fakeDiscarder{}
	d := New(&fakeSender{}, discarder, Config{RatePerSec: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := d.Deliver(ctx, []types.ReceiptRecord{record("r1", "", "", "")}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Delivered)
	assert.Equal(t, []string{"/artifacts/r1"}, discarder.discarded)
}

func TestDirectorySender(t *testing.T) {
	outbox := filepath.Join(t.TempDir(), "outbox")
	s, err := NewDirectorySender(outbox)
	require.NoError(t, err)

	artifact := filepath.Join(t.TempDir(), "receipt-1.pdf")
	require.NoError(t, os.WriteFile(artifact, []byte("%PDF-1.4"), 0o600))

	rec := record("gmail:1/receipt.pdf", "2024-05-12 10:30:15", "", "")
	rec.Artifact = artifact
	rec.Amount = "100.00"
	require.NoError(t, s.Send(context.Background(), rec))

	entries, err := os.ReadDir(outbox)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var doc, sidecar string
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".pdf":
			doc = e.Name()
		case ".json":
			sidecar = e.Name()
		}
	}
	assert.Equal(t, strings.TrimSuffix(doc, ".pdf"), strings.TrimSuffix(sidecar, ".json"))

	data, err := os.ReadFile(filepath.Join(outbox, sidecar))
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "100.00", got["amount"])
	assert.Equal(t, "gmail:1/receipt.pdf", got["document_ref"])
	assert.NotContains(t, got, "Artifact")

	assert.Error(t, s.Send(context.Background(), types.ReceiptRecord{DocumentRef: "x"}))
}
