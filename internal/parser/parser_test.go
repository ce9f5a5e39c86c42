package parser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/receiptscout/pkg/types"
)

const chineseReceipt = `中国工商银行 网上银行电子回单
付款方
户名：张三
账号：6222 0000 1111 2222
开户行：中国工商银行上海分行
收款方
户名：上海某某贸易有限公司
账号：3100 1234 5678
开户行：招商银行上海分行
金额（小写）：￥100.00
金额（大写）：壹佰元整
交易时间：2024-05-12 10:30:15
交易流水号：TX202405120001
回单生成时间：2024-05-12 10:31:00
`

const englishReceipt = `Payment Receipt
Payer
Name: Alice Tan
Account: 1234 5678
Account Type: Savings
Payee
Name: Bob Lee
Account: 8765 4321
Account Type: Checking
Amount: 1,250.5
Amount in Words: One thousand two hundred fifty and 50/100
Payment Time: 2024-03-01 09:00:00
Reference: REF-001
`

func TestExtractChineseReceipt(t *testing.T) {
	p := New(Config{})

	fields, err := p.Extract(chineseReceipt)
	require.NoError(t, err)

	assert.Equal(t, types.Fields{
		PayerName:        "张三",
		PayerAccount:     "6222000011112222",
		PayerAccountKind: "中国工商银行上海分行",
		PayeeName:        "上海某某贸易有限公司",
		PayeeAccount:     "310012345678",
		PayeeAccountKind: "招商银行上海分行",
		Amount:           "100.00",
		AmountInWords:    "壹佰元整",
		PaymentTime:      "2024-05-12 10:30:15",
		GeneratedTime:    "2024-05-12 10:31:00",
		TransactionRef:   "TX202405120001",
	}, fields)
}

func TestExtractEnglishReceipt(t *testing.T) {
	p := New(Config{})

	fields, err := p.Extract(englishReceipt)
	require.NoError(t, err)

	assert.Equal(t, "Alice Tan", fields.PayerName)
	assert.Equal(t, "12345678", fields.PayerAccount)
	assert.Equal(t, "Savings", fields.PayerAccountKind)
	assert.Equal(t, "Bob Lee", fields.PayeeName)
	assert.Equal(t, "87654321", fields.PayeeAccount)
	assert.Equal(t, "Checking", fields.PayeeAccountKind)
	assert.Equal(t, "1250.50", fields.Amount)
	assert.Equal(t, "One thousand two hundred fifty and 50/100", fields.AmountInWords)
	assert.Equal(t, "2024-03-01 09:00:00", fields.PaymentTime)
	assert.Equal(t, "REF-001", fields.TransactionRef)
	assert.Equal(t, types.Unknown, fields.GeneratedTime)
}

func TestExtractLayouts(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantPayer string
		wantPayee string
		wantAmt   string
	}{
		{
			name:      "blocks side by side on one line",
			text:      "付款方 户名:张三 收款方 户名:李四\n金额: 50",
			wantPayer: "张三",
			wantPayee: "李四",
			wantAmt:   "50.00",
		},
		{
			name:      "header doubles as name label",
			text:      "付款人：王五\n收款人：赵六\n金额：20.5",
			wantPayer: "王五",
			wantPayee: "赵六",
			wantAmt:   "20.50",
		},
		{
			name:      "no headers falls back to order",
			text:      "户名: A\n户名: B\n",
			wantPayer: "A",
			wantPayee: "B",
			wantAmt:   types.Unknown,
		},
		{
			name:      "payee block first",
			text:      "收款方\n户名: 李四\n付款方\n户名: 张三\n",
			wantPayer: "张三",
			wantPayee: "李四",
			wantAmt:   types.Unknown,
		},
		{
			name:      "stray escapes stripped",
			text:      "付款方\n户名：张\x1b三\\\n",
			wantPayer: "张三",
			wantPayee: types.Unknown,
			wantAmt:   types.Unknown,
		},
	}

	p := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := p.Extract(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPayer, fields.PayerName)
			assert.Equal(t, tt.wantPayee, fields.PayeeName)
			assert.Equal(t, tt.wantAmt, fields.Amount)
		})
	}
}

func TestExtractMissingFieldsAreUnknown(t *testing.T) {
	p := New(Config{})

	fields, err := p.Extract("some unrelated text\nwithout labels")
	require.NoError(t, err)
	assert.Equal(t, types.UnknownFields(), fields)
}

func TestExtractEmptyText(t *testing.T) {
	p := New(Config{})

	_, err := p.Extract("  \n\x00 ")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrParse)
}

func TestParseCachesByDocument(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	calls := 0
	src := func(ctx context.Context) (string, error) {
		calls++
		return chineseReceipt, nil
	}

	first, err := p.Parse(ctx, "doc-1", src)
	require.NoError(t, err)
	second, err := p.Parse(ctx, "doc-1", src)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "text should be extracted once")
	assert.Equal(t, int64(1), p.Extractions())
	assert.Equal(t, 1, p.Len())
}

func TestParseStaleEntryIsReparsed(t *testing.T) {
	mock := clock.NewMock()
	p := New(Config{CacheTTL: time.Hour, Clock: mock})
	ctx := context.Background()

	calls := 0
	src := func(ctx context.Context) (string, error) {
		calls++
		return englishReceipt, nil
	}

	_, err := p.Parse(ctx, "doc-1", src)
	require.NoError(t, err)

	mock.Add(30 * time.Minute)
	_, err = p.Parse(ctx, "doc-1", src)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	mock.Add(31 * time.Minute)
	_, err = p.Parse(ctx, "doc-1", src)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestParseSourceError(t *testing.T) {
	p := New(Config{})

	boom := errors.New("corrupt pdf")
	_, err := p.Parse(context.Background(), "doc-bad", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrParse)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len(), "failures are not cached")
}

func TestParseCancelledCallerDoesNotFailJoinedCaller(t *testing.T) {
	p := New(Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(ctx context.Context) (string, error) {
		calls.Add(1)
		close(entered)
		select {
		case <-release:
			return chineseReceipt, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Parse(ctx, "doc-1", slow)
		first <- err
	}()
	<-entered

	type result struct {
		fields types.Fields
		err    error
	}
	second := make(chan result, 1)
	go func() {
		fields, err := p.Parse(context.Background(), "doc-1", slow)
		second <- result{fields, err}
	}()
	time.Sleep(10 * time.Millisecond) // let the second caller join the extraction

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "张三", res.fields.PayerName)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, p.Len(), "the shared extraction still fills the cache")
}

func TestSweep(t *testing.T) {
	mock := clock.NewMock()
	p := New(Config{CacheTTL: time.Hour, Clock: mock})
	ctx := context.Background()
	src := func(ctx context.Context) (string, error) { return englishReceipt, nil }

	_, err := p.Parse(ctx, "old", src)
	require.NoError(t, err)
	mock.Add(45 * time.Minute)
	_, err = p.Parse(ctx, "new", src)
	require.NoError(t, err)

	mock.Add(30 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 1, p.Len())
}

func TestNormalizeAmount(t *testing.T) {
	tests := map[string]string{
		"¥100.00":   "100.00",
		"1,234.5":   "1234.50",
		"RMB 100元":  "100.00",
		"0.5":       "0.50",
		"12.345":    "12.34",
		"no digits": "no digits",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeAmount(in), in)
	}
}
