package delivery

import (
	"sort"
	"strings"
	"time"

	"github.com/dshills/receiptscout/pkg/types"
)

// timeLayouts are tried in order when reading receipt and message timestamps
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006年01月02日 15:04:05",
	"2006年1月2日 15:04:05",
	"2006年01月02日 15:04",
	"2006年1月2日 15:04",
	"20060102150405",
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02",
	"2006年01月02日",
	"2006年1月2日",
}

// ParseTimestamp reads s with the first layout that fits. Layouts without a
// zone are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == types.Unknown {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// recordTime walks the record's timestamp fallback chain
func recordTime(rec types.ReceiptRecord, loc *time.Location) (time.Time, bool) {
	for _, s := range rec.SortTime() {
		if t, ok := ParseTimestamp(s, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Arrange orders records newest first and splits them at count. Records
// without a readable timestamp sort last in arrival order.
func Arrange(records []types.ReceiptRecord, count int, loc *time.Location) (kept, dropped []types.ReceiptRecord) {
	if loc == nil {
		loc = time.UTC
	}

	type keyed struct {
		rec types.ReceiptRecord
		at  time.Time
		ok  bool
	}
	items := make([]keyed, len(records))
	for i, rec := range records {
		at, ok := recordTime(rec, loc)
		items[i] = keyed{rec: rec, at: at, ok: ok}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ok != b.ok {
			return a.ok
		}
		return a.ok && a.at.After(b.at)
	})

	sorted := make([]types.ReceiptRecord, len(items))
	for i, it := range items {
		sorted[i] = it.rec
	}
	if count < 0 {
		count = 0
	}
	if len(sorted) <= count {
		return sorted, nil
	}
	return sorted[:count], sorted[count:]
}
