package retrieval

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/dshills/receiptscout/internal/matcher"
	"github.com/dshills/receiptscout/pkg/types"
)

// Fingerprint identifies identical requests. Names are normalized the way
// the matcher compares them, so "张三" and "张三 " share a fingerprint.
func Fingerprint(q types.Query) string {
	var b strings.Builder
	b.WriteString(string(q.Backend))
	b.WriteByte('|')
	b.WriteString(matcher.Normalize(q.Payer))
	b.WriteByte('|')
	b.WriteString(matcher.Normalize(q.Payee))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.Count))
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}
