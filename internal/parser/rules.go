package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/receiptscout/pkg/types"
)

// section is the document block a label belongs to
type section int

const (
	sectionNone section = iota
	sectionPayer
	sectionPayee
)

var (
	payerHeader = regexp.MustCompile(`(?i)付款方|付款人|付款账户信息|\bpayer\b`)
	payeeHeader = regexp.MustCompile(`(?i)收款方|收款人|收款账户信息|\bpayee\b`)

	headerColon   = regexp.MustCompile(`^\s*:`)
	amountPattern = regexp.MustCompile(`[0-9][0-9,]*(?:\.[0-9]+)?`)
)

// field identifies one entry of the extracted tuple
type field int

const (
	fieldName field = iota
	fieldAccount
	fieldAccountKind
	fieldAmountInWords
	fieldAmount
	fieldPaymentTime
	fieldGeneratedTime
	fieldTransactionRef
)

// rule is a labeled-field extraction rule. Scoped rules are resolved
// against the nearest preceding section header.
type rule struct {
	field  field
	label  *regexp.Regexp
	scoped bool
}

// rules are applied in order; amount-in-words precedes the numeric amount
// so the broader amount label never claims the words line.
var rules = []rule{
	{field: fieldName, label: regexp.MustCompile(`(?i)(?:户名|名称|姓名|\bname)\s*:`), scoped: true},
	{field: fieldAccount, label: regexp.MustCompile(`(?i)(?:账号|卡号|账户|\baccount(?: no\.?| number)?)\s*:`), scoped: true},
	{field: fieldAccountKind, label: regexp.MustCompile(`(?i)(?:开户行|开户银行|开户机构|账户类型|\baccount type|\bbank)\s*:`), scoped: true},
	{field: fieldAmountInWords, label: regexp.MustCompile(`(?i)(?:金额\s*\(大写\)|大写金额|大写|\bamount in words)\s*:`)},
	{field: fieldAmount, label: regexp.MustCompile(`(?i)(?:金额\s*\(小写\)|小写金额|小写|交易金额|金额|\bamount)\s*:`)},
	{field: fieldPaymentTime, label: regexp.MustCompile(`(?i)(?:交易时间|支付时间|付款时间|转账时间|\bpayment time|\btransaction time)\s*:`)},
	{field: fieldGeneratedTime, label: regexp.MustCompile(`(?i)(?:回单生成时间|生成时间|打印时间|\bgenerated at|\bgeneration time)\s*:`)},
	{field: fieldTransactionRef, label: regexp.MustCompile(`(?i)(?:交易流水号|流水号|交易号|凭证号|\btransaction ref(?:erence)?|\breference)\s*:`)},
}

// marker is a located header or label in the normalized text
type marker struct {
	start, end int
	rule       *rule // nil for section headers
	section    section
}

// extractFields applies every rule to normalized text and returns the tuple,
// with Unknown for anything not found.
func extractFields(text string) types.Fields {
	markers := locate(text)
	out := types.UnknownFields()
	headers := hasHeaders(markers)

	// seen counts scoped matches per field for documents without headers
	seen := make(map[field]int)
	found := make(map[field]map[section]bool)

	current := sectionNone
	for i, m := range markers {
		if m.rule == nil {
			current = m.section
			continue
		}
		value := valueAt(text, markers, i)
		if value == "" {
			continue
		}

		sec := sectionNone
		if m.rule.scoped {
			sec = current
			if !headers {
				// Without headers the payer block conventionally comes first.
				sec = sectionPayer
				if seen[m.rule.field] > 0 {
					sec = sectionPayee
				}
				seen[m.rule.field]++
			}
			if sec == sectionNone {
				continue
			}
		}

		if found[m.rule.field] == nil {
			found[m.rule.field] = make(map[section]bool)
		}
		if found[m.rule.field][sec] {
			continue
		}
		found[m.rule.field][sec] = true
		assign(&out, m.rule.field, sec, value)
	}
	return out
}

// locate finds all label and header positions, ordered by offset. When two
// labels overlap, the earlier rule wins.
func locate(text string) []marker {
	var markers []marker
	for _, loc := range payerHeader.FindAllStringIndex(text, -1) {
		markers = append(markers, marker{start: loc[0], end: loc[1], section: sectionPayer})
	}
	for _, loc := range payeeHeader.FindAllStringIndex(text, -1) {
		markers = append(markers, marker{start: loc[0], end: loc[1], section: sectionPayee})
	}

	var labels []marker
	for i := range rules {
		for _, loc := range rules[i].label.FindAllStringIndex(text, -1) {
			candidate := marker{start: loc[0], end: loc[1], rule: &rules[i]}
			if overlapsAny(candidate, labels) {
				continue
			}
			labels = append(labels, candidate)
		}
	}

	// Headers that sit inside a label are not headers. A header followed
	// directly by a colon ("付款人: 张三") also labels the section's name.
	kept := markers[:0]
	for _, h := range markers {
		if overlapsAny(h, labels) {
			continue
		}
		kept = append(kept, h)
		if loc := headerColon.FindStringIndex(text[h.end:]); loc != nil {
			labels = append(labels, marker{start: h.end, end: h.end + loc[1], rule: &rules[0]})
		}
	}
	markers = append(kept, labels...)
	sort.SliceStable(markers, func(i, j int) bool { return markers[i].start < markers[j].start })
	return markers
}

func overlapsAny(m marker, others []marker) bool {
	for _, o := range others {
		if m.start < o.end && o.start < m.end {
			return true
		}
	}
	return false
}

func hasHeaders(markers []marker) bool {
	for _, m := range markers {
		if m.rule == nil {
			return true
		}
	}
	return false
}

// valueAt returns the text after label i up to the end of the line or the
// next marker, whichever comes first.
func valueAt(text string, markers []marker, i int) string {
	start := markers[i].end
	end := len(text)
	if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 {
		end = start + nl
	}
	if i+1 < len(markers) && markers[i+1].start < end {
		end = markers[i+1].start
	}
	return strings.Join(strings.Fields(text[start:end]), " ")
}

func assign(out *types.Fields, f field, sec section, value string) {
	switch f {
	case fieldName:
		if sec == sectionPayer {
			out.PayerName = value
		} else {
			out.PayeeName = value
		}
	case fieldAccount:
		value = strings.ReplaceAll(value, " ", "")
		if sec == sectionPayer {
			out.PayerAccount = value
		} else {
			out.PayeeAccount = value
		}
	case fieldAccountKind:
		if sec == sectionPayer {
			out.PayerAccountKind = value
		} else {
			out.PayeeAccountKind = value
		}
	case fieldAmountInWords:
		out.AmountInWords = value
	case fieldAmount:
		out.Amount = normalizeAmount(value)
	case fieldPaymentTime:
		out.PaymentTime = value
	case fieldGeneratedTime:
		out.GeneratedTime = value
	case fieldTransactionRef:
		out.TransactionRef = value
	}
}
