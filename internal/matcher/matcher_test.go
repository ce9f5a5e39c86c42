package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dshills/receiptscout/pkg/types"
)

func TestMatch(t *testing.T) {
	m := New(DefaultThreshold)

	tests := []struct {
		name      string
		query     string
		candidate string
		want      bool
	}{
		{name: "identical", query: "Alice Tan", candidate: "Alice Tan", want: true},
		{name: "unrelated", query: "Zed", candidate: "Alice Tan", want: false},
		{name: "empty query matches all", query: "", candidate: "Anything", want: true},
		{name: "empty query matches unknown", query: "", candidate: types.Unknown, want: true},
		{name: "case insensitive", query: "alice tan", candidate: "ALICE TAN", want: true},
		{name: "query is substring", query: "张三", candidate: "张三丰", want: true},
		{name: "candidate is substring", query: "上海某某贸易有限公司", candidate: "某某贸易", want: true},
		{name: "close enough by common run", query: "Alice Tann", candidate: "Alice Tan Co", want: true},
		{name: "below threshold", query: "李四", candidate: "张三", want: false},
		{name: "unknown candidate with filter", query: "张三", candidate: types.Unknown, want: false},
		{name: "empty candidate with filter", query: "张三", candidate: "", want: false},
		{name: "full width folds", query: "ＡＢＣ", candidate: "abc", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.query, tt.candidate))
		})
	}
}

func TestSimilarity(t *testing.T) {
	m := New(0)

	assert.Equal(t, DefaultThreshold, m.Threshold())
	assert.InDelta(t, 1.0, m.Similarity("abc", "abc"), 1e-9)
	assert.InDelta(t, 0.0, m.Similarity("abc", "xyz"), 1e-9)
	assert.InDelta(t, 0.5, m.Similarity("abcd", "cdxy"), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Similarity("张三丰", "张三"), 1e-9)
}

func TestLongestCommonSubstring(t *testing.T) {
	assert.Equal(t, 0, longestCommonSubstring(nil, []rune("a")))
	assert.Equal(t, 3, longestCommonSubstring([]rune("xabcx"), []rune("yabcy")))
	assert.Equal(t, 1, longestCommonSubstring([]rune("zed"), []rune("alice tan")))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "alice tan", Normalize("  Alice\t  TAN "))
	assert.Equal(t, "abc 123", Normalize("ＡＢＣ　１２３"))
}
