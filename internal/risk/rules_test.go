package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

func item(qty, rate float64) ledger.LineItem {
	return ledger.LineItem{Idx: 1, ItemCode: "ITEM", Qty: qty, Rate: rate, Amount: qty * rate}
}

func reasonNames(a ledger.RiskAssessment) []string {
	out := make([]string, 0, len(a.Reasons))
	for _, r := range a.Reasons {
		out = append(out, r.Reason)
	}
	return out
}

func TestEvaluateLadder(t *testing.T) {
	cases := []struct {
		name  string
		total float64
		items []ledger.LineItem
		score float64
		level ledger.RiskLevel
	}{
		{"extreme combination", 1000, []ledger.LineItem{item(30, 10000)}, 1.0, ledger.RiskCritical},
		{"quiet invoice", 500, []ledger.LineItem{item(1, 100)}, 0, ledger.RiskLow},
		{"mid total alone", 150000, nil, 0.55, ledger.RiskMedium},
		{"very high total alone", 200000, nil, 0.85, ledger.RiskHigh},
		{"high combination", 0, []ledger.LineItem{item(10, 3000)}, 0.9, ledger.RiskCritical},
		{"unit price alone", 0, []ledger.LineItem{item(1, 10000)}, 0.8, ledger.RiskHigh},
		{"quantity alone", 0, []ledger.LineItem{item(25, 1)}, 0.7, ledger.RiskHigh},
		{"elevated unit price", 0, []ledger.LineItem{item(1, 7000)}, 0.5, ledger.RiskMedium},
		{"notable quantity", 0, []ledger.LineItem{item(15, 1)}, 0.45, ledger.RiskMedium},
		{"below every threshold", 79999, []ledger.LineItem{item(9, 6999), item(14, 2999)}, 0, ledger.RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.total, tc.items)
			assert.InDelta(t, tc.score, got.Score, 1e-9)
			assert.Equal(t, tc.level, got.Level)
		})
	}
}

func TestEvaluateMergesByMaximumNotSum(t *testing.T) {
	items := []ledger.LineItem{item(1, 7000), item(15, 1), item(20, 2)}
	got := Evaluate(100000, items)

	assert.InDelta(t, 0.55, got.Score, 1e-9)
	assert.Equal(t, ledger.RiskMedium, got.Level)
	assert.Equal(t, []string{
		"Elevated unit price",
		"Notable quantity",
		"Notable quantity",
		"High invoice total",
	}, reasonNames(got))
}

func TestEvaluateReasonsAreCumulative(t *testing.T) {
	got := Evaluate(300000, []ledger.LineItem{item(30, 10000)})

	assert.Equal(t, 1.0, got.Score)
	assert.Equal(t, []string{
		"Extreme quantity and unit price",
		"High quantity and high unit price",
		"Very high unit price",
		"Very high quantity",
		"Very high invoice total",
	}, reasonNames(got))
	require.NotEmpty(t, got.Reasons)
	assert.Equal(t, 30.0, got.Reasons[0].Details["qty"])
	assert.Equal(t, 10000.0, got.Reasons[0].Details["rate"])
	assert.Equal(t, 300000.0, got.Reasons[4].Details["grand_total"])
}

func TestEvaluateOneExtremeItemDominates(t *testing.T) {
	items := []ledger.LineItem{item(1, 100), item(2, 50), item(30, 12000)}
	got := Evaluate(0, items)
	assert.Equal(t, 1.0, got.Score)
	assert.Equal(t, ledger.RiskCritical, got.Level)
}

func TestEvaluateWithoutItemsHasEmptyReasons(t *testing.T) {
	got := Evaluate(10, nil)
	assert.NotNil(t, got.Reasons)
	assert.Empty(t, got.Reasons)
}
