// Package risk scores invoices with a deterministic rule ladder and an
// optional enrichment capability layered on top of it.
package risk

import (
	"github.com/agentworkforce/invoicesync/internal/ledger"
)

// itemRule proposes a floor for the invoice score when one line item matches.
type itemRule struct {
	name  string
	score float64
	match func(qty, rate float64) bool
}

// totalRule proposes a floor from the invoice grand total alone.
type totalRule struct {
	name  string
	score float64
	match func(total float64) bool
}

var itemRules = []itemRule{
	{name: "Extreme quantity and unit price", score: 1.0, match: func(qty, rate float64) bool { return qty >= 30 && rate >= 10000 }},
	{name: "High quantity and high unit price", score: 0.9, match: func(qty, rate float64) bool { return qty >= 10 && rate >= 3000 }},
	{name: "Very high unit price", score: 0.8, match: func(_, rate float64) bool { return rate >= 10000 }},
	{name: "Very high quantity", score: 0.7, match: func(qty, _ float64) bool { return qty >= 25 }},
	{name: "Elevated unit price", score: 0.5, match: func(_, rate float64) bool { return rate >= 7000 && rate < 10000 }},
	{name: "Notable quantity", score: 0.45, match: func(qty, _ float64) bool { return qty >= 15 && qty < 25 }},
}

var totalRules = []totalRule{
	{name: "Very high invoice total", score: 0.85, match: func(total float64) bool { return total >= 200000 }},
	{name: "High invoice total", score: 0.55, match: func(total float64) bool { return total >= 80000 && total < 200000 }},
}

// Evaluate runs every rule against the invoice. The score is the highest
// floor proposed by any firing rule and every firing rule leaves a reason.
func Evaluate(total float64, items []ledger.LineItem) ledger.RiskAssessment {
	score := 0.0
	reasons := []ledger.RiskReason{}

	for _, item := range items {
		for _, rule := range itemRules {
			if !rule.match(item.Qty, item.Rate) {
				continue
			}
			score = max(score, rule.score)
			reasons = append(reasons, ledger.RiskReason{
				Reason: rule.name,
				Details: map[string]any{
					"idx":       item.Idx,
					"item_code": item.ItemCode,
					"qty":       item.Qty,
					"rate":      item.Rate,
					"score":     rule.score,
				},
			})
		}
	}
	for _, rule := range totalRules {
		if !rule.match(total) {
			continue
		}
		score = max(score, rule.score)
		reasons = append(reasons, ledger.RiskReason{
			Reason: rule.name,
			Details: map[string]any{
				"grand_total": total,
				"score":       rule.score,
			},
		})
	}

	score = clampScore(score)
	return ledger.RiskAssessment{
		Score:   score,
		Level:   ledger.LevelForScore(score),
		Reasons: reasons,
	}
}

func clampScore(v float64) float64 {
	return min(max(v, 0), 1)
}
