package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

// CursorKey is the sync_state key holding the purchase invoice watermark.
const CursorKey = "purchase_invoice_last_modified"

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a score in [0,1] onto the four risk levels.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 0.9:
		return RiskCritical
	case score >= 0.7:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Invoice is the locally mirrored purchase invoice. Fingerprint is the
// canonical hash of Items and Modified is the upstream watermark.
type Invoice struct {
	ExternalID  string          `json:"invoice_id"`
	Supplier    string          `json:"supplier"`
	PostingDate string          `json:"posting_date"`
	GrandTotal  float64         `json:"grand_total"`
	Modified    string          `json:"erp_modified"`
	Fingerprint string          `json:"items_hash"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Items       []LineItem      `json:"items,omitempty"`
	Risk        *RiskAssessment `json:"risk,omitempty"`
}

type LineItem struct {
	Idx      int     `json:"idx"`
	ItemCode string  `json:"item_code"`
	ItemName string  `json:"item_name"`
	Qty      float64 `json:"qty"`
	Rate     float64 `json:"rate"`
	Amount   float64 `json:"amount"`
}

type RiskReason struct {
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

type RiskAssessment struct {
	Score        float64      `json:"score"`
	Level        RiskLevel    `json:"level"`
	Reasons      []RiskReason `json:"reasons"`
	CalculatedAt time.Time    `json:"calculated_at"`
}

func cloneInvoice(inv Invoice) Invoice {
	out := inv
	if inv.Items != nil {
		out.Items = append([]LineItem(nil), inv.Items...)
	}
	if inv.Risk != nil {
		risk := cloneRisk(*inv.Risk)
		out.Risk = &risk
	}
	return out
}

func cloneRisk(a RiskAssessment) RiskAssessment {
	out := a
	if a.Reasons != nil {
		out.Reasons = make([]RiskReason, len(a.Reasons))
		for i, reason := range a.Reasons {
			out.Reasons[i] = RiskReason{Reason: reason.Reason}
			if reason.Details != nil {
				details := make(map[string]any, len(reason.Details))
				for k, v := range reason.Details {
					details[k] = v
				}
				out.Reasons[i].Details = details
			}
		}
	}
	return out
}
