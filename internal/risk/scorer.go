package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

const (
	maxAdjustment       = 0.2
	maxEnrichReasons    = 5
	maxEnrichReasonLen  = 200
	defaultEnrichBudget = 15 * time.Second
)

type SupplierSignal string

const (
	SignalLow     SupplierSignal = "LOW"
	SignalMedium  SupplierSignal = "MEDIUM"
	SignalHigh    SupplierSignal = "HIGH"
	SignalUnknown SupplierSignal = "UNKNOWN"
)

// EnrichmentRequest carries the invoice and the finished rule outcome. The
// base score is informational; enrichers can only supplement it.
type EnrichmentRequest struct {
	Invoice   ledger.Invoice
	Items     []ledger.LineItem
	BaseScore float64
	BaseLevel ledger.RiskLevel
}

type Enrichment struct {
	Adjustment     float64
	Reasons        []string
	SupplierSignal SupplierSignal
}

// Enricher is an external scoring capability. Implementations must honour
// ctx; the Scorer enforces the time budget regardless.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichmentRequest) (Enrichment, error)
}

// EnricherFunc adapts a plain function to Enricher.
type EnricherFunc func(ctx context.Context, req EnrichmentRequest) (Enrichment, error)

func (f EnricherFunc) Enrich(ctx context.Context, req EnrichmentRequest) (Enrichment, error) {
	return f(ctx, req)
}

func neutralEnrichment() Enrichment {
	return Enrichment{SupplierSignal: SignalUnknown}
}

type ScorerOptions struct {
	// Enricher is optional; nil disables enrichment entirely.
	Enricher Enricher
	// Provider labels audit reasons and metrics.
	Provider string
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type Scorer struct {
	enricher Enricher
	provider string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewScorer(opts ScorerOptions) *Scorer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultEnrichBudget
	}
	if strings.TrimSpace(opts.Provider) == "" {
		opts.Provider = "custom"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scorer{
		enricher: opts.Enricher,
		provider: opts.Provider,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Score evaluates the rule ladder and, when an enricher is configured,
// applies its bounded adjustment. It never fails.
func (s *Scorer) Score(ctx context.Context, inv ledger.Invoice, items []ledger.LineItem) ledger.RiskAssessment {
	base := Evaluate(inv.GrandTotal, items)
	base.CalculatedAt = s.now().UTC()
	if s.enricher == nil {
		return base
	}

	enrichment, outcome := s.enrich(ctx, EnrichmentRequest{
		Invoice:   inv,
		Items:     items,
		BaseScore: base.Score,
		BaseLevel: base.Level,
	})
	final := clampScore(base.Score + enrichment.Adjustment)

	reasons := base.Reasons
	for _, text := range enrichment.Reasons {
		reasons = append(reasons, ledger.RiskReason{
			Reason:  text,
			Details: map[string]any{"source": s.provider},
		})
	}
	reasons = append(reasons, ledger.RiskReason{
		Reason: "Risk enrichment",
		Details: map[string]any{
			"provider":        s.provider,
			"outcome":         outcome,
			"adjustment":      enrichment.Adjustment,
			"supplier_signal": string(enrichment.SupplierSignal),
			"base_score":      base.Score,
			"final_score":     final,
		},
	})
	return ledger.RiskAssessment{
		Score:        final,
		Level:        ledger.LevelForScore(final),
		Reasons:      reasons,
		CalculatedAt: base.CalculatedAt,
	}
}

type enrichResult struct {
	enrichment Enrichment
	err        error
}

func (s *Scorer) enrich(ctx context.Context, req EnrichmentRequest) (Enrichment, string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan enrichResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- enrichResult{err: fmt.Errorf("enricher panic: %v", r)}
			}
		}()
		enrichment, err := s.enricher.Enrich(ctx, req)
		done <- enrichResult{enrichment: enrichment, err: err}
	}()

	var (
		result  enrichResult
		outcome string
	)
	select {
	case result = <-done:
		outcome = "ok"
		if result.err != nil {
			outcome = "error"
			if errors.Is(result.err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
		}
	case <-ctx.Done():
		result = enrichResult{err: ctx.Err()}
		outcome = "timeout"
	}
	recordEnrichment(s.provider, outcome, time.Since(started))

	if result.err != nil {
		s.logger.Debug("risk enrichment fell back to neutral",
			"provider", s.provider,
			"invoice_id", req.Invoice.ExternalID,
			"outcome", outcome,
			"error", result.err,
		)
		return neutralEnrichment(), outcome
	}
	return sanitizeEnrichment(result.enrichment), outcome
}

func sanitizeEnrichment(in Enrichment) Enrichment {
	out := Enrichment{SupplierSignal: normalizeSignal(in.SupplierSignal)}
	if !math.IsNaN(in.Adjustment) {
		out.Adjustment = min(max(in.Adjustment, -maxAdjustment), maxAdjustment)
	}
	for _, text := range in.Reasons {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > maxEnrichReasonLen {
			text = string([]rune(text)[:maxEnrichReasonLen])
		}
		out.Reasons = append(out.Reasons, text)
		if len(out.Reasons) == maxEnrichReasons {
			break
		}
	}
	return out
}

func normalizeSignal(signal SupplierSignal) SupplierSignal {
	switch SupplierSignal(strings.ToUpper(strings.TrimSpace(string(signal)))) {
	case SignalLow:
		return SignalLow
	case SignalMedium:
		return SignalMedium
	case SignalHigh:
		return SignalHigh
	default:
		return SignalUnknown
	}
}
