package erpsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

const MaxRecalculateLimit = 2000

type RecalcReport struct {
	RunID          string   `json:"run_id"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	Error          string   `json:"error,omitempty"`
	Limit          int      `json:"limit"`
	Recalculated   int      `json:"recalculated"`
	FailedInvoices []string `json:"failed_invoices"`
	CacheCleared   int      `json:"ttl_cache_cleared_keys"`
}

// Recalculate rescores the limit most recent invoices regardless of their
// fingerprints and then invalidates derived caches. It shares the cycle
// lock, so it is skipped while a cycle runs.
func (e *Engine) Recalculate(ctx context.Context, limit int) RecalcReport {
	report := RecalcReport{
		RunID:          uuid.NewString(),
		Status:         StatusOK,
		Limit:          limit,
		FailedInvoices: []string{},
	}
	if limit < 1 || limit > MaxRecalculateLimit {
		report.Status = StatusError
		report.Error = fmt.Sprintf("limit must be between 1 and %d", MaxRecalculateLimit)
		return report
	}
	if !e.running.TryLock() {
		report.Status = StatusSkipped
		report.Reason = "sync already running"
		recordRecalculation(StatusSkipped)
		return report
	}
	defer e.running.Unlock()

	invoices, err := e.store.ListInvoices(ctx, limit)
	if err != nil {
		report.Status = StatusError
		report.Error = err.Error()
		recordRecalculation(StatusError)
		e.logger.Error("risk recalculation failed", "run_id", report.RunID, "error", err)
		return report
	}

	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			report.Status = StatusError
			report.Error = err.Error()
			break
		}
		assessment := e.scorer.Score(ctx, inv, inv.Items)
		err := e.store.Update(ctx, func(tx ledger.Tx) error {
			return tx.PutRisk(ctx, inv.ExternalID, assessment)
		})
		if err != nil {
			report.FailedInvoices = append(report.FailedInvoices, inv.ExternalID)
			e.logger.Warn("risk recalculation failed for invoice", "run_id", report.RunID, "invoice_id", inv.ExternalID, "error", err)
			continue
		}
		report.Recalculated++
	}

	report.CacheCleared = e.invalidate()
	recordRecalculation(report.Status)
	e.logger.Info("risk recalculation finished",
		"run_id", report.RunID,
		"status", report.Status,
		"recalculated", report.Recalculated,
		"failed", len(report.FailedInvoices),
		"ttl_cache_cleared_keys", report.CacheCleared,
	)
	return report
}
