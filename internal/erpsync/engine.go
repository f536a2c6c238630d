package erpsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

const (
	StepReadCursor   = "read_cursor"
	StepList         = "list"
	StepUpdateCursor = "update_cursor"
	StepInterrupted  = "interrupted"
)

const (
	DefaultMaxCandidates = 50
	maxFetchConcurrency  = 32
)

// DefaultInvalidatePrefixes are the cache namespaces derived from invoice
// and risk data.
var DefaultInvalidatePrefixes = []string{"vendors:", "summary:"}

// CycleReport is the only surface for sync outcomes.
type CycleReport struct {
	CycleID            string    `json:"cycle_id"`
	Status             string    `json:"status"`
	Step               string    `json:"step,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Error              string    `json:"error,omitempty"`
	LastModifiedBefore string    `json:"last_modified_before"`
	LastModifiedAfter  string    `json:"last_modified_after"`
	Candidates         int       `json:"candidates"`
	DBUpdated          int       `json:"db_updated"`
	RiskRecalculated   int       `json:"risk_recalculated"`
	SkippedSameHash    int       `json:"skipped_same_hash"`
	FailedInvoices     []string  `json:"failed_invoices"`
	CacheCleared       int       `json:"ttl_cache_cleared_keys"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// RiskScorer produces the assessment persisted alongside an invoice.
type RiskScorer interface {
	Score(ctx context.Context, inv ledger.Invoice, items []ledger.LineItem) ledger.RiskAssessment
}

// CacheInvalidator drops derived aggregates by key prefix.
type CacheInvalidator interface {
	ClearPrefix(prefix string) int
}

type EngineOptions struct {
	// MaxCandidates is N for Source.ListChanged.
	MaxCandidates int
	// FetchConcurrency bounds parallel FetchFull calls. Writes stay sequential.
	FetchConcurrency int
	// HoldCursorOnFailure keeps the cursor below the oldest failed candidate
	// so it is listed again next cycle.
	HoldCursorOnFailure bool
	Cache               CacheInvalidator
	InvalidatePrefixes  []string
	// OnReport observes every finished cycle, including skipped ones.
	OnReport func(CycleReport)
	Logger   *slog.Logger
	Now      func() time.Time
}

type Engine struct {
	source Source
	store  ledger.Store
	scorer RiskScorer
	opts   EngineOptions
	logger *slog.Logger

	running sync.Mutex

	lastMu sync.RWMutex
	last   *CycleReport
}

func NewEngine(source Source, store ledger.Store, scorer RiskScorer, opts EngineOptions) (*Engine, error) {
	if source == nil || store == nil || scorer == nil {
		return nil, errors.New("engine requires a source, a store and a scorer")
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	opts.FetchConcurrency = min(max(opts.FetchConcurrency, 1), maxFetchConcurrency)
	if opts.InvalidatePrefixes == nil {
		opts.InvalidatePrefixes = DefaultInvalidatePrefixes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source: source,
		store:  store,
		scorer: scorer,
		opts:   opts,
		logger: logger,
	}, nil
}

// LastReport returns the most recent non-skipped cycle report.
func (e *Engine) LastReport() (CycleReport, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return CycleReport{}, false
	}
	report := *e.last
	report.FailedInvoices = append([]string{}, e.last.FailedInvoices...)
	return report, true
}

// RunCycle performs one reconciliation pass. A call made while another
// cycle or recalculation is in progress returns a skipped report at once.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	if !e.running.TryLock() {
		report := CycleReport{
			CycleID:        uuid.NewString(),
			Status:         StatusSkipped,
			Reason:         "sync already running",
			FailedInvoices: []string{},
		}
		e.finish(&report, false)
		return report
	}
	defer e.running.Unlock()

	report := CycleReport{
		CycleID:        uuid.NewString(),
		Status:         StatusOK,
		FailedInvoices: []string{},
		StartedAt:      e.opts.Now().UTC(),
	}
	e.runLocked(ctx, &report)
	e.finish(&report, true)
	return report
}

func (e *Engine) runLocked(ctx context.Context, report *CycleReport) {
	before, _, err := e.store.GetCursor(ctx, ledger.CursorKey)
	if err != nil {
		e.fail(report, StepReadCursor, err)
		return
	}
	report.LastModifiedBefore = before
	report.LastModifiedAfter = before

	listed, err := e.source.ListChanged(ctx, e.opts.MaxCandidates)
	if err != nil {
		e.fail(report, StepList, err)
		return
	}

	newestSeen := ""
	candidates := make([]Candidate, 0, len(listed))
	for _, row := range listed {
		if row.ExternalID == "" {
			continue
		}
		if row.Modified > newestSeen {
			newestSeen = row.Modified
		}
		if before != "" && row.Modified != "" && row.Modified <= before {
			continue
		}
		candidates = append(candidates, row)
	}
	report.Candidates = len(candidates)

	// Clear caches for anything that committed, even if the cycle stops early.
	defer func() {
		report.CacheCleared = e.invalidate()
	}()

	fetched := e.fetchAll(ctx, candidates)
	failed := make(map[string]bool)
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			e.fail(report, StepInterrupted, err)
			return
		}
		if fetched[i].err != nil {
			e.recordFailure(report, failed, cand, fetched[i].err)
			continue
		}
		updated, err := e.reconcile(ctx, cand, fetched[i].record)
		if err != nil {
			e.recordFailure(report, failed, cand, err)
			continue
		}
		if updated {
			report.DBUpdated++
			report.RiskRecalculated++
		} else {
			report.SkippedSameHash++
		}
	}

	after := newestSeen
	if e.opts.HoldCursorOnFailure && len(failed) > 0 {
		after = safeWatermark(before, candidates, failed)
	}
	if after == "" || after <= before {
		return
	}
	if err := e.store.SetCursor(ctx, ledger.CursorKey, after); err != nil {
		e.fail(report, StepUpdateCursor, err)
		return
	}
	report.LastModifiedAfter = after
}

type fetchResult struct {
	record Record
	err    error
}

// fetchAll loads candidate details with bounded parallelism. Failures stay
// attached to their candidate.
func (e *Engine) fetchAll(ctx context.Context, candidates []Candidate) []fetchResult {
	results := make([]fetchResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.opts.FetchConcurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			record, err := e.source.FetchFull(ctx, cand.ExternalID)
			results[i] = fetchResult{record: record, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// reconcile writes one candidate. It reports false when the stored invoice
// already carries the same watermark and fingerprint.
func (e *Engine) reconcile(ctx context.Context, cand Candidate, record Record) (bool, error) {
	items := ledger.Canonicalize(ledger.DedupeItems(record.Items))
	fingerprint, err := ledger.Fingerprint(items)
	if err != nil {
		return false, err
	}

	existing, err := e.store.GetInvoice(ctx, cand.ExternalID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load stored invoice: %w", err)
	default:
		if existing.Modified == cand.Modified && existing.Fingerprint == fingerprint {
			return false, nil
		}
	}

	inv := ledger.Invoice{
		ExternalID:  cand.ExternalID,
		Supplier:    cand.Supplier,
		PostingDate: cand.PostingDate,
		GrandTotal:  cand.GrandTotal,
		Modified:    cand.Modified,
		Fingerprint: fingerprint,
	}
	assessment := e.scorer.Score(ctx, inv, items)

	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.UpsertInvoice(ctx, inv, items); err != nil {
			return err
		}
		return tx.PutRisk(ctx, inv.ExternalID, assessment)
	})
	if err != nil {
		return false, fmt.Errorf("persist invoice: %w", err)
	}
	return true, nil
}

// safeWatermark is the highest watermark below every failed candidate that
// still moves past the previous cursor. A failed candidate without a
// watermark cannot be placed, so the cursor stays at before.
func safeWatermark(before string, candidates []Candidate, failed map[string]bool) string {
	oldestFailed := ""
	for _, cand := range candidates {
		if !failed[cand.ExternalID] {
			continue
		}
		if cand.Modified == "" {
			return before
		}
		if oldestFailed == "" || cand.Modified < oldestFailed {
			oldestFailed = cand.Modified
		}
	}
	if oldestFailed == "" {
		return before
	}
	safe := before
	for _, cand := range candidates {
		if failed[cand.ExternalID] || cand.Modified == "" {
			continue
		}
		if cand.Modified < oldestFailed && cand.Modified > safe {
			safe = cand.Modified
		}
	}
	return safe
}

func (e *Engine) recordFailure(report *CycleReport, failed map[string]bool, cand Candidate, err error) {
	failed[cand.ExternalID] = true
	report.FailedInvoices = append(report.FailedInvoices, cand.ExternalID)
	e.logger.Warn("invoice reconciliation failed",
		"cycle_id", report.CycleID,
		"invoice_id", cand.ExternalID,
		"modified", cand.Modified,
		"error", err,
	)
}

func (e *Engine) fail(report *CycleReport, step string, err error) {
	report.Status = StatusError
	report.Step = step
	report.Error = err.Error()
}

func (e *Engine) invalidate() int {
	if e.opts.Cache == nil {
		return 0
	}
	cleared := 0
	for _, prefix := range e.opts.InvalidatePrefixes {
		cleared += e.opts.Cache.ClearPrefix(prefix)
	}
	return cleared
}

func (e *Engine) finish(report *CycleReport, remember bool) {
	report.FinishedAt = e.opts.Now().UTC()
	if report.StartedAt.IsZero() {
		report.StartedAt = report.FinishedAt
	}
	recordCycle(*report)

	attrs := []any{
		"cycle_id", report.CycleID,
		"status", report.Status,
		"candidates", report.Candidates,
		"db_updated", report.DBUpdated,
		"skipped_same_hash", report.SkippedSameHash,
		"failed", len(report.FailedInvoices),
		"cursor_before", report.LastModifiedBefore,
		"cursor_after", report.LastModifiedAfter,
	}
	switch report.Status {
	case StatusError:
		e.logger.Error("sync cycle failed", append(attrs, "step", report.Step, "error", report.Error)...)
	case StatusSkipped:
		e.logger.Info("sync cycle skipped", "cycle_id", report.CycleID, "reason", report.Reason)
	default:
		e.logger.Info("sync cycle finished", attrs...)
	}

	if remember {
		snapshot := *report
		snapshot.FailedInvoices = append([]string{}, report.FailedInvoices...)
		e.lastMu.Lock()
		e.last = &snapshot
		e.lastMu.Unlock()
	}
	if e.opts.OnReport != nil {
		e.opts.OnReport(*report)
	}
}
