package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/invoicesync/internal/erpsync"
	"github.com/agentworkforce/invoicesync/internal/ledger"
	"github.com/agentworkforce/invoicesync/internal/ttlcache"
)

const (
	vendorsPrefix = "vendors:"
	summaryPrefix = "summary:"
	unknownVendor = "Unknown"
)

// SyncService is the engine surface the API drives.
type SyncService interface {
	RunCycle(ctx context.Context) erpsync.CycleReport
	LastReport() (erpsync.CycleReport, bool)
	Recalculate(ctx context.Context, limit int) erpsync.RecalcReport
}

type ServerConfig struct {
	// JWTSecret enables bearer auth on every route except health, metrics
	// and the HTML dashboard. Empty disables auth.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	DashboardTTL    time.Duration
	// Cache holds derived aggregates. Share it with the engine so that
	// cycles invalidate what the API serves.
	Cache          *ttlcache.Cache[any]
	Feed           *Feed
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

type Server struct {
	store       ledger.Store
	sync        SyncService
	cfg         ServerConfig
	cache       *ttlcache.Cache[any]
	feed        *Feed
	flight      singleflight.Group
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store ledger.Store, syncService SyncService) *Server {
	return NewServerWithConfig(store, syncService, ServerConfig{})
}

func NewServerWithConfig(store ledger.Store, syncService SyncService, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.DashboardTTL <= 0 {
		cfg.DashboardTTL = 15 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = ttlcache.New[any]()
	}
	if cfg.Feed == nil {
		cfg.Feed = NewFeed(cfg.Logger)
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		sync:        syncService,
		cfg:         cfg,
		cache:       cfg.Cache,
		feed:        cfg.Feed,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		switch r.URL.Path {
		case "/health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		case "/metrics":
			s.cfg.MetricsHandler.ServeHTTP(w, r)
			return
		case "/dashboard":
			s.handleDashboard(w, r)
			return
		}
	}

	route, ok := lookupRoute(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	httpRequests.WithLabelValues(route.name).Inc()

	clientKey := "addr:" + remoteHost(r)
	if s.cfg.JWTSecret != "" {
		who, failure := authorize(r, route, s.cfg.JWTSecret, time.Now().UTC())
		if failure != nil {
			s.logger.Info("api request rejected", "route", route.name, "correlation_id", correlationID, "reason", failure.message)
			writeError(w, failure.status, failure.code, failure.message, correlationID)
			return
		}
		s.logger.Debug("api request", "route", route.name, "subject", who.subject, "correlation_id", correlationID)
		clientKey = who.rateKey()
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route.name {
	case "invoices":
		s.handleInvoices(w, r, correlationID)
	case "risk_anomalies":
		s.handleAnomalies(w, r, correlationID)
	case "risk_vendors":
		s.handleVendors(w, r, correlationID)
	case "risk_recalculate":
		s.handleRecalculate(w, r, correlationID)
	case "dashboard_summary":
		s.handleSummary(w, r, correlationID)
	case "sync_run":
		s.handleSyncRun(w, r)
	case "sync_status":
		s.handleSyncStatus(w, correlationID)
	case "sync_feed":
		s.handleFeed(w, r)
	}
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer between 1 and 500", correlationID)
		return
	}
	includeItems, err := parseOptionalBool(query.Get("include_items"), true)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "include_items must be a boolean", correlationID)
		return
	}
	invoices, err := s.store.ListInvoices(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !includeItems {
		for i := range invoices {
			invoices[i].Items = nil
		}
	}
	writeJSON(w, http.StatusOK, invoices)
}

type anomalyRow struct {
	InvoiceID    string              `json:"invoice_id"`
	Supplier     string              `json:"supplier"`
	GrandTotal   float64             `json:"grand_total"`
	Score        float64             `json:"score"`
	Level        ledger.RiskLevel    `json:"level"`
	Reasons      []ledger.RiskReason `json:"reasons"`
	CalculatedAt time.Time           `json:"calculated_at"`
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	minRate, err := parseOptionalBoundedFloat(query.Get("min_rate"), 0.6, 0, 1)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "min_rate must be a number between 0 and 1", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer between 1 and 500", correlationID)
		return
	}
	invoices, err := s.store.ListAnomalies(r.Context(), minRate, limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	rows := make([]anomalyRow, 0, len(invoices))
	for _, inv := range invoices {
		if inv.Risk == nil {
			continue
		}
		reasons := inv.Risk.Reasons
		if reasons == nil {
			reasons = []ledger.RiskReason{}
		}
		rows = append(rows, anomalyRow{
			InvoiceID:    inv.ExternalID,
			Supplier:     inv.Supplier,
			GrandTotal:   inv.GrandTotal,
			Score:        inv.Risk.Score,
			Level:        inv.Risk.Level,
			Reasons:      reasons,
			CalculatedAt: inv.Risk.CalculatedAt,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

type vendorRow struct {
	Supplier   string  `json:"supplier"`
	Invoices   int     `json:"invoices"`
	AvgTotal   float64 `json:"avg_total"`
	HighOrMore int     `json:"high_or_more"`
	Critical   int     `json:"critical"`
}

type vendorsResponse struct {
	Rows []vendorRow `json:"rows"`
	Meta struct {
		MinRate float64 `json:"min_rate"`
		Limit   int     `json:"limit"`
	} `json:"meta"`
}

func (s *Server) handleVendors(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	minRate, err := parseOptionalBoundedFloat(query.Get("min_rate"), 0, 0, 1)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "min_rate must be a number between 0 and 1", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 500, 1, 2000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer between 1 and 2000", correlationID)
		return
	}
	key := fmt.Sprintf("%smin_rate=%s:limit=%d", vendorsPrefix, strconv.FormatFloat(minRate, 'f', -1, 64), limit)
	data, err := s.cached(r.Context(), "vendors", key, func(ctx context.Context) (any, error) {
		invoices, err := s.store.ListInvoices(ctx, limit)
		if err != nil {
			return nil, err
		}
		resp := vendorsResponse{Rows: aggregateVendors(invoices, minRate)}
		resp.Meta.MinRate = minRate
		resp.Meta.Limit = limit
		return resp, nil
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// aggregateVendors groups invoices by supplier in first-seen order, then
// orders by invoice count descending. Risk counts only include assessments
// scoring at least minRate.
func aggregateVendors(invoices []ledger.Invoice, minRate float64) []vendorRow {
	type bucket struct {
		row   vendorRow
		total decimal.Decimal
	}
	order := []string{}
	buckets := map[string]*bucket{}
	for _, inv := range invoices {
		supplier := strings.TrimSpace(inv.Supplier)
		if supplier == "" {
			supplier = unknownVendor
		}
		b, ok := buckets[supplier]
		if !ok {
			b = &bucket{row: vendorRow{Supplier: supplier}, total: decimal.Zero}
			buckets[supplier] = b
			order = append(order, supplier)
		}
		b.row.Invoices++
		b.total = b.total.Add(decimal.NewFromFloat(inv.GrandTotal))
		if inv.Risk == nil || inv.Risk.Score < minRate {
			continue
		}
		switch inv.Risk.Level {
		case ledger.RiskCritical:
			b.row.Critical++
			b.row.HighOrMore++
		case ledger.RiskHigh:
			b.row.HighOrMore++
		}
	}

	rows := make([]vendorRow, 0, len(order))
	for _, supplier := range order {
		b := buckets[supplier]
		avg := b.total.Div(decimal.NewFromInt(int64(b.row.Invoices))).Round(2)
		b.row.AvgTotal = avg.InexactFloat64()
		rows = append(rows, b.row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Invoices > rows[j].Invoices
	})
	return rows
}

type summaryResponse struct {
	TotalInvoices  int            `json:"total_invoices"`
	TotalSuppliers int            `json:"total_suppliers"`
	RiskCounts     map[string]int `json:"risk_counts"`
	Meta           struct {
		Limit int `json:"limit"`
	} `json:"meta"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 500, 1, 2000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer between 1 and 2000", correlationID)
		return
	}
	key := fmt.Sprintf("%slimit=%d", summaryPrefix, limit)
	data, err := s.cached(r.Context(), "summary", key, func(ctx context.Context) (any, error) {
		invoices, err := s.store.ListInvoices(ctx, limit)
		if err != nil {
			return nil, err
		}
		resp := summarize(invoices)
		resp.Meta.Limit = limit
		return resp, nil
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func summarize(invoices []ledger.Invoice) summaryResponse {
	counts := map[string]int{
		string(ledger.RiskLow):      0,
		string(ledger.RiskMedium):   0,
		string(ledger.RiskHigh):     0,
		string(ledger.RiskCritical): 0,
		"NO_RISK":                   0,
	}
	suppliers := map[string]struct{}{}
	for _, inv := range invoices {
		if supplier := strings.TrimSpace(inv.Supplier); supplier != "" {
			suppliers[supplier] = struct{}{}
		}
		if inv.Risk == nil || inv.Risk.Level == "" {
			counts["NO_RISK"]++
			continue
		}
		counts[string(inv.Risk.Level)]++
	}
	return summaryResponse{
		TotalInvoices:  len(invoices),
		TotalSuppliers: len(suppliers),
		RiskCounts:     counts,
	}
}

// cached serves key from the aggregate cache and collapses concurrent
// misses into one build.
func (s *Server) cached(ctx context.Context, aggregate, key string, build func(ctx context.Context) (any, error)) (any, error) {
	if value, ok := s.cache.Get(key); ok {
		cacheLookups.WithLabelValues(aggregate, "hit").Inc()
		return value, nil
	}
	cacheLookups.WithLabelValues(aggregate, "miss").Inc()
	value, err, _ := s.flight.Do(key, func() (any, error) {
		gen := s.cache.Generation()
		value, err := build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		// A cycle that invalidated while we built makes value stale.
		if !s.cache.SetIfGeneration(key, value, s.cfg.DashboardTTL, gen) {
			cacheLookups.WithLabelValues(aggregate, "discarded").Inc()
		}
		return value, nil
	})
	return value, err
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 500, 1, erpsync.MaxRecalculateLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", fmt.Sprintf("limit must be an integer between 1 and %d", erpsync.MaxRecalculateLimit), correlationID)
		return
	}
	report := s.sync.Recalculate(context.WithoutCancel(r.Context()), limit)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	report := s.sync.RunCycle(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, correlationID string) {
	report, ok := s.sync.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no sync cycle has completed yet", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	s.logger.Error("store read failed", "correlation_id", correlationID, "error", err)
	if errors.Is(err, ledger.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store is closed", correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBoundedFloat(raw string, fallback, min, max float64) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(parsed) || parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
