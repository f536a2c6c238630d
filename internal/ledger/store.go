package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the reconciliation store. All writes for one invoice go through
// Update so that the invoice row, its items and its risk row commit or roll
// back together.
type Store interface {
	GetInvoice(ctx context.Context, externalID string) (Invoice, error)
	ListInvoices(ctx context.Context, limit int) ([]Invoice, error)
	ListAnomalies(ctx context.Context, minScore float64, limit int) ([]Invoice, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
	GetCursor(ctx context.Context, key string) (string, bool, error)
	SetCursor(ctx context.Context, key, value string) error
	Close() error
}

// Tx is the write scope handed to Store.Update.
type Tx interface {
	// UpsertInvoice inserts or updates the invoice header and replaces its
	// items wholesale.
	UpsertInvoice(ctx context.Context, inv Invoice, items []LineItem) error
	// PutRisk replaces the risk assessment of an existing invoice.
	PutRisk(ctx context.Context, externalID string, assessment RiskAssessment) error
}

type storedInvoice struct {
	Seq     int64           `json:"seq"`
	Invoice Invoice         `json:"invoice"`
	Items   []LineItem      `json:"items"`
	Risk    *RiskAssessment `json:"risk,omitempty"`
}

type storeState struct {
	NextSeq  int64                    `json:"next_seq"`
	Invoices map[string]storedInvoice `json:"invoices"`
	Cursors  map[string]string        `json:"cursors"`
}

func newStoreState() *storeState {
	return &storeState{
		NextSeq:  1,
		Invoices: map[string]storedInvoice{},
		Cursors:  map[string]string{},
	}
}

func (s *storeState) clone() *storeState {
	out := &storeState{
		NextSeq:  s.NextSeq,
		Invoices: make(map[string]storedInvoice, len(s.Invoices)),
		Cursors:  make(map[string]string, len(s.Cursors)),
	}
	for id, record := range s.Invoices {
		out.Invoices[id] = record
	}
	for key, value := range s.Cursors {
		out.Cursors[key] = value
	}
	return out
}

// snapshotSaver persists a committed state. The memory store has none.
type snapshotSaver interface {
	save(state *storeState) error
}

// MemoryStore keeps everything in process. Update stages writes against a
// copy of the state and swaps it in only when fn returns nil.
type MemoryStore struct {
	mu     sync.Mutex
	state  *storeState
	saver  snapshotSaver
	now    func() time.Time
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newStoreState(),
		now:   time.Now,
	}
}

func (m *MemoryStore) GetInvoice(_ context.Context, externalID string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Invoice{}, ErrClosed
	}
	record, ok := m.state.Invoices[strings.TrimSpace(externalID)]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return record.materialize(), nil
}

func (m *MemoryStore) ListInvoices(_ context.Context, limit int) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	records := m.sortedRecords(func(a, b storedInvoice) bool { return a.Seq > b.Seq }, nil)
	return materializeAll(records, limit), nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, minScore float64, limit int) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	records := m.sortedRecords(
		func(a, b storedInvoice) bool {
			if a.Risk.Score != b.Risk.Score {
				return a.Risk.Score > b.Risk.Score
			}
			return a.Seq > b.Seq
		},
		func(r storedInvoice) bool { return r.Risk != nil && r.Risk.Score >= minScore },
	)
	return materializeAll(records, limit), nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memoryTx{state: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.saver != nil {
		if err := m.saver.save(tx.state); err != nil {
			return err
		}
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) GetCursor(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	value, ok := m.state.Cursors[key]
	return value, ok, nil
}

func (m *MemoryStore) SetCursor(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	next := m.state.clone()
	next.Cursors[key] = value
	if m.saver != nil {
		if err := m.saver.save(next); err != nil {
			return err
		}
	}
	m.state = next
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) sortedRecords(less func(a, b storedInvoice) bool, keep func(storedInvoice) bool) []storedInvoice {
	records := make([]storedInvoice, 0, len(m.state.Invoices))
	for _, record := range m.state.Invoices {
		if keep != nil && !keep(record) {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return less(records[i], records[j]) })
	return records
}

func materializeAll(records []storedInvoice, limit int) []Invoice {
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]Invoice, 0, len(records))
	for _, record := range records {
		out = append(out, record.materialize())
	}
	return out
}

func (r storedInvoice) materialize() Invoice {
	inv := cloneInvoice(r.Invoice)
	inv.Items = append([]LineItem{}, r.Items...)
	if r.Risk != nil {
		risk := cloneRisk(*r.Risk)
		inv.Risk = &risk
	}
	return inv
}

type memoryTx struct {
	state *storeState
	now   func() time.Time
}

func (t *memoryTx) UpsertInvoice(_ context.Context, inv Invoice, items []LineItem) error {
	id := strings.TrimSpace(inv.ExternalID)
	if id == "" {
		return ErrInvalidInput
	}
	header := inv
	header.ExternalID = id
	header.Items = nil
	header.Risk = nil
	header.UpdatedAt = t.now().UTC()

	record, exists := t.state.Invoices[id]
	if !exists {
		record = storedInvoice{Seq: t.state.NextSeq}
		t.state.NextSeq++
	}
	record.Invoice = header
	record.Items = append([]LineItem{}, items...)
	t.state.Invoices[id] = record
	return nil
}

func (t *memoryTx) PutRisk(_ context.Context, externalID string, assessment RiskAssessment) error {
	id := strings.TrimSpace(externalID)
	record, ok := t.state.Invoices[id]
	if !ok {
		return ErrNotFound
	}
	risk := cloneRisk(assessment)
	if risk.CalculatedAt.IsZero() {
		risk.CalculatedAt = t.now().UTC()
	}
	record.Risk = &risk
	t.state.Invoices[id] = record
	return nil
}
