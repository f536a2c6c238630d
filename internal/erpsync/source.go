// Package erpsync mirrors purchase invoices from an ERP into the ledger
// store and keeps their risk assessments current.
package erpsync

import (
	"context"
	"fmt"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

// Candidate is one row of the change listing. Modified is the upstream
// watermark and compares lexically.
type Candidate struct {
	ExternalID  string  `json:"name"`
	Supplier    string  `json:"supplier"`
	PostingDate string  `json:"posting_date"`
	GrandTotal  float64 `json:"grand_total"`
	Modified    string  `json:"modified"`
}

// Record is the full upstream document for one candidate.
type Record struct {
	ExternalID string           `json:"name"`
	Items      []ledger.RawItem `json:"items"`
}

// Source is the ERP capability the engine reconciles against.
type Source interface {
	// ListChanged returns up to limit records, most recently modified first.
	ListChanged(ctx context.Context, limit int) ([]Candidate, error)
	FetchFull(ctx context.Context, externalID string) (Record, error)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// MalformedRecordError reports an upstream payload that failed validation.
type MalformedRecordError struct {
	ExternalID string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %v", e.ExternalID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}
