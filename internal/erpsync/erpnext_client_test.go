package erpsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ERPNextOptions) *ERPNextClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts.BaseURL = server.URL + "/"
	client := NewERPNextClient(opts)
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestERPNextListChangedQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/resource/Purchase Invoice", r.URL.Path)
		assert.Equal(t, "token key:secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		q := r.URL.Query()
		assert.Equal(t, `["name","supplier","posting_date","grand_total","modified"]`, q.Get("fields"))
		assert.Equal(t, "2", q.Get("limit_page_length"))
		assert.Equal(t, "modified desc", q.Get("order_by"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"name":"PINV-2","supplier":"Acme","posting_date":"2024-03-02","grand_total":120.5,"modified":"2024-03-02 10:00:00.000001"},
			{"name":"PINV-1","supplier":"Acme","posting_date":"2024-03-01","grand_total":99,"modified":"2024-03-01 10:00:00"}
		]}`))
	}, ERPNextOptions{APIKey: "key", APISecret: "secret"})

	rows, err := client.ListChanged(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Candidate{ExternalID: "PINV-2", Supplier: "Acme", PostingDate: "2024-03-02", GrandTotal: 120.5, Modified: "2024-03-02 10:00:00.000001"}, rows[0])
}

func TestERPNextOmitsAuthWithoutCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}, ERPNextOptions{})

	rows, err := client.ListChanged(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestERPNextFetchFull(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/resource/Purchase Invoice/PINV 7/A", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"name":"PINV 7/A","items":[
			{"idx":1,"item_code":"A-100","item_name":"Anchor","qty":10,"rate":3000,"amount":30000},
			{"idx":null,"item_code":null,"qty":2}
		]}}`))
	}, ERPNextOptions{})

	record, err := client.FetchFull(context.Background(), "PINV 7/A")
	require.NoError(t, err)
	assert.Equal(t, "PINV 7/A", record.ExternalID)
	require.Len(t, record.Items, 2)
	assert.Equal(t, "A-100", *record.Items[0].ItemCode)
	assert.Nil(t, record.Items[1].Idx)
	assert.Equal(t, 2.0, *record.Items[1].Qty)
}

func TestERPNextRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}, ERPNextOptions{MaxRetries: 3})

	_, err := client.ListChanged(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestERPNextReturnsHTTPError(t *testing.T) {
	var attempts atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"exc_type":"PermissionError","exception":"frappe.exceptions.PermissionError: not allowed"}`))
	}, ERPNextOptions{MaxRetries: 3})

	_, err := client.FetchFull(context.Background(), "PINV-1")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "PermissionError", httpErr.Code)
	assert.Contains(t, httpErr.Message, "not allowed")
	assert.Equal(t, int32(1), attempts.Load(), "client errors are not retried")
}

func TestERPNextRejectsMalformedRecord(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"name":"PINV-1","items":[{"idx":"first","qty":"lots"}]}}`))
	}, ERPNextOptions{})

	_, err := client.FetchFull(context.Background(), "PINV-1")
	var malformed *MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "PINV-1", malformed.ExternalID)
}

func TestERPNextRejectsMissingDocument(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, ERPNextOptions{})

	_, err := client.FetchFull(context.Background(), "PINV-1")
	var malformed *MalformedRecordError
	assert.True(t, errors.As(err, &malformed))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
