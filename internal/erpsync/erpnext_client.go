package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"
)

const purchaseInvoiceResource = "/api/resource/Purchase%20Invoice"

var candidateFields = []string{"name", "supplier", "posting_date", "grand_total", "modified"}

const recordSchemaJSON = `{
	"type": "object",
	"properties": {
		"name": {"type": ["string", "null"]},
		"items": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"idx": {"type": ["integer", "null"]},
					"item_code": {"type": ["string", "null"]},
					"item_name": {"type": ["string", "null"]},
					"qty": {"type": ["number", "null"]},
					"rate": {"type": ["number", "null"]},
					"amount": {"type": ["number", "null"]}
				}
			}
		}
	}
}`

var recordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("purchase_invoice.schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("purchase_invoice.schema.json")
})

type ERPNextOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
}

// ERPNextClient reads purchase invoices from the ERPNext REST API.
type ERPNextClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
}

func NewERPNextClient(opts ERPNextOptions) *ERPNextClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond)))
	}
	var authToken string
	if key, secret := strings.TrimSpace(opts.APIKey), strings.TrimSpace(opts.APISecret); key != "" || secret != "" {
		authToken = "token " + key + ":" + secret
	}
	return &ERPNextClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		limiter:    limiter,
	}
}

func (c *ERPNextClient) ListChanged(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return []Candidate{}, nil
	}
	fields, err := json.Marshal(candidateFields)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("fields", string(fields))
	q.Set("limit_page_length", strconv.Itoa(limit))
	q.Set("order_by", "modified desc")

	var out struct {
		Data []Candidate `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, purchaseInvoiceResource+"?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("list purchase invoices: %w", err)
	}
	if out.Data == nil {
		out.Data = []Candidate{}
	}
	return out.Data, nil
}

func (c *ERPNextClient) FetchFull(ctx context.Context, externalID string) (Record, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Record{}, errors.New("external id is required")
	}
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, purchaseInvoiceResource+"/"+url.PathEscape(externalID), &out); err != nil {
		return Record{}, fmt.Errorf("fetch purchase invoice %s: %w", externalID, err)
	}
	return decodeRecord(externalID, out.Data)
}

// decodeRecord validates a purchase invoice document before decoding it.
func decodeRecord(externalID string, data []byte) (Record, error) {
	if len(data) == 0 || string(data) == "null" {
		return Record{}, &MalformedRecordError{ExternalID: externalID, Err: errors.New("empty document")}
	}
	schema, err := recordSchema()
	if err != nil {
		return Record{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return Record{}, &MalformedRecordError{ExternalID: externalID, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return Record{}, &MalformedRecordError{ExternalID: externalID, Err: err}
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, &MalformedRecordError{ExternalID: externalID, Err: err}
	}
	if strings.TrimSpace(record.ExternalID) == "" {
		record.ExternalID = externalID
	}
	return record, nil
}

func (c *ERPNextClient) doJSON(ctx context.Context, method, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if c.authToken != "" {
			req.Header.Set("Authorization", c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			ExcType   string `json:"exc_type"`
			Exception string `json:"exception"`
			Message   string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Exception
		if message == "" {
			message = errPayload.Message
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.ExcType,
			Message:    message,
		}
	}
}

func (c *ERPNextClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
