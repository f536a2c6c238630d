package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

const enrichmentSystemPrompt = "You are a procurement risk analyst. You review purchase invoices that a rule engine " +
	"has already scored. Answer with a single JSON object and nothing else, shaped as " +
	`{"risk_adjustment": number between -0.2 and 0.2, "extra_reasons": [up to 5 short strings], ` +
	`"supplier_signal": "LOW" | "MEDIUM" | "HIGH" | "UNKNOWN"}.`

const enrichmentSchemaJSON = `{
	"type": "object",
	"properties": {
		"risk_adjustment": {"type": "number"},
		"extra_reasons": {"type": "array", "items": {"type": "string"}},
		"supplier_signal": {"type": "string"}
	}
}`

var enrichmentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(enrichmentSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("enrichment.schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("enrichment.schema.json")
})

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAIEnricher asks a chat completion model for a bounded score adjustment.
type OpenAIEnricher struct {
	client *openai.Client
	model  string
}

func NewOpenAIEnricher(opts OpenAIOptions) (*OpenAIEnricher, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai enricher requires an api key")
	}
	cfg := openai.DefaultConfig(strings.TrimSpace(opts.APIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIEnricher{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (e *OpenAIEnricher) Enrich(ctx context.Context, req EnrichmentRequest) (Enrichment, error) {
	prompt, err := buildEnrichmentPrompt(req)
	if err != nil {
		return Enrichment{}, err
	}
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enrichmentSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Enrichment{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Enrichment{}, errors.New("openai returned no choices")
	}
	return parseEnrichmentResponse(resp.Choices[0].Message.Content)
}

type promptItem struct {
	Idx      int     `json:"idx"`
	ItemCode string  `json:"item_code"`
	ItemName string  `json:"item_name"`
	Qty      float64 `json:"qty"`
	Rate     float64 `json:"rate"`
	Amount   float64 `json:"amount"`
}

func buildEnrichmentPrompt(req EnrichmentRequest) (string, error) {
	items := make([]promptItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, promptItem(item))
	}
	payload := map[string]any{
		"invoice": map[string]any{
			"invoice_id":   req.Invoice.ExternalID,
			"supplier":     req.Invoice.Supplier,
			"posting_date": req.Invoice.PostingDate,
			"grand_total":  req.Invoice.GrandTotal,
		},
		"items": items,
		"rule_engine": map[string]any{
			"score": req.BaseScore,
			"level": string(req.BaseLevel),
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return "Review this purchase invoice. The rule engine result is final; only suggest a small adjustment.\n" + string(data), nil
}

type enrichmentPayload struct {
	RiskAdjustment float64  `json:"risk_adjustment"`
	ExtraReasons   []string `json:"extra_reasons"`
	SupplierSignal string   `json:"supplier_signal"`
}

// parseEnrichmentResponse validates a model answer. Markdown code fences
// around the JSON are tolerated.
func parseEnrichmentResponse(content string) (Enrichment, error) {
	content = stripCodeFence(content)
	if content == "" {
		return Enrichment{}, errors.New("empty enrichment response")
	}
	schema, err := enrichmentSchema()
	if err != nil {
		return Enrichment{}, fmt.Errorf("compile enrichment schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return Enrichment{}, fmt.Errorf("decode enrichment response: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Enrichment{}, fmt.Errorf("invalid enrichment response: %w", err)
	}
	var payload enrichmentPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return Enrichment{}, fmt.Errorf("decode enrichment response: %w", err)
	}
	return Enrichment{
		Adjustment:     payload.RiskAdjustment,
		Reasons:        payload.ExtraReasons,
		SupplierSignal: SupplierSignal(payload.SupplierSignal),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
