package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"llmrouter/internal/resilience"
)

const anthropicVersion = "2023-06-01"

// Anthropic drives the Anthropic /v1/messages API.
type Anthropic struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      resilience.RetryConfig
}

// AnthropicOptions configures an Anthropic adapter.
type AnthropicOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewAnthropic builds the adapter.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("upstream %s: api key is required", opts.Name)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com"
	}
	if opts.Name == "" {
		opts.Name = "anthropic"
	}

	retry := resilience.DefaultRetryConfig()
	if opts.MaxRetries > 0 {
		retry.MaxRetries = opts.MaxRetries
	}
	retry.RetryIf = Retriable

	return &Anthropic{
		name:       opts.Name,
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: buildHTTPClient(opts.Timeout),
		retry:      retry,
	}, nil
}

func (c *Anthropic) Name() string { return c.name }

// Generate performs a non-streaming messages call.
func (c *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := resilience.Retry(ctx, c.retry, func() error {
		r, err := c.generateOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Anthropic) generateOnce(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      req.ModelID,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Content},
		},
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := kindFromStatus(resp.StatusCode)
		// Anthropic reports overload as 529.
		if resp.StatusCode == 529 {
			kind = KindUnavailable
		}
		return nil, &Error{
			Kind:     kind,
			Status:   resp.StatusCode,
			Provider: c.name,
			Err:      fmt.Errorf("api error: %s - %s", resp.Status, string(detail)),
		}
	}

	var decoded struct {
		ID      string `json:"id"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}

	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Result{
		Content:      text,
		InputTokens:  decoded.Usage.InputTokens,
		OutputTokens: decoded.Usage.OutputTokens,
		TotalTokens:  decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		Raw:          decoded.ID,
	}, nil
}

// Ping checks reachability. A 401 still proves the endpoint answers.
func (c *Anthropic) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapTransport(c.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return nil
}
