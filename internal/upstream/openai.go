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

// OpenAICompat drives any OpenAI-style /chat/completions endpoint. The
// base URL decides which gateway actually answers, so one adapter type
// serves OpenAI itself as well as Vertex- and OpenRouter-style fronts.
type OpenAICompat struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      resilience.RetryConfig
}

// OpenAIOptions configures an OpenAICompat adapter.
type OpenAIOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewOpenAICompat builds the adapter. An empty base URL targets the
// OpenAI API.
func NewOpenAICompat(opts OpenAIOptions) (*OpenAICompat, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("upstream %s: api key is required", opts.Name)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Name == "" {
		opts.Name = "openai"
	}

	retry := resilience.DefaultRetryConfig()
	if opts.MaxRetries > 0 {
		retry.MaxRetries = opts.MaxRetries
	}
	retry.RetryIf = Retriable

	return &OpenAICompat{
		name:       opts.Name,
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: buildHTTPClient(opts.Timeout),
		retry:      retry,
	}, nil
}

func (c *OpenAICompat) Name() string { return c.name }

// Generate performs a non-streaming chat completion. Transport-level
// failures retry with backoff; the classified error of the final
// attempt surfaces.
func (c *OpenAICompat) Generate(ctx context.Context, req Request) (*Result, error) {
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

func (c *OpenAICompat) generateOnce(ctx context.Context, req Request) (*Result, error) {
	payload := map[string]any{
		"model": req.ModelID,
		"messages": []map[string]string{
			{"role": "user", "content": req.Content},
		},
		"stream": false,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Kind:     kindFromStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Provider: c.name,
			Err:      fmt.Errorf("api error: %s - %s", resp.Status, string(detail)),
		}
	}

	var decoded struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: err}
	}
	if len(decoded.Choices) == 0 {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Err: fmt.Errorf("response carried no choices")}
	}

	total := decoded.Usage.TotalTokens
	if total == 0 {
		total = decoded.Usage.PromptTokens + decoded.Usage.CompletionTokens
	}
	return &Result{
		Content:      decoded.Choices[0].Message.Content,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
		TotalTokens:  total,
		LatencyMs:    time.Since(start).Milliseconds(),
		Raw:          decoded.ID,
	}, nil
}

// Ping checks reachability via the models listing. Any HTTP answer,
// authorized or not, proves the endpoint is up.
func (c *OpenAICompat) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wrapTransport(c.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return nil
}
