package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"llmrouter/internal/domain"
)

// Semantic is the optional second classification tier. Implementations
// may call out over the network; the classifier bounds them with the
// request context.
type Semantic interface {
	Name() string
	Classify(ctx context.Context, content string) (*domain.Classification, error)
}

// HTTPSemantic calls an external classification endpoint. The endpoint
// receives `{"content": ...}` and answers with a Classification-shaped
// JSON object.
type HTTPSemantic struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSemantic builds a client for the given endpoint.
func NewHTTPSemantic(endpoint string, timeout time.Duration) *HTTPSemantic {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSemantic{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPSemantic) Name() string { return "http-semantic" }

// Classify posts the content and normalizes the answer. Out-of-enum
// values in the response degrade to their defaults rather than failing
// the call.
func (s *HTTPSemantic) Classify(ctx context.Context, content string) (*domain.Classification, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("semantic classifier: %s - %s", resp.Status, string(bodyBytes))
	}

	var result struct {
		Domain                 string  `json:"domain"`
		TaskType               string  `json:"taskType"`
		Complexity             string  `json:"complexity"`
		Priority               string  `json:"priority"`
		Confidence             float64 `json:"confidence"`
		RequiresMultimodal     bool    `json:"requiresMultimodal"`
		RequiresRAG            bool    `json:"requiresRAG"`
		RequiresCodeGeneration bool    `json:"requiresCodeGeneration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	cls := &domain.Classification{
		Confidence:             clamp01(result.Confidence),
		RequiresMultimodal:     result.RequiresMultimodal,
		RequiresRAG:            result.RequiresRAG,
		RequiresCodeGeneration: result.RequiresCodeGeneration,
	}
	cls.Domain = normalizeDomain(result.Domain)
	if t, ok := domain.ParseTaskType(result.TaskType); ok {
		cls.TaskType = t
	} else {
		cls.TaskType = domain.TaskGeneral
	}
	if cx, ok := domain.ParseComplexity(result.Complexity); ok {
		cls.Complexity = cx
	}
	switch domain.Priority(result.Priority) {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		cls.Priority = domain.Priority(result.Priority)
	}
	return cls, nil
}

func normalizeDomain(s string) domain.Domain {
	switch d := domain.Domain(s); d {
	case domain.DomainTechnical, domain.DomainFinancial, domain.DomainLegal,
		domain.DomainHealthcare, domain.DomainCreative, domain.DomainResearch,
		domain.DomainEducation, domain.DomainGeneral:
		return d
	}
	return domain.DomainGeneral
}
