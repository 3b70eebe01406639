// Package domain holds the types shared across the router: requests,
// classifications, routing results, request metrics, and the error
// taxonomy every failure maps onto.
package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Classification enums
// =============================================================================

// Domain is the subject area a request belongs to.
type Domain string

const (
	DomainTechnical  Domain = "technical"
	DomainFinancial  Domain = "financial"
	DomainLegal      Domain = "legal"
	DomainHealthcare Domain = "healthcare"
	DomainCreative   Domain = "creative"
	DomainResearch   Domain = "research"
	DomainEducation  Domain = "education"
	DomainGeneral    Domain = "general"
)

// TaskType is the kind of work a request asks for. It drives the
// routing table lookup.
type TaskType string

const (
	TaskComplexReasoning     TaskType = "complex-reasoning"
	TaskStrategicPlanning    TaskType = "strategic-planning"
	TaskResearchAnalysis     TaskType = "research-analysis"
	TaskRAGOperations        TaskType = "rag-operations"
	TaskCodeGeneration       TaskType = "code-generation"
	TaskCreativeGeneration   TaskType = "creative-generation"
	TaskFastResponse         TaskType = "fast-response"
	TaskCostSensitive        TaskType = "cost-sensitive"
	TaskMultimodal           TaskType = "multimodal"
	TaskBusinessIntelligence TaskType = "business-intelligence"
	TaskDocumentProcessing   TaskType = "document-processing"
	TaskTechnicalDocs        TaskType = "technical-docs"
	TaskGeneral              TaskType = "general"
)

// ParseTaskType maps a free-form use-case string to a TaskType.
// Unknown values return TaskGeneral and false.
func ParseTaskType(s string) (TaskType, bool) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TaskComplexReasoning, TaskStrategicPlanning, TaskResearchAnalysis,
		TaskRAGOperations, TaskCodeGeneration, TaskCreativeGeneration,
		TaskFastResponse, TaskCostSensitive, TaskMultimodal,
		TaskBusinessIntelligence, TaskDocumentProcessing, TaskTechnicalDocs,
		TaskGeneral:
		return t, true
	}
	return TaskGeneral, false
}

// Complexity is the estimated difficulty of a request.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// ParseComplexity maps a string to a Complexity. Unknown values return
// ComplexityModerate and false.
func ParseComplexity(s string) (Complexity, bool) {
	c := Complexity(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityExpert:
		return c, true
	}
	return ComplexityModerate, false
}

// Rank orders complexities from simple (0) to expert (3).
func (c Complexity) Rank() int {
	switch c {
	case ComplexitySimple:
		return 0
	case ComplexityModerate:
		return 1
	case ComplexityComplex:
		return 2
	case ComplexityExpert:
		return 3
	}
	return 1
}

// Priority is the urgency class of a request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityFromInt maps the ingress integer hint (1..4) to a Priority.
// Zero or out-of-range values return PriorityMedium and false.
func PriorityFromInt(n int) (Priority, bool) {
	switch n {
	case 1:
		return PriorityLow, true
	case 2:
		return PriorityMedium, true
	case 3:
		return PriorityHigh, true
	case 4:
		return PriorityCritical, true
	}
	return PriorityMedium, false
}

// Rank orders priorities from low (1) to critical (4).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 2
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability identifies a provider-agnostic model ability.
type Capability string

const (
	CapTextGeneration   Capability = "text-generation"
	CapCodeGeneration   Capability = "code-generation"
	CapRAG              Capability = "rag"
	CapAdvancedRAG      Capability = "advanced-rag"
	CapMultimodal       Capability = "multimodal"
	CapComplexReasoning Capability = "complex-reasoning"
	CapStructuredOutput Capability = "structured-output"
	CapLongContext      Capability = "long-context"
	CapFastInference    Capability = "fast-inference"
)

// CapabilitySet is a set of capability tags. Policy's capability filter
// is set containment, not substring matching.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list of tags.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// ContainsAll reports whether every capability in required is present.
func (s CapabilitySet) ContainsAll(required []Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// List returns the tags in unspecified order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// Request
// =============================================================================

// AttachmentKind classifies an attachment for token estimation and
// capability requirements.
type AttachmentKind string

const (
	AttachmentText     AttachmentKind = "text"
	AttachmentCode     AttachmentKind = "code"
	AttachmentDocument AttachmentKind = "document"
	AttachmentData     AttachmentKind = "data"
	AttachmentImage    AttachmentKind = "image"
)

// codeExtensions are file extensions that force domain=technical.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".rs": true,
	".rb": true, ".php": true, ".cs": true, ".kt": true, ".swift": true,
	".sh": true, ".sql": true, ".scala": true, ".ex": true, ".erl": true,
}

// Attachment is a file submitted alongside request content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Data        []byte `json:"bytes,omitempty"`
}

// Kind derives the attachment kind from content type and extension.
func (a Attachment) Kind() AttachmentKind {
	ct := strings.ToLower(a.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return AttachmentImage
	case strings.Contains(ct, "json") || strings.Contains(ct, "csv") ||
		strings.Contains(ct, "xml") || strings.Contains(ct, "parquet"):
		return AttachmentData
	case strings.Contains(ct, "pdf") || strings.Contains(ct, "msword") ||
		strings.Contains(ct, "officedocument"):
		return AttachmentDocument
	}
	ext := strings.ToLower(filepath.Ext(a.Filename))
	if codeExtensions[ext] {
		return AttachmentCode
	}
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff":
		return AttachmentImage
	case ".csv", ".json", ".xml", ".xlsx", ".parquet":
		return AttachmentData
	case ".pdf", ".doc", ".docx", ".odt":
		return AttachmentDocument
	}
	return AttachmentText
}

// IsCode reports whether the attachment looks like source code.
func (a Attachment) IsCode() bool {
	return a.Kind() == AttachmentCode
}

// Request is one routing request. Immutable after creation; the
// pipeline passes sanitized content separately rather than mutating it.
type Request struct {
	ID            string         `json:"id"`
	CallerID      string         `json:"callerId,omitempty"`
	Content       string         `json:"content"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	UseCase       string         `json:"useCase,omitempty"`
	Complexity    Complexity     `json:"complexity,omitempty"` // explicit hint, may be empty
	Priority      int            `json:"priority,omitempty"`   // 1..4, 0 = unset
	BudgetUSD     float64        `json:"budget,omitempty"`
	MaxTokens     int            `json:"maxTokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	OutputSchema  map[string]any `json:"outputSchema,omitempty"`
	CorrelationID string         `json:"-"`
	ReceivedAt    time.Time      `json:"-"`
}

// AttachmentBytes returns the aggregate declared size of all attachments.
func (r *Request) AttachmentBytes() int64 {
	var total int64
	for _, a := range r.Attachments {
		total += a.SizeBytes
	}
	return total
}

// =============================================================================
// Classification
// =============================================================================

// Classification is the structured inference about a request that
// drives routing. Every field is one of the allowed enum values and
// Confidence is in [0,1].
type Classification struct {
	Domain                 Domain     `json:"domain"`
	TaskType               TaskType   `json:"taskType"`
	Complexity             Complexity `json:"complexity"`
	Priority               Priority   `json:"priority"`
	RequiresMultimodal     bool       `json:"requiresMultimodal"`
	RequiresRAG            bool       `json:"requiresRAG"`
	RequiresCodeGeneration bool       `json:"requiresCodeGeneration"`
	EstimatedTokens        int        `json:"estimatedTokens"`
	Confidence             float64    `json:"confidence"`
	Reasoning              []string   `json:"reasoning,omitempty"`
}

// RequiredCapabilities maps the capability flags to catalog tags.
func (c *Classification) RequiredCapabilities() []Capability {
	var caps []Capability
	if c.RequiresMultimodal {
		caps = append(caps, CapMultimodal)
	}
	if c.RequiresRAG {
		caps = append(caps, CapRAG)
	}
	if c.RequiresCodeGeneration {
		caps = append(caps, CapCodeGeneration)
	}
	return caps
}

// =============================================================================
// Results and metrics
// =============================================================================

// TokenUsage counts tokens for one upstream exchange.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Outcome is the single terminal outcome of a request.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeSafetyBlock   Outcome = "safety-block"
	OutcomeCircuitOpen   Outcome = "circuit-open"
	OutcomeUpstreamError Outcome = "upstream-error"
	OutcomeTimeout       Outcome = "timeout"
)

// RouteResult is the pipeline's answer for one request.
type RouteResult struct {
	RequestID         string     `json:"requestId"`
	Content           string     `json:"content"`
	ModelID           string     `json:"model"`
	Provider          string     `json:"provider,omitempty"`
	TaskType          TaskType   `json:"taskType"`
	Complexity        Complexity `json:"complexity"`
	Tokens            TokenUsage `json:"tokens"`
	CostUSD           float64    `json:"cost"`
	LatencyMs         int64      `json:"latencyMs"`
	Quality           float64    `json:"quality"`
	CacheHit          bool       `json:"cacheHit,omitempty"`
	SemanticHit       bool       `json:"semanticHit,omitempty"`
	Fallback          bool       `json:"fallback,omitempty"`
	FallbackExhausted bool       `json:"fallbackExhausted,omitempty"`
	Attempts          int        `json:"attempts"`
	Outcome           Outcome    `json:"outcome"`
	Timestamp         time.Time  `json:"timestamp"`
}

// RequestMetric is the per-request record fed to the predictor and the
// stats surface. Exactly one terminal metric is recorded per request.
type RequestMetric struct {
	RequestID     string     `json:"requestId"`
	ModelID       string     `json:"modelId"`
	TaskType      TaskType   `json:"taskType"`
	Complexity    Complexity `json:"complexity"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       time.Time  `json:"endedAt"`
	LatencyMs     int64      `json:"latencyMs"`
	InputTokens   int        `json:"inputTokens"`
	OutputTokens  int        `json:"outputTokens"`
	CostUSD       float64    `json:"cost"`
	QualitySignal float64    `json:"qualitySignal"`
	Outcome       Outcome    `json:"outcome"`
	CacheHit      bool       `json:"cacheHit,omitempty"`
	SemanticHit   bool       `json:"semanticHit,omitempty"`
}

// =============================================================================
// Health and predictions
// =============================================================================

// Trend is the direction a model's performance is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// HealthScore is the per-model composite health.
// Overall = 0.25*Latency + 0.35*Quality + 0.25*Availability + 0.15*Cost.
type HealthScore struct {
	ModelID      string    `json:"modelId"`
	Latency      float64   `json:"latency"`
	Quality      float64   `json:"quality"`
	Availability float64   `json:"availability"`
	Cost         float64   `json:"cost"`
	Overall      float64   `json:"overall"`
	Trend        Trend     `json:"trend"`
	SampleCount  int       `json:"sampleCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Prediction is the statistical estimate for a (model, task, complexity)
// triple.
type Prediction struct {
	ModelID      string  `json:"modelId"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	SuccessRate  float64 `json:"successRate"`
	Quality      float64 `json:"quality"`
	Confidence   float64 `json:"confidence"`
	SampleCount  int     `json:"sampleCount"`
}

// Recommendation groups models by suitability for a task.
type Recommendation struct {
	Primary   []string `json:"primary"`
	Fallback  []string `json:"fallback"`
	Avoid     []string `json:"avoid"`
	Reasoning []string `json:"reasoning,omitempty"`
}
