// Package classify infers what a request is asking for: its domain,
// task type, complexity, priority, and the capabilities a serving model
// must have. A deterministic rule tier always runs; an optional
// semantic tier refines low-confidence results.
package classify

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

const (
	// domainScoreFloor is the minimum lexicon score a domain needs to
	// beat the general default.
	domainScoreFloor = 1.0

	// taskScoreFloor is the same cut for task types.
	taskScoreFloor = 1.0

	// expertAttachmentBytes forces complexity=expert when the aggregate
	// attachment size crosses it.
	expertAttachmentBytes = 10 * 1024 * 1024
)

// Options configures a Classifier.
type Options struct {
	// Semantic is the optional second tier. Nil disables it.
	Semantic Semantic

	// TriggerBelow consults the semantic tier only when the rule tier's
	// confidence is below this value.
	TriggerBelow float64

	// MinOverride lets a semantic result supersede the rule tier
	// entirely when its confidence is at or above this value.
	MinOverride float64

	Metrics *telemetry.Metrics
}

// Classifier produces Classifications. Safe for concurrent use.
type Classifier struct {
	semantic     Semantic
	triggerBelow float64
	minOverride  float64
	metrics      *telemetry.Metrics
}

// New builds a Classifier. Zero thresholds get workable defaults.
func New(opts Options) *Classifier {
	if opts.TriggerBelow <= 0 {
		opts.TriggerBelow = 0.6
	}
	if opts.MinOverride <= 0 {
		opts.MinOverride = 0.7
	}
	return &Classifier{
		semantic:     opts.Semantic,
		triggerBelow: opts.TriggerBelow,
		minOverride:  opts.MinOverride,
		metrics:      opts.Metrics,
	}
}

// Classify infers a Classification for req. content is the sanitized
// payload (the request's own Content field is left untouched). The
// result always has valid enum values and Confidence in [0,1].
func (c *Classifier) Classify(ctx context.Context, req *domain.Request, content string) domain.Classification {
	tier := "rule"
	cls := c.ruleClassify(req, content)

	if c.semantic != nil && cls.Confidence < c.triggerBelow {
		if sem, err := c.semantic.Classify(ctx, content); err != nil {
			slog.Warn("semantic classifier failed, keeping rule result",
				"classifier", c.semantic.Name(), "error", err)
		} else if sem != nil {
			cls = c.mergeSemantic(cls, *sem)
			tier = "semantic"
		}
	}

	// No tier produced a signal: emit the fixed fallback. Attachments
	// count as signals, so they bypass this path.
	if tier == "rule" && cls.Confidence <= fallbackConfidence && len(req.Attachments) == 0 {
		tier = "fallback"
		cls = domain.Classification{
			Domain:     domain.DomainGeneral,
			TaskType:   domain.TaskGeneral,
			Complexity: domain.ComplexityModerate,
			Priority:   cls.Priority,
			Confidence: fallbackConfidence,
		}
	}

	// Attachment rules run last: they force fields regardless of which
	// tier produced the draft.
	c.applyAttachmentRules(req, &cls)

	cls.EstimatedTokens = EstimateTokens(content, req.Attachments, cls.Complexity)
	cls.Confidence = clamp01(cls.Confidence)

	if c.metrics != nil {
		c.metrics.ClassifierTier.WithLabelValues(tier).Inc()
	}
	return cls
}

// fallbackConfidence is emitted when no signal matched at all.
const fallbackConfidence = 0.3

// ruleClassify is the deterministic first tier.
func (c *Classifier) ruleClassify(req *domain.Request, content string) domain.Classification {
	lower := strings.ToLower(content)
	wordSet, wordCount := tokenize(lower)

	var reasoning []string

	// Domain vote.
	dom := domain.DomainGeneral
	domainScore := 0.0
	for d, sets := range domainLexicon {
		score := scoreLexicon(lower, wordSet, sets)
		if score > domainScore || (score == domainScore && score > 0 && d < dom) {
			domainScore = score
			dom = d
		}
	}
	if domainScore < domainScoreFloor {
		dom = domain.DomainGeneral
		domainScore = 0
	} else {
		reasoning = append(reasoning, "domain keywords matched "+string(dom))
	}

	// Task vote: lexicon plus curated patterns.
	task := domain.TaskGeneral
	taskScore := 0.0
	taskScores := make(map[domain.TaskType]float64, len(taskLexicon))
	for t, sets := range taskLexicon {
		if score := scoreLexicon(lower, wordSet, sets); score > 0 {
			taskScores[t] = score
		}
	}
	for _, p := range taskPatterns {
		if p.Re.MatchString(content) {
			taskScores[p.Task] += p.Weight
		}
	}
	for t, score := range taskScores {
		if score > taskScore || (score == taskScore && t < task) {
			taskScore = score
			task = t
		}
	}
	if taskScore < taskScoreFloor {
		task = domain.TaskGeneral
		taskScore = 0
	} else {
		reasoning = append(reasoning, "task signals matched "+string(task))
	}

	// Explicit use-case hint beats the lexicon vote.
	if req.UseCase != "" {
		if t, ok := domain.ParseTaskType(req.UseCase); ok {
			task = t
			taskScore = math.Max(taskScore, 6.0)
			reasoning = append(reasoning, "use case given by caller")
		}
	}

	cx, explicitLevel := inferComplexity(req, lower, wordSet, wordCount)
	if explicitLevel {
		reasoning = append(reasoning, "complexity stated as "+string(cx))
	}

	cls := domain.Classification{
		Domain:     dom,
		TaskType:   task,
		Complexity: cx,
		Priority:   derivePriority(req, cx, lower),
		Confidence: blendConfidence(domainScore, taskScore, explicitLevel),
		Reasoning:  reasoning,
	}

	cls.RequiresRAG = task == domain.TaskRAGOperations
	cls.RequiresCodeGeneration = task == domain.TaskCodeGeneration
	cls.RequiresMultimodal = task == domain.TaskMultimodal

	return cls
}

// mergeSemantic folds a semantic tier result into the rule draft. High
// confidence supersedes outright; otherwise the semantic tier wins
// domain and task while the rule tier keeps complexity unless the
// semantic confidence clears 0.6.
func (c *Classifier) mergeSemantic(rule, sem domain.Classification) domain.Classification {
	sem.Confidence = clamp01(sem.Confidence)

	if sem.Confidence >= c.minOverride {
		// Fill any enum the semantic tier left empty from the rule draft.
		if sem.Domain == "" {
			sem.Domain = rule.Domain
		}
		if sem.TaskType == "" {
			sem.TaskType = rule.TaskType
		}
		if sem.Complexity == "" {
			sem.Complexity = rule.Complexity
		}
		if sem.Priority == "" {
			sem.Priority = rule.Priority
		}
		sem.Reasoning = append(sem.Reasoning, "semantic tier override")
		return sem
	}

	merged := rule
	if sem.Domain != "" {
		merged.Domain = sem.Domain
	}
	if sem.TaskType != "" {
		merged.TaskType = sem.TaskType
	}
	if sem.Confidence >= 0.6 && sem.Complexity != "" {
		merged.Complexity = sem.Complexity
	}
	merged.RequiresMultimodal = merged.RequiresMultimodal || sem.RequiresMultimodal
	merged.RequiresRAG = merged.RequiresRAG || sem.RequiresRAG
	merged.RequiresCodeGeneration = merged.RequiresCodeGeneration || sem.RequiresCodeGeneration
	merged.Confidence = math.Max(rule.Confidence, sem.Confidence)
	merged.Reasoning = append(merged.Reasoning, "semantic tier merged")
	return merged
}

// applyAttachmentRules applies the forced attachment signals: code
// extensions force a technical domain, images require multimodal
// serving, and a large aggregate size forces expert complexity.
func (c *Classifier) applyAttachmentRules(req *domain.Request, cls *domain.Classification) {
	if len(req.Attachments) == 0 {
		return
	}

	for _, a := range req.Attachments {
		switch a.Kind() {
		case domain.AttachmentCode:
			cls.Domain = domain.DomainTechnical
			cls.RequiresCodeGeneration = true
			cls.Confidence = math.Max(cls.Confidence, 0.85)
			cls.Reasoning = append(cls.Reasoning, "code attachment "+a.Filename)
		case domain.AttachmentImage:
			cls.RequiresMultimodal = true
			cls.Reasoning = append(cls.Reasoning, "image attachment "+a.Filename)
		case domain.AttachmentDocument:
			if cls.TaskType == domain.TaskGeneral {
				cls.TaskType = domain.TaskDocumentProcessing
			}
		}
	}

	if req.AttachmentBytes() > expertAttachmentBytes {
		cls.Complexity = domain.ComplexityExpert
		cls.Reasoning = append(cls.Reasoning, "aggregate attachment size over 10MB")
	}
}

// inferComplexity resolves the complexity level. An explicit request
// hint wins, then explicit level keywords in the content, then word
// count bands. The returned bool reports whether the level was explicit
// rather than inferred.
func inferComplexity(req *domain.Request, lower string, wordSet map[string]bool, wordCount int) (domain.Complexity, bool) {
	if req.Complexity != "" {
		if cx, ok := domain.ParseComplexity(string(req.Complexity)); ok {
			return cx, true
		}
	}

	best := domain.Complexity("")
	for level, words := range levelKeywords {
		for _, w := range words {
			if matchKeyword(lower, wordSet, w) {
				if best == "" || level.Rank() > best.Rank() {
					best = level
				}
			}
		}
	}
	if best != "" {
		return best, true
	}

	switch {
	case wordCount <= 30:
		return domain.ComplexitySimple, false
	case wordCount <= 150:
		return domain.ComplexityModerate, false
	case wordCount <= 500:
		return domain.ComplexityComplex, false
	default:
		return domain.ComplexityExpert, false
	}
}

// derivePriority resolves the request priority. The explicit integer
// hint (1..4) wins; otherwise it derives from complexity and urgency
// wording.
func derivePriority(req *domain.Request, cx domain.Complexity, lower string) domain.Priority {
	if p, ok := domain.PriorityFromInt(req.Priority); ok {
		return p
	}

	urgent := false
	for _, w := range urgentKeywords {
		if strings.Contains(lower, w) {
			urgent = true
			break
		}
	}

	switch {
	case urgent && cx.Rank() >= domain.ComplexityComplex.Rank():
		return domain.PriorityCritical
	case urgent || cx == domain.ComplexityExpert:
		return domain.PriorityHigh
	case cx == domain.ComplexityComplex:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

// EstimateTokens estimates total token consumption for a request. The
// text base is 0.75 tokens per character scaled by complexity, and each
// attachment adds a per-kind estimate proportional to its size.
func EstimateTokens(content string, attachments []domain.Attachment, cx domain.Complexity) int {
	mult, ok := complexityTokenMultiplier[cx]
	if !ok {
		mult = 1.5
	}
	total := float64(len(content)) * 0.75 * mult

	for _, a := range attachments {
		perMB := tokensPerMB[a.Kind()]
		total += float64(a.SizeBytes) / (1024 * 1024) * perMB
	}
	return int(total)
}

// blendConfidence mixes the per-field scores into one confidence value.
// The floor matches the fallback confidence so a no-signal result is
// indistinguishable from the explicit fallback.
func blendConfidence(domainScore, taskScore float64, explicitLevel bool) float64 {
	conf := fallbackConfidence
	conf += 0.25 * math.Min(domainScore/6.0, 1.0)
	conf += 0.30 * math.Min(taskScore/6.0, 1.0)
	if explicitLevel {
		conf += 0.10
	}
	return math.Min(conf, 0.95)
}

// scoreLexicon sums the weights of all matching keywords in sets.
func scoreLexicon(lower string, wordSet map[string]bool, sets []keywordSet) float64 {
	score := 0.0
	for _, set := range sets {
		for _, w := range set.Words {
			if matchKeyword(lower, wordSet, w) {
				score += set.Weight
			}
		}
	}
	return score
}

// matchKeyword checks single words against the token set and phrases
// against the raw lowered content.
func matchKeyword(lower string, wordSet map[string]bool, keyword string) bool {
	if strings.ContainsAny(keyword, " -") {
		return strings.Contains(lower, keyword)
	}
	return wordSet[keyword]
}

// tokenize splits lowered content into a word set, treating any
// non-alphanumeric rune as a separator.
func tokenize(lower string) (map[string]bool, int) {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set, len(words)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
