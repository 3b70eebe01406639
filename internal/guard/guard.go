// Package guard blocks adversarial input before it reaches an upstream
// model and screens responses for leaked instructions or injected
// roles. Detection is layered: categorized pattern families with fuzzy
// matching, character-level analysis, and semantic contradiction
// checks. The guard fails closed: an internal failure blocks the
// request.
package guard

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

// RiskLevel grades how dangerous a request looks.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from low (1) to critical (4).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 1
}

func riskFromRank(rank int) RiskLevel {
	switch {
	case rank >= 4:
		return RiskCritical
	case rank == 3:
		return RiskHigh
	case rank == 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Anomaly is one detection hit.
type Anomaly struct {
	Family   string    `json:"family"`
	Severity RiskLevel `json:"severity"`
	Detail   string    `json:"detail,omitempty"`
	Method   string    `json:"method,omitempty"`
}

// Verdict is the guard's answer for one inspection.
type Verdict struct {
	IsSafe           bool      `json:"isSafe"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	Anomalies        []Anomaly `json:"anomalies,omitempty"`
	SanitizedContent string    `json:"-"`
	Blocked          bool      `json:"blocked"`
	RateLimited      bool      `json:"rateLimited,omitempty"`
}

// Options configures a Guard.
type Options struct {
	MaxPromptLength int
	BlockAt         RiskLevel // risk level at which requests are blocked
	NonAlnumRatio   float64
	FuzzyThreshold  float64
	Sensitivity     Sensitivity
	Limiter         Limiter
	Metrics         *telemetry.Metrics
}

// Guard inspects requests and responses. Safe for concurrent use.
type Guard struct {
	families     []Family
	respFamilies []Family
	matcher      *matcher
	maxLen       int
	blockAt      RiskLevel
	nonAlnum     float64
	limiter      Limiter
	metrics      *telemetry.Metrics
}

// New builds a Guard. Zero options get workable defaults.
func New(opts Options) *Guard {
	if opts.MaxPromptLength <= 0 {
		opts.MaxPromptLength = 100000
	}
	if opts.BlockAt == "" {
		opts.BlockAt = RiskHigh
	}
	if opts.NonAlnumRatio <= 0 {
		opts.NonAlnumRatio = 0.45
	}
	return &Guard{
		families:     Families(),
		respFamilies: responseFamilies(),
		matcher:      newMatcher(opts.FuzzyThreshold, opts.Sensitivity),
		maxLen:       opts.MaxPromptLength,
		blockAt:      opts.BlockAt,
		nonAlnum:     opts.NonAlnumRatio,
		limiter:      opts.Limiter,
		metrics:      opts.Metrics,
	}
}

// InspectRequest screens a request before execution. A Blocked verdict
// means the pipeline must not call any upstream. Panics inside the
// guard fail closed.
func (g *Guard) InspectRequest(req *domain.Request) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("guard inspection panicked, failing closed", "panic", r, "request_id", req.ID)
			v = Verdict{
				IsSafe:    false,
				RiskLevel: RiskCritical,
				Blocked:   true,
				Anomalies: []Anomaly{{Family: "guard-failure", Severity: RiskCritical, Detail: fmt.Sprint(r)}},
			}
		}
	}()

	if g.limiter != nil && !g.limiter.Allow(req.CallerID) {
		if g.metrics != nil {
			g.metrics.RateLimitHits.Inc()
		}
		return Verdict{
			IsSafe:      false,
			RiskLevel:   RiskMedium,
			Blocked:     true,
			RateLimited: true,
			Anomalies:   []Anomaly{{Family: "rate-limit", Severity: RiskMedium, Detail: "caller exceeded request rate"}},
		}
	}

	content := req.Content
	var anomalies []Anomaly

	if n := utf8.RuneCountInString(content); n > g.maxLen {
		anomalies = append(anomalies, Anomaly{
			Family:   "length",
			Severity: RiskCritical,
			Detail:   fmt.Sprintf("prompt length %d exceeds maximum %d", n, g.maxLen),
		})
	}

	lowered := strings.ToLower(content)
	normalized := Normalize(content)

	for _, f := range g.families {
		if m, ok := g.matcher.matchFamily(lowered, normalized, f); ok {
			anomalies = append(anomalies, Anomaly{
				Family:   f.Name,
				Severity: f.Severity,
				Detail:   m.Pattern,
				Method:   m.Method,
			})
		}
	}

	anomalies = append(anomalies, g.analyzeCharacters(content)...)
	anomalies = append(anomalies, detectContradictions(normalized)...)

	risk := aggregateRisk(anomalies)
	blocked := len(anomalies) > 0 && risk.Rank() >= g.blockAt.Rank()

	v = Verdict{
		IsSafe:           risk == RiskLow,
		RiskLevel:        risk,
		Anomalies:        anomalies,
		SanitizedContent: Sanitize(content),
		Blocked:          blocked,
	}
	g.record(v)
	return v
}

// InspectResponse screens a model answer after execution. schema, when
// non-nil, is a JSON schema the answer must satisfy. A Blocked verdict
// counts as an execution failure for the circuit breaker.
func (g *Guard) InspectResponse(content string, schema map[string]any) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("guard response inspection panicked, failing closed", "panic", r)
			v = Verdict{
				IsSafe:    false,
				RiskLevel: RiskCritical,
				Blocked:   true,
				Anomalies: []Anomaly{{Family: "guard-failure", Severity: RiskCritical, Detail: fmt.Sprint(r)}},
			}
		}
	}()

	var anomalies []Anomaly
	lowered := strings.ToLower(content)
	normalized := Normalize(content)

	for _, f := range g.respFamilies {
		if m, ok := g.matcher.matchFamily(lowered, normalized, f); ok {
			anomalies = append(anomalies, Anomaly{
				Family:   f.Name,
				Severity: f.Severity,
				Detail:   m.Pattern,
				Method:   m.Method,
			})
		}
	}

	if schema != nil {
		if err := validateOutputSchema(content, schema); err != nil {
			anomalies = append(anomalies, Anomaly{
				Family:   "schema-violation",
				Severity: RiskHigh,
				Detail:   err.Error(),
			})
		}
	}

	risk := aggregateRisk(anomalies)
	v = Verdict{
		IsSafe:           risk == RiskLow,
		RiskLevel:        risk,
		Anomalies:        anomalies,
		SanitizedContent: content,
		Blocked:          risk.Rank() >= RiskHigh.Rank(),
	}
	g.record(v)
	return v
}

func (g *Guard) record(v Verdict) {
	if g.metrics == nil {
		return
	}
	for _, a := range v.Anomalies {
		g.metrics.GuardAnomalies.WithLabelValues(a.Family).Inc()
	}
	if v.Blocked && len(v.Anomalies) > 0 {
		g.metrics.GuardBlocks.WithLabelValues(v.Anomalies[0].Family, string(v.RiskLevel)).Inc()
	}
}

// aggregateRisk folds anomalies into one level: the maximum severity,
// upgraded one step when three or more distinct families fired.
func aggregateRisk(anomalies []Anomaly) RiskLevel {
	if len(anomalies) == 0 {
		return RiskLow
	}
	maxRank := RiskLow.Rank()
	families := make(map[string]bool, len(anomalies))
	for _, a := range anomalies {
		if a.Severity.Rank() > maxRank {
			maxRank = a.Severity.Rank()
		}
		families[a.Family] = true
	}
	if len(families) >= 3 {
		maxRank++
	}
	return riskFromRank(maxRank)
}

// analyzeCharacters flags statistical oddities: a high ratio of
// non-alphanumeric runes, control characters, and clustered combining
// marks.
func (g *Guard) analyzeCharacters(content string) []Anomaly {
	if content == "" {
		return nil
	}

	var anomalies []Anomaly
	total := 0
	nonAlnum := 0
	controls := 0
	zeroWidth := 0
	combiningRun := 0
	maxCombiningRun := 0

	for _, r := range content {
		total++
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ':
			// plain
		default:
			nonAlnum++
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			controls++
		}
		if isInvisible(r) {
			zeroWidth++
		}
		if unicode.Is(unicode.Mn, r) {
			combiningRun++
			if combiningRun > maxCombiningRun {
				maxCombiningRun = combiningRun
			}
		} else {
			combiningRun = 0
		}
	}

	if ratio := float64(nonAlnum) / float64(total); ratio > g.nonAlnum {
		anomalies = append(anomalies, Anomaly{
			Family:   "character-anomaly",
			Severity: RiskMedium,
			Detail:   fmt.Sprintf("non-alphanumeric ratio %.2f exceeds %.2f", ratio, g.nonAlnum),
		})
	}
	if controls > 0 {
		anomalies = append(anomalies, Anomaly{
			Family:   "unicode-evasion",
			Severity: RiskCritical,
			Detail:   fmt.Sprintf("%d control characters present", controls),
		})
	}
	if zeroWidth > 0 {
		anomalies = append(anomalies, Anomaly{
			Family:   "unicode-evasion",
			Severity: RiskHigh,
			Detail:   fmt.Sprintf("%d zero-width characters present", zeroWidth),
		})
	}
	if maxCombiningRun >= 3 {
		anomalies = append(anomalies, Anomaly{
			Family:   "unicode-evasion",
			Severity: RiskHigh,
			Detail:   fmt.Sprintf("combining mark cluster of %d", maxCombiningRun),
		})
	}
	return anomalies
}

var (
	ignoreDirectiveRe = regexp.MustCompile(`\b(?:ignore|disregard|forget|discard)\b.{0,40}\b(?:instructions?|rules|guidelines|prompt)\b`)
	followDirectiveRe = regexp.MustCompile(`\b(?:follow|obey|execute|comply with)\b.{0,40}\b(?:instructions?|commands?|orders?)\b`)
	roleAssertionRe   = regexp.MustCompile(`\byou are (?:a|an|the|now|no longer)\b`)
	claimRealRe       = regexp.MustCompile(`\bthis is (?:real|not a test|actually happening)\b`)
	claimFakeRe       = regexp.MustCompile(`\b(?:hypothetical|fictional|pretend|roleplay|simulation)\b`)
)

// detectContradictions finds semantically conflicting directives that
// individually look benign.
func detectContradictions(normalized string) []Anomaly {
	var anomalies []Anomaly

	if ignoreDirectiveRe.MatchString(normalized) && followDirectiveRe.MatchString(normalized) {
		anomalies = append(anomalies, Anomaly{
			Family:   "semantic-contradiction",
			Severity: RiskHigh,
			Detail:   "conflicting ignore and follow directives",
		})
	}
	if len(roleAssertionRe.FindAllString(normalized, 3)) >= 2 {
		anomalies = append(anomalies, Anomaly{
			Family:   "semantic-contradiction",
			Severity: RiskMedium,
			Detail:   "multiple conflicting role assertions",
		})
	}
	if claimRealRe.MatchString(normalized) && claimFakeRe.MatchString(normalized) {
		anomalies = append(anomalies, Anomaly{
			Family:   "semantic-contradiction",
			Severity: RiskMedium,
			Detail:   "real and hypothetical framing in the same prompt",
		})
	}
	return anomalies
}
