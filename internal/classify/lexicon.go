// lexicon.go holds the keyword and pattern tables the rule tier scores
// against. Tables are package-level so scoring stays allocation-free on
// the hot path.
package classify

import (
	"regexp"

	"llmrouter/internal/domain"
)

// keywordSet groups weighted keywords that vote for one category. Multi
// word entries are matched as substrings of the lowered content, single
// words against the tokenized word set.
type keywordSet struct {
	Weight float64
	Words  []string
}

// === Domain lexicon ===

var domainLexicon = map[domain.Domain][]keywordSet{
	domain.DomainTechnical: {
		{Weight: 2.0, Words: []string{
			"code", "function", "debug", "compile", "refactor", "algorithm",
			"api", "stacktrace", "exception", "regression", "kubernetes",
		}},
		{Weight: 1.0, Words: []string{
			"software", "server", "database", "deploy", "docker", "library",
			"framework", "backend", "frontend", "sdk", "cli", "repository",
		}},
	},
	domain.DomainFinancial: {
		{Weight: 2.0, Words: []string{
			"portfolio", "valuation", "liquidity", "derivatives", "hedge",
			"amortization", "ebitda", "arbitrage",
		}},
		{Weight: 1.0, Words: []string{
			"invoice", "budget", "revenue", "investment", "accounting",
			"tax", "audit", "forecast", "equity", "dividend", "stock",
		}},
	},
	domain.DomainLegal: {
		{Weight: 2.0, Words: []string{
			"contract", "clause", "liability", "indemnification", "statute",
			"litigation", "jurisdiction", "tort",
		}},
		{Weight: 1.0, Words: []string{
			"legal", "compliance", "regulation", "lawsuit", "attorney",
			"plaintiff", "defendant", "patent", "trademark", "gdpr",
		}},
	},
	domain.DomainHealthcare: {
		{Weight: 2.0, Words: []string{
			"diagnosis", "symptom", "prognosis", "clinical", "dosage",
			"pathology", "oncology",
		}},
		{Weight: 1.0, Words: []string{
			"patient", "medical", "treatment", "medication", "hospital",
			"therapy", "vaccine", "disease", "hipaa",
		}},
	},
	domain.DomainCreative: {
		{Weight: 2.0, Words: []string{
			"poem", "screenplay", "lyrics", "plot", "protagonist",
			"worldbuilding",
		}},
		{Weight: 1.0, Words: []string{
			"story", "creative", "write", "novel", "character", "fiction",
			"narrative", "song", "script", "brainstorm",
		}},
	},
	domain.DomainResearch: {
		{Weight: 2.0, Words: []string{
			"hypothesis", "methodology", "peer-reviewed", "citation",
			"literature review", "meta-analysis",
		}},
		{Weight: 1.0, Words: []string{
			"research", "study", "analysis", "survey", "experiment",
			"findings", "dataset", "abstract", "journal",
		}},
	},
	domain.DomainEducation: {
		{Weight: 2.0, Words: []string{
			"curriculum", "syllabus", "lesson plan", "pedagogy",
		}},
		{Weight: 1.0, Words: []string{
			"teach", "explain", "learn", "student", "homework", "quiz",
			"tutorial", "course", "exam", "beginner",
		}},
	},
}

// === Task lexicon ===

var taskLexicon = map[domain.TaskType][]keywordSet{
	domain.TaskComplexReasoning: {
		{Weight: 2.0, Words: []string{
			"step by step", "reason through", "prove", "deduce", "trade-offs",
			"implications", "root cause",
		}},
		{Weight: 1.0, Words: []string{
			"analyze", "evaluate", "compare", "why", "reasoning", "logic",
		}},
	},
	domain.TaskStrategicPlanning: {
		{Weight: 2.0, Words: []string{
			"roadmap", "strategy", "long-term plan", "okr", "milestones",
			"go-to-market",
		}},
		{Weight: 1.0, Words: []string{
			"plan", "strategic", "initiative", "quarter", "vision",
		}},
	},
	domain.TaskResearchAnalysis: {
		{Weight: 2.0, Words: []string{
			"literature review", "synthesize", "state of the art",
			"compare studies",
		}},
		{Weight: 1.0, Words: []string{
			"research", "investigate", "sources", "evidence", "survey",
		}},
	},
	domain.TaskRAGOperations: {
		{Weight: 2.0, Words: []string{
			"knowledge base", "based on the document", "from the context",
			"according to the document", "retrieval", "grounded",
		}},
		{Weight: 1.0, Words: []string{
			"document", "context", "cite", "excerpt", "passage",
		}},
	},
	domain.TaskCodeGeneration: {
		{Weight: 2.0, Words: []string{
			"write a function", "implement", "unit test", "refactor",
			"fix this bug", "code review", "pull request",
		}},
		{Weight: 1.0, Words: []string{
			"code", "function", "class", "script", "program", "compile",
		}},
	},
	domain.TaskCreativeGeneration: {
		{Weight: 2.0, Words: []string{
			"write a story", "write a poem", "compose", "imagine",
		}},
		{Weight: 1.0, Words: []string{
			"creative", "story", "poem", "lyrics", "fiction",
		}},
	},
	domain.TaskFastResponse: {
		{Weight: 2.0, Words: []string{
			"quick answer", "one word", "yes or no", "briefly", "tl;dr",
		}},
		{Weight: 1.0, Words: []string{
			"quick", "short", "fast", "brief", "summarize",
		}},
	},
	domain.TaskCostSensitive: {
		{Weight: 2.0, Words: []string{
			"cheapest", "low cost", "minimize cost", "budget option",
		}},
		{Weight: 1.0, Words: []string{
			"cheap", "affordable", "economical", "bulk",
		}},
	},
	domain.TaskMultimodal: {
		{Weight: 2.0, Words: []string{
			"describe this image", "what is in the picture", "analyze the image",
			"screenshot", "diagram",
		}},
		{Weight: 1.0, Words: []string{
			"image", "picture", "photo", "visual", "chart",
		}},
	},
	domain.TaskBusinessIntelligence: {
		{Weight: 2.0, Words: []string{
			"kpi", "dashboard", "quarterly report", "market share",
			"cohort analysis",
		}},
		{Weight: 1.0, Words: []string{
			"metrics", "trends", "insights", "segmentation", "churn",
		}},
	},
	domain.TaskDocumentProcessing: {
		{Weight: 2.0, Words: []string{
			"extract fields", "parse the document", "ocr", "form data",
			"table extraction",
		}},
		{Weight: 1.0, Words: []string{
			"extract", "parse", "pdf", "invoice", "receipt",
		}},
	},
	domain.TaskTechnicalDocs: {
		{Weight: 2.0, Words: []string{
			"api documentation", "readme", "changelog", "docstring",
			"architecture document",
		}},
		{Weight: 1.0, Words: []string{
			"documentation", "docs", "reference", "manual", "guide",
		}},
	},
}

// === Curated task patterns ===

type taskPattern struct {
	Task   domain.TaskType
	Weight float64
	Re     *regexp.Regexp
}

var taskPatterns = []taskPattern{
	// Fenced code blocks are a strong code-generation signal.
	{domain.TaskCodeGeneration, 3.0, regexp.MustCompile("(?s)```")},
	{domain.TaskCodeGeneration, 2.5, regexp.MustCompile(`(?i)\bwrite\s+(?:a\s+|me\s+a\s+)?(?:function|class|method|script|program|test)\b`)},
	{domain.TaskCodeGeneration, 2.0, regexp.MustCompile(`(?i)\b(?:select\s+.+\s+from|insert\s+into|create\s+table)\b`)},
	{domain.TaskRAGOperations, 2.5, regexp.MustCompile(`(?i)\b(?:based\s+on|according\s+to|using)\s+(?:the|my|this|our)\s+(?:document|context|knowledge\s+base|corpus|files?)\b`)},
	{domain.TaskComplexReasoning, 2.0, regexp.MustCompile(`(?i)\bthink\s+(?:through|carefully|step\s+by\s+step)\b`)},
	{domain.TaskFastResponse, 2.0, regexp.MustCompile(`(?i)\bin\s+(?:one|a)\s+(?:word|sentence|line)\b`)},
	{domain.TaskDocumentProcessing, 2.0, regexp.MustCompile(`(?i)\bextract\s+(?:all\s+)?(?:the\s+)?(?:fields?|tables?|entities|names|dates|amounts)\b`)},
	{domain.TaskTechnicalDocs, 2.0, regexp.MustCompile(`(?i)\bdocument\s+(?:this|the)\s+(?:api|function|module|endpoint)\b`)},
	{domain.TaskStrategicPlanning, 2.0, regexp.MustCompile(`(?i)\b(?:\d+|three|five)[\s-]year\s+plan\b`)},
}

// === Complexity signals ===

// levelKeywords map explicit level words in the content to a complexity.
var levelKeywords = map[domain.Complexity][]string{
	domain.ComplexitySimple:   {"simple", "trivial", "basic", "easy"},
	domain.ComplexityModerate: {"moderate", "standard", "typical"},
	domain.ComplexityComplex:  {"complex", "complicated", "detailed", "thorough", "in-depth", "comprehensive"},
	domain.ComplexityExpert:   {"expert", "advanced", "rigorous", "phd", "state-of-the-art"},
}

// urgentKeywords upgrade priority when paired with high complexity.
var urgentKeywords = []string{"urgent", "asap", "immediately", "critical", "emergency", "production down", "outage"}

// tokensPerMB is the per-attachment token estimate by attachment kind.
var tokensPerMB = map[domain.AttachmentKind]float64{
	domain.AttachmentText:     500_000,
	domain.AttachmentCode:     300_000,
	domain.AttachmentDocument: 400_000,
	domain.AttachmentData:     200_000,
	domain.AttachmentImage:    1_000_000,
}

// complexityTokenMultiplier scales the base token estimate.
var complexityTokenMultiplier = map[domain.Complexity]float64{
	domain.ComplexitySimple:   1.0,
	domain.ComplexityModerate: 1.5,
	domain.ComplexityComplex:  2.5,
	domain.ComplexityExpert:   4.0,
}
