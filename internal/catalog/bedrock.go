package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"

	"llmrouter/internal/domain"
)

// BedrockDiscovery lists foundation models from the AWS Bedrock control
// plane. Discovered entries are served through the named upstream.
type BedrockDiscovery struct {
	region     string
	upstreamID string
}

// NewBedrockDiscovery builds a discovery for one region.
func NewBedrockDiscovery(region, upstreamID string) *BedrockDiscovery {
	return &BedrockDiscovery{region: region, upstreamID: upstreamID}
}

func (d *BedrockDiscovery) Name() string { return "bedrock" }

func (d *BedrockDiscovery) Discover(ctx context.Context) ([]Model, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := bedrock.NewFromConfig(cfg)
	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, fmt.Errorf("listing foundation models: %w", err)
	}

	var models []Model
	for _, summary := range out.ModelSummaries {
		modelID := aws.ToString(summary.ModelId)
		if modelID == "" {
			continue
		}
		if summary.ModelLifecycle != nil &&
			summary.ModelLifecycle.Status != bedrocktypes.FoundationModelLifecycleStatusActive {
			continue
		}
		if !supportsOnDemand(summary.InferenceTypesSupported) {
			continue
		}
		if !hasModality(summary.OutputModalities, bedrocktypes.ModelModalityText) {
			continue // embedding-only models are not routable
		}

		caps := []domain.Capability{domain.CapTextGeneration}
		if hasModality(summary.InputModalities, bedrocktypes.ModelModalityImage) {
			caps = append(caps, domain.CapMultimodal)
		}
		caps = append(caps, familyCapabilities(modelID)...)

		models = append(models, Model{
			ID:            "bedrock/" + shortModelName(modelID),
			DisplayName:   aws.ToString(summary.ModelName),
			Provider:      strings.ToLower(aws.ToString(summary.ProviderName)),
			UpstreamID:    d.upstreamID,
			Capabilities:  caps,
			ContextWindow: familyContextWindow(modelID),
			Enabled:       true,
			Source:        d.Name(),
		})
	}
	return models, nil
}

func supportsOnDemand(types []bedrocktypes.InferenceType) bool {
	for _, t := range types {
		if t == bedrocktypes.InferenceTypeOnDemand {
			return true
		}
	}
	return false
}

func hasModality(modalities []bedrocktypes.ModelModality, want bedrocktypes.ModelModality) bool {
	for _, m := range modalities {
		if m == want {
			return true
		}
	}
	return false
}

// shortModelName strips the vendor prefix and version suffix:
// "anthropic.claude-3-5-sonnet-20241022-v2:0" -> "claude-3-5-sonnet-20241022-v2".
func shortModelName(fullID string) string {
	base := fullID
	if idx := strings.Index(base, ":"); idx != -1 {
		base = base[:idx]
	}
	if idx := strings.Index(base, "."); idx != -1 {
		base = base[idx+1:]
	}
	return base
}

// familyCapabilities adds capability tags known per model family.
func familyCapabilities(modelID string) []domain.Capability {
	lower := strings.ToLower(modelID)
	var caps []domain.Capability
	switch {
	case strings.Contains(lower, "claude"):
		caps = append(caps, domain.CapCodeGeneration, domain.CapComplexReasoning,
			domain.CapStructuredOutput, domain.CapRAG, domain.CapLongContext)
	case strings.Contains(lower, "nova-pro"):
		caps = append(caps, domain.CapCodeGeneration, domain.CapComplexReasoning, domain.CapRAG)
	case strings.Contains(lower, "nova"):
		caps = append(caps, domain.CapFastInference, domain.CapRAG)
	case strings.Contains(lower, "llama"):
		caps = append(caps, domain.CapCodeGeneration, domain.CapRAG)
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"):
		caps = append(caps, domain.CapCodeGeneration, domain.CapRAG)
	case strings.Contains(lower, "command"):
		caps = append(caps, domain.CapRAG, domain.CapAdvancedRAG)
	}
	return caps
}

// familyContextWindow guesses the context window when the listing API
// does not report one.
func familyContextWindow(modelID string) int {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude"):
		return 200000
	case strings.Contains(lower, "llama"):
		return 128000
	case strings.Contains(lower, "nova"):
		return 300000
	case strings.Contains(lower, "command-r"):
		return 128000
	}
	return 32000
}
