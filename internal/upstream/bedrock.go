package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// converseAPI is the slice of bedrockruntime the adapter needs; tests
// substitute a fake.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock drives AWS Bedrock through the Converse API, which gives one
// request shape across the Anthropic, Meta, Mistral, and Nova families.
type Bedrock struct {
	name   string
	region string
	client converseAPI
}

// BedrockOptions configures a Bedrock adapter.
type BedrockOptions struct {
	Name   string
	Region string
}

// NewBedrock builds the adapter with the default AWS credential chain.
func NewBedrock(ctx context.Context, opts BedrockOptions) (*Bedrock, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Name == "" {
		opts.Name = "bedrock"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &Bedrock{
		name:   opts.Name,
		region: opts.Region,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

func (c *Bedrock) Name() string { return c.name }

// Generate performs a non-streaming Converse call. The SDK handles
// transport retries itself, so no retry wrapper runs here.
func (c *Bedrock) Generate(ctx context.Context, req Request) (*Result, error) {
	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	} else {
		inference.MaxTokens = aws.Int32(4096)
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.ModelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.Content},
				},
			},
		},
		InferenceConfig: inference,
	}

	start := time.Now()
	output, err := c.client.Converse(ctx, input)
	if err != nil {
		return nil, c.classify(err)
	}

	var text string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += t.Value
			}
		}
	}

	result := &Result{
		Content:   text,
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       output.StopReason,
	}
	if output.Usage != nil {
		result.InputTokens = int(aws.ToInt32(output.Usage.InputTokens))
		result.OutputTokens = int(aws.ToInt32(output.Usage.OutputTokens))
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}
	return result, nil
}

// classify maps AWS service errors to the failure taxonomy.
func (c *Bedrock) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindDeadlineExceeded, Provider: c.name, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "ResourceNotFoundException":
			return &Error{Kind: KindInvalidArgument, Provider: c.name, Err: err}
		case "AccessDeniedException", "UnauthorizedException":
			return &Error{Kind: KindPermissionDenied, Provider: c.name, Err: err}
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return &Error{Kind: KindResourceExhausted, Provider: c.name, Err: err}
		case "ModelNotReadyException", "ServiceUnavailableException":
			return &Error{Kind: KindUnavailable, Provider: c.name, Err: err}
		case "ModelTimeoutException":
			return &Error{Kind: KindDeadlineExceeded, Provider: c.name, Err: err}
		}
	}
	return &Error{Kind: KindInternal, Provider: c.name, Err: err}
}

// Ping issues a minimal Converse call against no model, expecting a
// validation error: any classified service answer proves reachability.
func (c *Bedrock) Ping(ctx context.Context) error {
	_, err := c.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String("ping"),
	})
	if err == nil {
		return nil
	}
	kind := c.classify(err).Kind
	if kind == KindInvalidArgument || kind == KindPermissionDenied {
		return nil
	}
	return err
}
