// Package bedrock implements the planner contract on top of the AWS Bedrock
// Converse API. It serves both Nova models and region-prefixed Claude
// inference profiles.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/drishti-ai/navigator/features/model"
)

// ConverseClient captures the subset of the Bedrock runtime client used by
// the adapter. It matches *bedrockruntime.Client.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is the Bedrock model or inference profile identifier used
	// when the request does not pin one.
	DefaultModel string
	// MaxTokens is the default completion cap. Defaults to 1024.
	MaxTokens int
	// Temperature is used when the request does not set one.
	Temperature float32
}

// Client implements model.Planner over Bedrock Converse.
type Client struct {
	runtime ConverseClient
	model   string
	maxTok  int
	temp    float32
}

// New builds a Bedrock-backed planner from the given runtime client.
func New(runtime ConverseClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Client{runtime: runtime, model: opts.DefaultModel, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NextStep issues a Converse call and parses the planner decision out of the
// response text.
func (c *Client) NextStep(ctx context.Context, req model.StepRequest) (model.Decision, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: model.SystemPrompt}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: model.UserPrompt(req)}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTok)), //nolint:gosec // AWS SDK requires int32
		},
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		input.InferenceConfig.Temperature = aws.Float32(t)
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Decision{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Decision{}, fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Decision{}, errors.New("bedrock: response has no message output")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(tb.Value)
		}
	}
	decision, err := model.ParseDecision(text.String())
	if err != nil {
		return model.Decision{}, err
	}
	if output.Usage != nil {
		decision.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	return decision, nil
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// isRateLimited treats both provider throttling codes and HTTP 429 responses
// as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}
