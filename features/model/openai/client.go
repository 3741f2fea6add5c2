// Package openai implements the planner contract on top of the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/drishti-ai/navigator/features/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is the model identifier used when the request does not pin
	// one.
	DefaultModel string
	// MaxTokens is the default completion cap. Defaults to 1024.
	MaxTokens int
	// Temperature is used when the request does not set one.
	Temperature float32
}

// Client implements model.Planner over OpenAI Chat Completions.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float32
}

// New builds an OpenAI-backed planner from the given chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Client{chat: chat, model: opts.DefaultModel, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a planner using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), Options{DefaultModel: defaultModel})
}

// NextStep issues a chat completion and parses the planner decision out of
// the first choice.
func (c *Client) NextStep(ctx context.Context, req model.StepRequest) (model.Decision, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	response, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		MaxTokens:   maxTok,
		Temperature: temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: model.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: model.UserPrompt(req)},
		},
	})
	if err != nil {
		if isRateLimited(err) {
			return model.Decision{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Decision{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return model.Decision{}, errors.New("openai: response has no choices")
	}
	decision, err := model.ParseDecision(response.Choices[0].Message.Content)
	if err != nil {
		return model.Decision{}, err
	}
	decision.Usage = model.TokenUsage{
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}
	return decision, nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}
