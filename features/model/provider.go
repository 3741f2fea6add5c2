package model

import "strings"

// Provider identifies which AI provider serves a model identifier.
type Provider string

const (
	// ProviderAnthropic serves Claude models via the Anthropic API.
	ProviderAnthropic Provider = "anthropic"
	// ProviderBedrock serves models via AWS Bedrock, including Nova and
	// region-prefixed Claude inference profiles.
	ProviderBedrock Provider = "bedrock"
	// ProviderOpenAI serves GPT models via the OpenAI API.
	ProviderOpenAI Provider = "openai"
)

// Infer maps a model identifier to the provider serving it. Region-prefixed
// inference profiles (us., eu., apac.) and ARNs route to Bedrock even for
// Claude models; bare Claude identifiers route to the Anthropic API.
func Infer(modelID string) Provider {
	id := strings.ToLower(strings.TrimSpace(modelID))
	switch {
	case strings.HasPrefix(id, "arn:"),
		strings.HasPrefix(id, "us."), strings.HasPrefix(id, "eu."), strings.HasPrefix(id, "apac."),
		strings.Contains(id, "bedrock"),
		strings.HasPrefix(id, "amazon."), strings.Contains(id, "nova"):
		return ProviderBedrock
	case strings.Contains(id, "claude"), strings.HasPrefix(id, "anthropic"):
		return ProviderAnthropic
	case strings.HasPrefix(id, "gpt"), strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"), strings.HasPrefix(id, "o4"):
		return ProviderOpenAI
	default:
		return ProviderBedrock
	}
}
