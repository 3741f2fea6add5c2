package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer(t *testing.T) {
	t.Parallel()
	cases := []struct {
		modelID string
		want    Provider
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"anthropic.claude-3-5-sonnet", ProviderAnthropic},
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", ProviderBedrock},
		{"eu.anthropic.claude-3-haiku", ProviderBedrock},
		{"apac.amazon.nova-lite-v1:0", ProviderBedrock},
		{"amazon.nova-pro-v1:0", ProviderBedrock},
		{"us.amazon.nova-pro-v1:0", ProviderBedrock},
		{"arn:aws:bedrock:us-east-1:123456789012:inference-profile/us.amazon.nova-pro-v1:0", ProviderBedrock},
		{"gpt-4o", ProviderOpenAI},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"  GPT-4O  ", ProviderOpenAI},
		{"mistral.mistral-large", ProviderBedrock},
		{"", ProviderBedrock},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Infer(tc.modelID), tc.modelID)
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	t.Run("plain json", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDecision(`{"action": "click add to cart", "done": false, "requires_human": false, "reason": "product page is open"}`)
		require.NoError(t, err)
		assert.Equal(t, "click add to cart", d.Action)
		assert.False(t, d.Done)
		assert.False(t, d.RequiresHuman)
		assert.Equal(t, "product page is open", d.Reason)
	})

	t.Run("markdown fence", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDecision("```json\n{\"action\": \"scroll down\", \"done\": false, \"requires_human\": false, \"reason\": \"\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "scroll down", d.Action)
	})

	t.Run("leading prose", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDecision(`Sure, here is the next step: {"action": "", "done": true, "requires_human": false, "reason": "order confirmed"}`)
		require.NoError(t, err)
		assert.True(t, d.Done)
		assert.Equal(t, "order confirmed", d.Reason)
	})

	t.Run("requires human", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDecision(`{"action": "", "done": false, "requires_human": true, "reason": "captcha shown"}`)
		require.NoError(t, err)
		assert.True(t, d.RequiresHuman)
	})

	t.Run("not json", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision("I think you should click the button")
		require.Error(t, err)
	})

	t.Run("empty decision", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(`{"action": "", "done": false, "requires_human": false, "reason": "unsure"}`)
		require.Error(t, err)
	})
}

func TestUserPrompt(t *testing.T) {
	t.Parallel()
	req := StepRequest{
		Goal:        "Buy running shoes",
		PageSummary: "Product page with a buy button",
		History:     []string{"searched for shoes", "opened the product"},
	}
	prompt := UserPrompt(req)
	assert.Contains(t, prompt, "Goal: Buy running shoes")
	assert.Contains(t, prompt, "Product page with a buy button")
	assert.Contains(t, prompt, "1. searched for shoes")
	assert.Contains(t, prompt, "2. opened the product")

	// No history section when nothing happened yet.
	bare := UserPrompt(StepRequest{Goal: "g", PageSummary: "p"})
	assert.NotContains(t, bare, "Steps taken so far")
}
