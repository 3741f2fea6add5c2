// Package model defines the planner contract the Strands automation agent
// uses to decide its next browser action, independent of the AI provider
// behind it. Provider adapters live in the subpackages; Infer maps a model
// identifier to the provider serving it.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited wraps provider throttling errors so callers can back off.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// StepRequest asks the planner for the next browser action toward the
	// goal, given the current page and the steps taken so far.
	StepRequest struct {
		// Model optionally overrides the adapter's default model identifier.
		Model string
		// Goal states what the automation is trying to accomplish.
		Goal string
		// PageSummary describes the browser's current page.
		PageSummary string
		// History lists the actions already taken, oldest first.
		History []string
		// MaxTokens caps the completion. Zero uses the adapter default.
		MaxTokens int
		// Temperature overrides the adapter default when positive.
		Temperature float32
	}

	// Decision is the planner's answer: either the next action to take, or a
	// terminal signal (done / needs a human).
	Decision struct {
		// Action is the next browser instruction, in natural language.
		Action string
		// Done is true when the goal is reached and no action remains.
		Done bool
		// RequiresHuman is true when the planner sees a blocker (CAPTCHA,
		// login wall, payment challenge) automation must not push through.
		RequiresHuman bool
		// Reason explains the decision.
		Reason string
		// Usage reports provider token consumption for the call.
		Usage TokenUsage
	}

	// TokenUsage mirrors the provider's token accounting.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Planner decides the next automation step. Implementations are safe for
	// concurrent use.
	Planner interface {
		NextStep(ctx context.Context, req StepRequest) (Decision, error)
	}
)

// SystemPrompt is the instruction shared by every provider adapter.
const SystemPrompt = `You are a browser automation planner completing an online purchase.
Reply with a single JSON object and nothing else:
{"action": "<next browser instruction>", "done": <bool>, "requires_human": <bool>, "reason": "<short explanation>"}
Set "requires_human" when you see a CAPTCHA, login challenge, two-factor prompt
or payment verification that automation must not attempt. Set "done" when the
purchase is confirmed.`

// UserPrompt renders the step request into the user message sent to the
// provider.
func UserPrompt(req StepRequest) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(req.Goal)
	b.WriteString("\n\nCurrent page:\n")
	b.WriteString(req.PageSummary)
	if len(req.History) > 0 {
		b.WriteString("\n\nSteps taken so far:\n")
		for i, h := range req.History {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
	}
	b.WriteString("\nWhat is the next action?")
	return b.String()
}

// ParseDecision extracts a Decision from the provider's raw completion text.
// Tolerates markdown code fences and leading prose around the JSON object.
func ParseDecision(raw string) (Decision, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var wire struct {
		Action        string `json:"action"`
		Done          bool   `json:"done"`
		RequiresHuman bool   `json:"requires_human"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return Decision{}, fmt.Errorf("model: parse planner decision: %w", err)
	}
	if wire.Action == "" && !wire.Done && !wire.RequiresHuman {
		return Decision{}, errors.New("model: planner decision has no action and no terminal signal")
	}
	return Decision{
		Action:        wire.Action,
		Done:          wire.Done,
		RequiresHuman: wire.RequiresHuman,
		Reason:        wire.Reason,
	}, nil
}
