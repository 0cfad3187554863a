package openrouter

import "github.com/leapstack-labs/leapcompare/internal/provider"

type chatRequest struct {
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	Stream    bool               `json:"stream"`
	Usage     *usageOption       `json:"usage,omitempty"`
	Reasoning *reasoningOption   `json:"reasoning,omitempty"`
}

type usageOption struct {
	Include bool `json:"include"`
}

type reasoningOption struct {
	Exclude bool `json:"exclude"`
}

// chunk is one streamed chat.completion.chunk object.
type chunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage,omitempty"`
	Error   *apiError     `json:"error,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
