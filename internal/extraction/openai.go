package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Base URLs for OpenAI compatible providers addressed by vendor prefix
var providerBaseURLs = map[string]string{
	"ollama":   "http://localhost:11434/v1/",
	"groq":     "https://api.groq.com/openai/v1/",
	"deepseek": "https://api.deepseek.com/v1/",
}

// OpenAIClient implements ChatClient over the OpenAI chat completions API or any
// compatible endpoint
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client for provider ("vendor/model"). apiKey falls back to
// OPENAI_API_KEY; baseURL overrides the vendor default.
func NewOpenAIClient(provider, apiKey, baseURL string) (*OpenAIClient, error) {
	vendor, _, err := ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = providerBaseURLs[vendor]
	}
	if apiKey == "" && vendor != "ollama" {
		return nil, fmt.Errorf("an API key is required for provider %s", provider)
	}
	if apiKey == "" {
		apiKey = "no-token"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}, nil
}

// Complete implements ChatClient
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		}),
		Model: openai.F(openai.ChatModel(req.Model)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.F(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.F(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	return &ChatResponse{
		Content: completion.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}
