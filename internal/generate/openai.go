package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

const systemPrompt = "You write short, natural comments for Telegram channel posts."

// OpenAI generates comments through any OpenAI-compatible chat completion API.
type OpenAI struct {
	client  *openai.Client
	model   string
	tokens  int
	temp    float32
	timeout time.Duration
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
		temp:    cfg.Temperature,
		timeout: cfg.Timeout,
	}
}

func userPrompt(source, label string) string {
	return fmt.Sprintf(`Write a natural comment for a post in the Telegram channel %s.

Post: "%s"

Requirements:
- relevant to the post, friendly tone
- 20 to 100 characters, emoji allowed
- no advertising or spam words
- add something to the discussion

Reply with the comment text only.`, label, truncate(source, 200))
}

func (o *OpenAI) Generate(ctx context.Context, source, label string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(source, label)},
		},
		MaxTokens:   o.tokens,
		Temperature: o.temp,
	})
	if err != nil {
		return "", &GenerationError{Reason: "chat completion", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &GenerationError{Reason: "no choices returned"}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &GenerationError{Reason: "empty completion"}
	}
	return text, nil
}
