package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	config "nisbot/app/configs"
)

const errorPrefix = "Error from model: "

var ErrEmptyCompletion = errors.New("model returned no choices")

// Result is the outcome of one completion call. Exactly one of Text or Err
// is meaningful.
type Result struct {
	Text string
	Err  error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Reply renders the result as chat text. Failures keep a fixed prefix so they
// read as errors in the conversation.
func (r Result) Reply() string {
	if r.Err != nil {
		return errorPrefix + r.Err.Error()
	}
	return r.Text
}

// Client sends a single user prompt to an OpenAI-compatible chat completions
// endpoint (Groq by default).
type Client struct {
	api         openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewClient(cfg config.CompletionConfig, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		base = append(base, option.WithBaseURL(baseURL))
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Client{
		api:         openai.NewClient(append(base, opts...)...),
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

func (c *Client) Model() string {
	return c.model
}

// Complete never returns a Go error; failures travel inside the Result.
func (c *Client) Complete(ctx context.Context, prompt string) Result {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	})
	if err != nil {
		return Result{Err: fmt.Errorf("completion request: %w", err)}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Result{Err: ErrEmptyCompletion}
	}
	return Result{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
}
