// Package ai wraps the OpenAI chat completion backend behind the single
// call the responder needs.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/chatrelay/chatrelay/internal/config"
)

// DefaultSystemPrompt is used when a chatbot has no configured prompt.
const DefaultSystemPrompt = "You are a helpful assistant answering customer messages. Keep replies short and direct."

// ErrGenerationFailed is the uniform failure condition for AI calls:
// auth, quota, and transport errors all surface through it.
var ErrGenerationFailed = errors.New("ai generation failed")

// Role of one history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn handed to the backend.
type Message struct {
	Role    Role
	Content string
}

// Generator produces a reply from a prompt and chronological history.
// Satisfied by *Client; fakes stand in for it in tests.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// Client calls the OpenAI chat completion API.
type Client struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates an AI client from configuration.
func NewClient(log *slog.Logger, cfg config.OpenAIConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = config.DefaultAIModel
	}
	return &Client{
		client: &client,
		model:  model,
		logger: log.With(slog.String("service", "ai")),
	}
}

// Generate implements Generator. history must be in chronological order;
// systemPrompt falls back to DefaultSystemPrompt when blank. The caller
// bounds the call with its context deadline.
func (c *Client) Generate(ctx context.Context, systemPrompt string, history []Message) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1),
	}
	params.Messages = append(params.Messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: backend returned no choices", ErrGenerationFailed)
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("%w: backend returned empty reply", ErrGenerationFailed)
	}
	return reply, nil
}

// IsTransient reports whether err looks like a temporary backend or
// network fault worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}
	if strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}
	return false
}
