// ABOUTME: Answer-generation collaborator for unattended visitor messages
// ABOUTME: Wraps an OpenAI-compatible chat completion endpoint behind the Responder interface

package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Responder produces an optional automatic reply to a visitor message.
// An empty reply and nil error means "no answer"; the caller injects
// nothing.
type Responder interface {
	GenerateReply(ctx context.Context, companyID, visitorText string) (string, error)
}

// Config holds the responder configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 30 * time.Second,
	}
}

// OpenAIResponder implements Responder against any OpenAI-compatible API.
type OpenAIResponder struct {
	client *openai.Client
	config *Config
}

// NewOpenAIResponder creates a responder.
func NewOpenAIResponder(cfg *Config) *OpenAIResponder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIResponder{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}
}

const systemPrompt = `You are a support assistant answering a website visitor while no human agent is available. Answer briefly and helpfully. If you cannot answer from general knowledge, reply with exactly NO_ANSWER.`

// GenerateReply asks the model for a reply to the visitor's message.
// Returns "" when the model declines to answer.
func (r *OpenAIResponder) GenerateReply(ctx context.Context, companyID, visitorText string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: visitorText},
		},
		User: companyID,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" || reply == "NO_ANSWER" {
		return "", nil
	}
	return reply, nil
}

var _ Responder = (*OpenAIResponder)(nil)
