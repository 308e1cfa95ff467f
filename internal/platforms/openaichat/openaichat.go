// Package openaichat implements the OpenAI-compatible chat platform. Each
// message is a single stateless completion call: system prompt plus the
// user turn. Multi-turn memory is deliberately not kept for this kind; the
// upstream conversation id stays empty.
package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Kind is the registry name of this platform type.
const Kind = "openai"

func init() {
	if err := platform.Register(Kind, func() platform.Platform { return &Platform{} }); err != nil {
		panic(err)
	}
}

type config struct {
	APIBase         string  `json:"api_base"`
	APIKey          string  `json:"api_key"`
	Model           string  `json:"model"`
	Temperature     float32 `json:"temperature"`
	SystemPrompt    string  `json:"system_prompt"`
	MaxTokens       int     `json:"max_tokens"`
	MessageSendMode string  `json:"message_send_mode"`
}

// Platform calls an OpenAI-compatible /chat/completions endpoint.
type Platform struct {
	id     string
	name   string
	cfg    config
	mode   platform.SendMode
	client *openai.Client
}

// ID returns the stable platform id.
func (p *Platform) ID() string { return p.id }

// Name returns the human-readable platform name.
func (p *Platform) Name() string { return p.name }

// Kind returns "openai".
func (p *Platform) Kind() string { return Kind }

// SendMode reports how replies are sent.
func (p *Platform) SendMode() platform.SendMode { return p.mode }

// Init parses the config and builds the API client. No network I/O.
func (p *Platform) Init(cfg *platform.Config) error {
	p.id = cfg.ID
	p.name = cfg.Name

	if err := json.Unmarshal(cfg.Raw, &p.cfg); err != nil {
		return fmt.Errorf("parse openai config: %w", err)
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("openai platform %s: api_key is required", cfg.ID)
	}
	if p.cfg.Model == "" {
		p.cfg.Model = openai.GPT3Dot5Turbo
	}
	p.mode = platform.ParseSendMode(p.cfg.MessageSendMode)

	cc := openai.DefaultConfig(p.cfg.APIKey)
	if p.cfg.APIBase != "" {
		cc.BaseURL = strings.TrimRight(p.cfg.APIBase, "/")
	}
	p.client = openai.NewClientWithConfig(cc)
	return nil
}

// TestConnection issues a minimal completion to prove key and endpoint.
func (p *Platform) TestConnection(ctx context.Context) error {
	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai probe: %w", err)
	}
	return nil
}

// Cleanup releases nothing; the client holds no connections of its own.
func (p *Platform) Cleanup() error { return nil }

// Process sends the message as a single-turn completion.
func (p *Platform) Process(ctx context.Context, msg *platform.Message) (*platform.Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: msg.Content,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &platform.Result{
		Content:     strings.TrimSpace(resp.Choices[0].Message.Content),
		ShouldReply: true,
		Raw: map[string]interface{}{
			"model":             resp.Model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}
