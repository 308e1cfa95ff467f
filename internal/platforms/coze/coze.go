// Package coze implements the Coze bot platform. A chat is three phases:
// create via /v3/chat, poll /v3/chat/retrieve until the run completes,
// then read the assistant answer from /v3/chat/message/list. When
// continuous conversation is configured the returned conversation id is
// persisted for the next turn.
package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Kind is the registry name of this platform type.
const Kind = "coze"

func init() {
	if err := platform.Register(Kind, func() platform.Platform { return &Platform{} }); err != nil {
		panic(err)
	}
}

const defaultAPIBase = "https://api.coze.cn"

// Polling schedule: three quick probes, then multiplicative backoff
// capped at 5s, for at most 60 attempts.
const (
	pollQuickAttempts = 3
	pollQuickInterval = time.Second
	pollGrowth        = 1.5
	pollMaxInterval   = 5 * time.Second
	pollMaxAttempts   = 60
)

type config struct {
	APIBase                string `json:"api_base"`
	APIKey                 string `json:"api_key"`
	WorkspaceID            string `json:"workspace_id"`
	BotID                  string `json:"bot_id"`
	ContinuousConversation bool   `json:"continuous_conversation"`
	MessageSendMode        string `json:"message_send_mode"`
}

// Platform calls the Coze v3 chat API.
type Platform struct {
	id   string
	name string
	cfg  config
	mode platform.SendMode
	http *http.Client

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ID returns the stable platform id.
func (p *Platform) ID() string { return p.id }

// Name returns the human-readable platform name.
func (p *Platform) Name() string { return p.name }

// Kind returns "coze".
func (p *Platform) Kind() string { return Kind }

// SendMode reports how replies are sent.
func (p *Platform) SendMode() platform.SendMode { return p.mode }

// Init parses the config. No network I/O.
func (p *Platform) Init(cfg *platform.Config) error {
	p.id = cfg.ID
	p.name = cfg.Name

	if err := json.Unmarshal(cfg.Raw, &p.cfg); err != nil {
		return fmt.Errorf("parse coze config: %w", err)
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("coze platform %s: api_key is required", cfg.ID)
	}
	if p.cfg.BotID == "" {
		return fmt.Errorf("coze platform %s: bot_id is required", cfg.ID)
	}
	if p.cfg.APIBase == "" {
		p.cfg.APIBase = defaultAPIBase
	}
	p.cfg.APIBase = strings.TrimRight(p.cfg.APIBase, "/")
	p.mode = platform.ParseSendMode(p.cfg.MessageSendMode)
	p.http = &http.Client{Timeout: 30 * time.Second}
	p.sleep = sleepCtx
	return nil
}

// TestConnection creates a throwaway chat to prove token and bot id.
func (p *Platform) TestConnection(ctx context.Context) error {
	_, _, err := p.createChat(ctx, "ping", "connection-test", "")
	if err != nil {
		return fmt.Errorf("coze probe: %w", err)
	}
	return nil
}

// Cleanup releases nothing.
func (p *Platform) Cleanup() error { return nil }

// Process runs the three-phase chat flow.
func (p *Platform) Process(ctx context.Context, msg *platform.Message) (*platform.Result, error) {
	conversationID := ""
	if p.cfg.ContinuousConversation {
		conversationID = msg.ConversationID
	}

	convID, chatID, err := p.createChat(ctx, msg.Content, msg.UserID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := p.waitCompleted(ctx, convID, chatID); err != nil {
		return nil, err
	}

	answer, err := p.fetchAnswer(ctx, convID, chatID)
	if err != nil {
		return nil, err
	}

	res := &platform.Result{
		Content:     answer,
		ShouldReply: true,
	}
	if p.cfg.ContinuousConversation {
		res.ConversationID = convID
	}
	return res, nil
}

// cozeEnvelope is the v3 API response wrapper.
type cozeEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (p *Platform) createChat(ctx context.Context, content, userID, conversationID string) (convID, chatID string, err error) {
	if userID == "" {
		userID = "wxauto-mgt"
	}
	payload := map[string]interface{}{
		"bot_id":            p.cfg.BotID,
		"user_id":           userID,
		"stream":            false,
		"auto_save_history": true,
		"additional_messages": []map[string]string{
			{"role": "user", "content": content, "content_type": "text"},
		},
	}
	if conversationID != "" {
		payload["conversation_id"] = conversationID
	}

	data, err := p.call(ctx, http.MethodPost, "/v3/chat", nil, payload)
	if err != nil {
		return "", "", err
	}

	var out struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", "", fmt.Errorf("decode chat create response: %w", err)
	}
	if out.ID == "" {
		return "", "", fmt.Errorf("chat create returned no chat id")
	}
	return out.ConversationID, out.ID, nil
}

// waitCompleted polls the chat run until it reaches a terminal status.
func (p *Platform) waitCompleted(ctx context.Context, convID, chatID string) error {
	interval := pollQuickInterval
	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, interval); err != nil {
				return err
			}
			if attempt >= pollQuickAttempts {
				interval = time.Duration(float64(interval) * pollGrowth)
				if interval > pollMaxInterval {
					interval = pollMaxInterval
				}
			}
		}

		q := url.Values{}
		q.Set("conversation_id", convID)
		q.Set("chat_id", chatID)
		data, err := p.call(ctx, http.MethodGet, "/v3/chat/retrieve", q, nil)
		if err != nil {
			return err
		}

		var out struct {
			Status        string `json:"status"`
			LastError     *struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			} `json:"last_error"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode chat retrieve response: %w", err)
		}

		switch out.Status {
		case "completed":
			return nil
		case "failed", "requires_action", "canceled":
			if out.LastError != nil && out.LastError.Msg != "" {
				return fmt.Errorf("coze chat %s: %s (code %d)", out.Status, out.LastError.Msg, out.LastError.Code)
			}
			return fmt.Errorf("coze chat ended with status %s", out.Status)
		}
	}
	return fmt.Errorf("coze chat did not complete after %d polls", pollMaxAttempts)
}

// fetchAnswer reads the message list and picks the assistant answer.
func (p *Platform) fetchAnswer(ctx context.Context, convID, chatID string) (string, error) {
	q := url.Values{}
	q.Set("conversation_id", convID)
	q.Set("chat_id", chatID)
	data, err := p.call(ctx, http.MethodGet, "/v3/chat/message/list", q, nil)
	if err != nil {
		return "", err
	}

	var msgs []struct {
		Role    string `json:"role"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		return "", fmt.Errorf("decode message list: %w", err)
	}

	for _, m := range msgs {
		if m.Role == "assistant" && m.Type == "answer" {
			return m.Content, nil
		}
	}
	return "", fmt.Errorf("no assistant answer in completed chat")
}

func (p *Platform) call(ctx context.Context, method, path string, query url.Values, payload interface{}) (json.RawMessage, error) {
	u := p.cfg.APIBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal coze request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create coze request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coze call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("coze call %s: http %d: %s", path, resp.StatusCode, raw)
	}

	var env cozeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode coze envelope from %s: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("coze call %s: code %d: %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
