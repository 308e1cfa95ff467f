// Package instance talks to the remote WeChat automation daemons over
// their HTTP API: message polling, listener subscription and outbound
// sends. One Client per configured instance; all calls to the same
// daemon are serialised because the daemon drives a single UI.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 30 * time.Second

// ClientConfig describes one remote daemon connection.
type ClientConfig struct {
	InstanceID string
	BaseURL    string
	APIKey     string

	// Timeout bounds each HTTP call. Default 30s.
	Timeout time.Duration

	// Outbound send budget. Defaults: 20 per minute, burst 5.
	SendPerMinute int
	SendBurst     int

	// Typing-mode chunking. Defaults: 5 runes every 150ms.
	TypingChunkSize  int
	TypingChunkDelay time.Duration

	Log *slog.Logger
}

// Client is an HTTP client for one WeChat automation daemon.
type Client struct {
	id      string
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	limiter          *rate.Limiter
	typingChunkSize  int
	typingChunkDelay time.Duration

	// callMu serialises all calls to the daemon.
	callMu sync.Mutex

	apiConnected atomic.Bool
}

// NewClient builds a client from cfg, applying defaults for zero values.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SendPerMinute == 0 {
		cfg.SendPerMinute = 20
	}
	if cfg.SendBurst == 0 {
		cfg.SendBurst = 5
	}
	if cfg.TypingChunkSize == 0 {
		cfg.TypingChunkSize = 5
	}
	if cfg.TypingChunkDelay == 0 {
		cfg.TypingChunkDelay = 150 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		id:               cfg.InstanceID,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		http:             &http.Client{Timeout: cfg.Timeout},
		log:              log.With("instance", cfg.InstanceID),
		limiter:          rate.NewLimiter(rate.Limit(float64(cfg.SendPerMinute)/60.0), cfg.SendBurst),
		typingChunkSize:  cfg.TypingChunkSize,
		typingChunkDelay: cfg.TypingChunkDelay,
	}
}

// ID returns the instance id this client serves.
func (c *Client) ID() string { return c.id }

// APIConnected reports the volatile connection state.
func (c *Client) APIConnected() bool { return c.apiConnected.Load() }

// SetAPIConnected updates the volatile connection state.
func (c *Client) SetAPIConnected(ok bool) { c.apiConnected.Store(ok) }

// APIError is a failed daemon call: either an HTTP-level failure or a
// non-zero business code in the response envelope.
type APIError struct {
	Path       string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode >= 400 {
		return fmt.Sprintf("%s: http %d: %s", e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: code %d: %s", e.Path, e.Code, e.Message)
}

// IsNotFound reports whether err is a daemon 404, which for listener
// calls means the chat window is gone remotely.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsRemoteBusiness reports whether err is a daemon-side rejection rather
// than a transport failure.
func IsRemoteBusiness(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// envelope is the daemon's uniform response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// FlexString tolerates remote fields that arrive as either a JSON string
// or a bare number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.TrimSpace(string(b)))
	return nil
}

func (f FlexString) String() string { return string(f) }

// RawMessage is one message as the daemon reports it.
type RawMessage struct {
	ID           FlexString `json:"id"`
	Sender       string     `json:"sender"`
	SenderRemark string     `json:"sender_remark"`
	Content      string     `json:"content"`
	Kind         string     `json:"type"`
	MType        FlexString `json:"mtype"`
	FilePath     string     `json:"file_path"`
	OriginalPath string     `json:"original_file_path"`
	FileSize     int64      `json:"file_size"`
	CreateTime   int64      `json:"create_time"`
}

// Status is the daemon's self-reported state.
type Status struct {
	Online        bool   `json:"online"`
	UptimeSeconds int64  `json:"uptime"`
	Version       string `json:"version"`
}

// Resources is the daemon host's resource usage.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// UnreadOptions are the attachment-saving flags for the unread poll.
type UnreadOptions struct {
	SavePic   bool
	SaveVideo bool
	SaveFile  bool
	SaveVoice bool
	ParseURL  bool
}

func (o UnreadOptions) query() url.Values {
	q := url.Values{}
	q.Set("savePic", strconv.FormatBool(o.SavePic))
	q.Set("saveVideo", strconv.FormatBool(o.SaveVideo))
	q.Set("saveFile", strconv.FormatBool(o.SaveFile))
	q.Set("saveVoice", strconv.FormatBool(o.SaveVoice))
	q.Set("parseUrl", strconv.FormatBool(o.ParseURL))
	return q
}

// ListenOptions are the attachment-saving flags for a listener.
type ListenOptions struct {
	SavePic   bool
	SaveVideo bool
	SaveFile  bool
	SaveVoice bool
	ParseURL  bool
}

// Initialize brings the remote WeChat client up. Required once before
// polling.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.post(ctx, "/api/wechat/initialize", nil)
	return err
}

// GetStatus fetches the daemon's self-reported state.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	data, err := c.get(ctx, "/api/wechat/status", nil)
	if err != nil {
		return nil, err
	}
	st := &Status{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// GetResources fetches the daemon host's CPU and memory usage.
func (c *Client) GetResources(ctx context.Context) (*Resources, error) {
	data, err := c.get(ctx, "/api/system/resources", nil)
	if err != nil {
		return nil, err
	}
	res := &Resources{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return res, nil
}

// GetUnread polls the main window once for unread messages, grouped by
// chat name.
func (c *Client) GetUnread(ctx context.Context, opts UnreadOptions) (map[string][]*RawMessage, error) {
	data, err := c.get(ctx, "/api/message/get-next-new", opts.query())
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages map[string][]*RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode unread messages: %w", err)
	}
	return payload.Messages, nil
}

// AddListener subscribes the daemon to a chat.
func (c *Client) AddListener(ctx context.Context, chat string, opts ListenOptions) error {
	_, err := c.post(ctx, "/api/message/listen/add", map[string]interface{}{
		"who":       chat,
		"savePic":   opts.SavePic,
		"saveVideo": opts.SaveVideo,
		"saveFile":  opts.SaveFile,
		"saveVoice": opts.SaveVoice,
		"parseUrl":  opts.ParseURL,
	})
	return err
}

// RemoveListener unsubscribes the daemon from a chat.
func (c *Client) RemoveListener(ctx context.Context, chat string) error {
	_, err := c.post(ctx, "/api/message/listen/remove", map[string]interface{}{
		"who": chat,
	})
	return err
}

// GetListenerMessages fetches new messages for one subscribed chat.
func (c *Client) GetListenerMessages(ctx context.Context, chat string) ([]*RawMessage, error) {
	q := url.Values{}
	q.Set("who", chat)
	data, err := c.get(ctx, "/api/message/listen/get", q)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages map[string][]*RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode listener messages: %w", err)
	}
	var msgs []*RawMessage
	for _, chatMsgs := range payload.Messages {
		msgs = append(msgs, chatMsgs...)
	}
	return msgs, nil
}

// Send pushes a text message, optionally at-mentioning users. Subject to
// the per-instance send budget.
func (c *Client) Send(ctx context.Context, receiver, message string, atList []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return c.sendRaw(ctx, receiver, message, atList, "")
}

// SendImage pushes a local image by path.
func (c *Client) SendImage(ctx context.Context, receiver, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return c.sendRaw(ctx, receiver, path, nil, "image")
}

// SendFile pushes a local file by path.
func (c *Client) SendFile(ctx context.Context, receiver, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return c.sendRaw(ctx, receiver, path, nil, "file")
}

// SendTyping pushes a text message in rune chunks with a short pause
// between them, imitating a human typing. The whole reply costs one
// token from the send budget; at-mentions ride on the final chunk.
func (c *Client) SendTyping(ctx context.Context, receiver, message string, atList []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	runes := []rune(message)
	for start := 0; start < len(runes); start += c.typingChunkSize {
		end := start + c.typingChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		last := end == len(runes)

		var chunkAt []string
		if last {
			chunkAt = atList
		}
		if err := c.sendRaw(ctx, receiver, string(runes[start:end]), chunkAt, ""); err != nil {
			return err
		}
		if !last {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.typingChunkDelay):
			}
		}
	}
	return nil
}

func (c *Client) sendRaw(ctx context.Context, receiver, message string, atList []string, fileType string) error {
	payload := map[string]interface{}{
		"receiver": receiver,
		"message":  message,
		"at_list":  atList,
	}
	if fileType != "" {
		payload["file_type"] = fileType
	}
	_, err := c.post(ctx, "/api/message/send", payload)
	return err
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) (json.RawMessage, error) {
	req.Header.Set("X-API-Key", c.apiKey)

	c.callMu.Lock()
	resp, err := c.http.Do(req)
	c.callMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("api call %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response from %s: %w", path, decodeErr)
	}
	if env.Code != 0 {
		return nil, &APIError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
		}
	}
	return env.Data, nil
}
