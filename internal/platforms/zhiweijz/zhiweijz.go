// Package zhiweijz implements the smart-accounting platform. It keeps a
// JWT session against a zhiweijz server, forwards each message to the
// smart-accounting endpoint and formats the booked entry into a
// human-readable reply. A message the server deems unrelated to
// accounting is a decline, not an error.
package zhiweijz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Kind is the registry name of this platform type.
const Kind = "zhiweijz"

func init() {
	if err := platform.Register(Kind, func() platform.Platform { return &Platform{} }); err != nil {
		panic(err)
	}
}

// tokenSafetyWindow renews the JWT this long before its exp claim.
const tokenSafetyWindow = 5 * time.Minute

// irrelevantMarker is the server's body text for a message that is not an
// accounting instruction.
const irrelevantMarker = "消息与记账无关"

// irrelevantReply is sent back when the config asks to warn the user.
const irrelevantReply = "这条消息看起来与记账无关，请描述一笔收入或支出。"

type config struct {
	ServerURL        string  `json:"server_url"`
	Username         string  `json:"username"`
	Password         string  `json:"password"`
	AccountBookID    string  `json:"account_book_id"`
	AutoLogin        bool    `json:"auto_login"`
	WarnOnIrrelevant bool    `json:"warn_on_irrelevant"`
	RequestTimeout   float64 `json:"request_timeout"`
	MessageSendMode  string  `json:"message_send_mode"`
}

// Platform calls a zhiweijz accounting server.
type Platform struct {
	id   string
	name string
	cfg  config
	mode platform.SendMode
	http *http.Client

	timeout time.Duration

	// Token state is owned by this worker; access is serialised.
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ID returns the stable platform id.
func (p *Platform) ID() string { return p.id }

// Name returns the human-readable platform name.
func (p *Platform) Name() string { return p.name }

// Kind returns "zhiweijz".
func (p *Platform) Kind() string { return Kind }

// SendMode reports how replies are sent.
func (p *Platform) SendMode() platform.SendMode { return p.mode }

// Init parses the config. No network I/O.
func (p *Platform) Init(cfg *platform.Config) error {
	p.id = cfg.ID
	p.name = cfg.Name

	if err := json.Unmarshal(cfg.Raw, &p.cfg); err != nil {
		return fmt.Errorf("parse zhiweijz config: %w", err)
	}
	if p.cfg.ServerURL == "" {
		return fmt.Errorf("zhiweijz platform %s: server_url is required", cfg.ID)
	}
	if p.cfg.AccountBookID == "" {
		return fmt.Errorf("zhiweijz platform %s: account_book_id is required", cfg.ID)
	}
	if p.cfg.AutoLogin && (p.cfg.Username == "" || p.cfg.Password == "") {
		return fmt.Errorf("zhiweijz platform %s: auto_login needs username and password", cfg.ID)
	}
	p.cfg.ServerURL = strings.TrimRight(p.cfg.ServerURL, "/")

	p.timeout = 30 * time.Second
	if p.cfg.RequestTimeout > 0 {
		p.timeout = time.Duration(p.cfg.RequestTimeout * float64(time.Second))
	}
	p.mode = platform.ParseSendMode(p.cfg.MessageSendMode)
	p.http = &http.Client{Timeout: p.timeout}
	return nil
}

// TestConnection logs in and drops the obtained token state.
func (p *Platform) TestConnection(ctx context.Context) error {
	if err := p.login(ctx); err != nil {
		return fmt.Errorf("zhiweijz probe: %w", err)
	}
	return nil
}

// Cleanup forgets the session token.
func (p *Platform) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.tokenExpiry = time.Time{}
	return nil
}

// Process books the message as an accounting entry. The whole exchange,
// including any re-login, is bounded by the configured request timeout so
// a wedged server cannot stall the delivery worker.
func (p *Platform) Process(ctx context.Context, msg *platform.Message) (*platform.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.ensureToken(ctx); err != nil {
		return nil, err
	}

	status, body, err := p.account(ctx, msg)
	if err != nil {
		return nil, err
	}

	// An expired or revoked token gets one fresh login and one retry.
	if status == http.StatusUnauthorized {
		if err := p.login(ctx); err != nil {
			return nil, fmt.Errorf("%w: re-login failed: %v", platform.ErrSessionInvalid, err)
		}
		status, body, err = p.account(ctx, msg)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: unauthorized after re-login", platform.ErrSessionInvalid)
		}
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return &platform.Result{
			Content:     formatEntry(body),
			ShouldReply: true,
		}, nil

	case status == http.StatusBadRequest && strings.Contains(string(body), irrelevantMarker):
		return &platform.Result{
			Content:       irrelevantReply,
			ShouldReply:   p.cfg.WarnOnIrrelevant,
			DeclineReason: "platform_declined",
		}, nil

	default:
		return nil, fmt.Errorf("smart accounting: http %d: %s", status, truncate(string(body), 200))
	}
}

// ensureToken logs in when the token is missing or inside the safety
// window before its exp claim.
func (p *Platform) ensureToken(ctx context.Context) error {
	p.mu.Lock()
	valid := p.token != "" && time.Now().Add(tokenSafetyWindow).Before(p.tokenExpiry)
	p.mu.Unlock()
	if valid {
		return nil
	}
	if !p.cfg.AutoLogin {
		return fmt.Errorf("zhiweijz token missing or expired and auto_login is off")
	}
	return p.login(ctx)
}

func (p *Platform) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"username": p.cfg.Username,
		"password": p.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ServerURL+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("login: http %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out struct {
		Token string `json:"token"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	token := out.Token
	if token == "" {
		token = out.Data.Token
	}
	if token == "" {
		return fmt.Errorf("login response has no token")
	}

	expiry, err := tokenExpiry(token)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	p.mu.Lock()
	p.token = token
	p.tokenExpiry = expiry
	p.mu.Unlock()
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server vouches for its own tokens, we only need the deadline.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		// No exp claim: treat as short-lived so it renews each hour.
		return time.Now().Add(time.Hour), nil
	}
	return exp.Time, nil
}

func (p *Platform) account(ctx context.Context, msg *platform.Message) (int, []byte, error) {
	payload := map[string]string{
		"description":   msg.Content,
		"accountBookId": p.cfg.AccountBookID,
	}
	if msg.UserID != "" {
		payload["userName"] = msg.UserID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal accounting request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ServerURL+"/api/ai/smart-accounting/direct", bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("create accounting request: %w", err)
	}
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("accounting request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

// entry is the booked record as the server reports it.
type entry struct {
	Amount       float64 `json:"amount"`
	Type         string  `json:"type"`
	CategoryName string  `json:"categoryName"`
	BudgetName   string  `json:"budgetName"`
	Note         string  `json:"note"`
	Date         string  `json:"date"`
}

// categoryIcons decorates the reply per category; unknown categories get
// the ledger icon.
var categoryIcons = map[string]string{
	"餐饮": "🍔", "交通": "🚗", "购物": "🛍️", "娱乐": "🎮",
	"医疗": "🏥", "住房": "🏠", "教育": "📚", "日用": "🧻",
	"通讯": "📱", "水电": "💡", "工资": "💰", "奖金": "🎁",
	"理财": "📈", "转账": "💱",
}

func categoryIcon(name string) string {
	if icon, ok := categoryIcons[name]; ok {
		return icon
	}
	return "📝"
}

// formatEntry turns the server response into the reply sent back to the
// chat. A response that does not decode still yields a generic success
// line rather than an error; the entry is already booked at this point.
func formatEntry(body []byte) string {
	var e entry
	// Some server versions nest the record under data.
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 && wrapped.Data[0] == '{' {
		body = wrapped.Data
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Amount == 0 {
		return "记账成功 ✅"
	}

	direction := "支出"
	switch strings.ToUpper(e.Type) {
	case "INCOME", "收入":
		direction = "收入"
	}

	var b strings.Builder
	b.WriteString("记账成功 ✅\n")
	fmt.Fprintf(&b, "💰 金额：%.2f（%s）\n", e.Amount, direction)
	if e.CategoryName != "" {
		fmt.Fprintf(&b, "%s 分类：%s\n", categoryIcon(e.CategoryName), e.CategoryName)
	}
	if e.BudgetName != "" {
		fmt.Fprintf(&b, "📅 预算：%s\n", e.BudgetName)
	}
	if e.Note != "" {
		fmt.Fprintf(&b, "🗒 备注：%s\n", e.Note)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
