// Package dify implements the Dify chat platform. Replies come from a
// blocking /chat-messages call; file attachments are uploaded first via
// /files/upload and referenced by id. A stale conversation id is retried
// once without the id, and the caller is told to invalidate its mapping.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Kind is the registry name of this platform type.
const Kind = "dify"

func init() {
	if err := platform.Register(Kind, func() platform.Platform { return &Platform{} }); err != nil {
		panic(err)
	}
}

type config struct {
	APIBase         string `json:"api_base"`
	APIKey          string `json:"api_key"`
	UserID          string `json:"user_id"`
	MessageSendMode string `json:"message_send_mode"`
}

// Platform calls a Dify application API.
type Platform struct {
	id   string
	name string
	cfg  config
	mode platform.SendMode
	http *http.Client
}

// Compile-time check: dify accepts file attachments via upload.
var _ platform.Uploader = (*Platform)(nil)

// ID returns the stable platform id.
func (p *Platform) ID() string { return p.id }

// Name returns the human-readable platform name.
func (p *Platform) Name() string { return p.name }

// Kind returns "dify".
func (p *Platform) Kind() string { return Kind }

// SendMode reports how replies are sent.
func (p *Platform) SendMode() platform.SendMode { return p.mode }

// Init parses the config. No network I/O.
func (p *Platform) Init(cfg *platform.Config) error {
	p.id = cfg.ID
	p.name = cfg.Name

	if err := json.Unmarshal(cfg.Raw, &p.cfg); err != nil {
		return fmt.Errorf("parse dify config: %w", err)
	}
	if p.cfg.APIBase == "" {
		return fmt.Errorf("dify platform %s: api_base is required", cfg.ID)
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("dify platform %s: api_key is required", cfg.ID)
	}
	p.cfg.APIBase = strings.TrimRight(p.cfg.APIBase, "/")
	p.mode = platform.ParseSendMode(p.cfg.MessageSendMode)
	p.http = &http.Client{Timeout: 60 * time.Second}
	return nil
}

// TestConnection sends a minimal blocking query.
func (p *Platform) TestConnection(ctx context.Context) error {
	_, _, err := p.chat(ctx, "ping", "connection-test", "", nil)
	if err != nil {
		return fmt.Errorf("dify probe: %w", err)
	}
	return nil
}

// Cleanup releases nothing.
func (p *Platform) Cleanup() error { return nil }

// Process sends the message to /chat-messages. A 404 on a known
// conversation id means the upstream session is gone: the call is retried
// once without the id and the result instructs the pipeline to drop the
// stored mapping.
func (p *Platform) Process(ctx context.Context, msg *platform.Message) (*platform.Result, error) {
	var files []fileRef
	if msg.UploadFileID != "" {
		files = []fileRef{{
			UploadFileID:   msg.UploadFileID,
			Type:           fileTypeForPath(msg.LocalFilePath),
			TransferMethod: "local_file",
		}}
	}

	user := msg.UserID
	if p.cfg.UserID != "" {
		user = p.cfg.UserID
	}

	answer, convID, err := p.chat(ctx, msg.Content, user, msg.ConversationID, files)
	if isConversationGone(err) && msg.ConversationID != "" {
		answer, convID, err = p.chat(ctx, msg.Content, user, "", files)
		if err != nil {
			return nil, fmt.Errorf("%w: retry without conversation failed: %v", platform.ErrSessionInvalid, err)
		}
		return &platform.Result{
			Content:                answer,
			ShouldReply:            true,
			ConversationID:         convID,
			InvalidateConversation: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &platform.Result{
		Content:        answer,
		ShouldReply:    true,
		ConversationID: convID,
	}, nil
}

// UploadFile pushes a local file to /files/upload and returns the id to
// reference in the next chat call.
func (p *Platform) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	user := p.cfg.UserID
	if user == "" {
		user = "wxauto-mgt"
	}
	if err := mw.WriteField("user", user); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIBase+"/files/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", &apiError{Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload response has no file id")
	}
	return out.ID, nil
}

type fileRef struct {
	UploadFileID   string `json:"upload_file_id"`
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
}

// apiError is a non-2xx Dify response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("dify api: http %d: %s", e.Status, e.Body)
}

func isConversationGone(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func (p *Platform) chat(ctx context.Context, query, user, conversationID string, files []fileRef) (answer, convID string, err error) {
	payload := map[string]interface{}{
		"inputs":        map[string]interface{}{},
		"query":         query,
		"response_mode": "blocking",
		"user":          user,
	}
	if conversationID != "" {
		payload["conversation_id"] = conversationID
	}
	if len(files) > 0 {
		payload["files"] = files
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIBase+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", "", &apiError{Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode chat response: %w", err)
	}
	return out.Answer, out.ConversationID, nil
}

// Extensions treated as documents in Dify file references; images are the
// common raster/vector types, everything else falls back to document.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".svg": true,
}

func fileTypeForPath(path string) string {
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		return "image"
	}
	return "document"
}
