// Package chatsync is the real-time chat synchronization core of the
// healthcare-events mobile client.
//
// It keeps one two-party conversation live over a WebSocket push channel with
// a REST fallback, merges messages from both channels without duplicates and
// reconciles optimistic local messages with their server copies.
//
// Example:
//
//	client := chatsync.NewClient("https://api.example.org", chatsync.WithToken(tokenFn))
//	transport := chatsync.NewWebSocketTransport("https://api.example.org", tokenFn)
//	session := chatsync.NewSession(me, client, transport)
//	defer session.Shutdown()
//
//	session.On(chatsync.EventMessages, func(_ string, _ any) { render(session.Messages()) })
//	session.Open(chatsync.Participant{ID: "42", Name: "Dr. Rao"})
//	session.Send(ctx, chatsync.Draft{Text: "hello"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	// MaxUploadSize is the largest attachment accepted by Upload.
	MaxUploadSize = 25 * 1024 * 1024
)

// API is the request/response side of the chat backend.
type API interface {
	History(ctx context.Context, roomID string) ([]map[string]any, error)
	Send(ctx context.Context, payload OutboundPayload) (map[string]any, error)
	Upload(ctx context.Context, file FileUpload) (*UploadResult, error)
}

// TokenSource returns the current bearer credential. It is called per request.
type TokenSource func() string

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Endpoints are the REST paths used by Client.
type Endpoints struct {
	History string // GET {History}/{roomId}
	Send    string // POST
	Upload  string // POST multipart, field "file"
}

// DefaultEndpoints are the paths of the user-facing chat API.
var DefaultEndpoints = Endpoints{
	History: "/api/chat/history",
	Send:    "/api/chat/messages",
	Upload:  "/api/chat/upload",
}

// ============================================================================
// Client
// ============================================================================

// Client implements API over HTTP.
type Client struct {
	baseURL    string
	token      TokenSource
	endpoints  Endpoints
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithToken(token TokenSource) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithEndpoints(e Endpoints) ClientOption {
	return func(c *Client) { c.endpoints = e }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: DefaultEndpoints,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// History fetches the room's messages as raw wire objects.
func (c *Client) History(ctx context.Context, roomID string) ([]map[string]any, error) {
	data, err := c.doRequest(ctx, "GET", c.endpoints.History+"/"+url.PathEscape(roomID), nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

// Send posts a message and returns the server's copy.
func (c *Client) Send(ctx context.Context, payload OutboundPayload) (map[string]any, error) {
	data, err := c.doRequest(ctx, "POST", c.endpoints.Send, payload)
	if err != nil {
		return nil, err
	}
	return decodeObject(data)
}

// Upload stores a file and returns its public location.
func (c *Client) Upload(ctx context.Context, file FileUpload) (*UploadResult, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if len(file.Data) > MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d MB", MaxUploadSize/(1024*1024))
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(fileHeader(file.Name, mimeType))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+c.endpoints.Upload, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	res := &UploadResult{
		URL:      pickString(obj, "url", "fileUrl", "file_url"),
		FileName: pickString(obj, "fileName", "file_name", "name"),
		FileType: pickString(obj, "fileType", "file_type", "mimeType"),
		Size:     pickInt(obj, "size", "fileSize", "file_size"),
	}
	if res.URL == "" {
		return nil, fmt.Errorf("upload response has no url")
	}
	if res.FileName == "" {
		res.FileName = file.Name
	}
	if res.FileType == "" {
		res.FileType = mimeType
	}
	if res.Size == 0 {
		res.Size = int64(len(file.Data))
	}
	return res, nil
}

// ReadFileUpload loads a local file for sending.
func ReadFileUpload(path string) (*FileUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	name := filepath.Base(path)
	return &FileUpload{Name: name, MimeType: guessMimeType(name), Data: data}, nil
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token == nil {
		return
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func apiError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Code, e.Message = env.Code, env.Message
		var nested APIError
		var text string
		switch {
		case json.Unmarshal(env.Error, &nested) == nil && nested.Message != "":
			e.Code, e.Message = nested.Code, nested.Message
		case json.Unmarshal(env.Error, &text) == nil && text != "":
			e.Message = text
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// unwrap peels the {ok, data, error} envelope when present.
func unwrap(data []byte) ([]byte, error) {
	var env struct {
		OK    *bool           `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *APIError       `json:"error"`
	}
	if json.Unmarshal(data, &env) != nil {
		return data, nil
	}
	if env.OK != nil && !*env.OK {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, &APIError{Message: "request failed"}
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data, nil
	}
	return data, nil
}

func decodeList(data []byte) ([]map[string]any, error) {
	inner, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(inner, &list); err == nil {
		return list, nil
	}
	var obj struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(inner, &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return obj.Messages, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	inner, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(inner, &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if nested, ok := obj["message"].(map[string]any); ok {
		return nested, nil
	}
	return obj, nil
}

func fileHeader(name, mimeType string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name})},
		"Content-Type":        {mimeType},
	}
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".heic": "image/heic", ".webp": "image/webp",
		".doc": "application/msword", ".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
