package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", WithToken(StaticToken("tok")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientHistory(t *testing.T) {
	bodies := map[string]any{
		"bare":      []any{map[string]any{"id": "m1"}},
		"enveloped": map[string]any{"ok": true, "data": []any{map[string]any{"id": "m1"}}},
		"messages":  map[string]any{"messages": []any{map[string]any{"id": "m1"}}},
		"nested":    map[string]any{"ok": true, "data": map[string]any{"messages": []any{map[string]any{"id": "m1"}}}},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/chat/history/u1-u2", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				writeJSON(w, http.StatusOK, body)
			})

			list, err := c.History(context.Background(), "u1-u2")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "m1", list[0]["id"])
		})
	}
}

func TestClientSend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p OutboundPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "tmp-1", p.TempID)
		assert.Equal(t, "u1-u2", p.RoomID)

		writeJSON(w, http.StatusCreated, map[string]any{
			"ok":   true,
			"data": map[string]any{"message": map[string]any{"_id": "m100", "tempId": p.TempID, "content": p.Text}},
		})
	})

	resp, err := c.Send(context.Background(), OutboundPayload{TempID: "tmp-1", RoomID: "u1-u2", SenderID: "u1", ReceiverID: "u2", Text: "hi"})
	require.NoError(t, err)
	msg := Normalize(resp)
	assert.Equal(t, "m100", msg.ID)
	assert.Equal(t, "tmp-1", msg.TempID)
	assert.Equal(t, "hi", msg.Text)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   APIError
	}{
		{"nested error", 500, map[string]any{"error": map[string]any{"code": "DB_DOWN", "message": "boom"}}, APIError{Status: 500, Code: "DB_DOWN", Message: "boom"}},
		{"string error", 401, map[string]any{"error": "unauthorized"}, APIError{Status: 401, Message: "unauthorized"}},
		{"message field", 404, map[string]any{"message": "no such room"}, APIError{Status: 404, Message: "no such room"}},
		{"ok false", 200, map[string]any{"ok": false, "error": map[string]any{"code": "BLOCKED", "message": "blocked"}}, APIError{Code: "BLOCKED", Message: "blocked"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.History(context.Background(), "u1-u2")
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.want, *apiErr)
		})
	}

	t.Run("plain text", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		})
		_, err := c.Send(context.Background(), OutboundPayload{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 502, apiErr.Status)
		assert.Equal(t, "bad gateway", apiErr.Message)
		assert.Equal(t, "HTTP 502: bad gateway", apiErr.Error())
	})
}

func TestClientUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/upload", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "scan.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		assert.Equal(t, "png-bytes", string(data))

		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": map[string]any{"url": "https://cdn/scan.png"}})
	})

	res, err := c.Upload(context.Background(), FileUpload{Name: "scan.png", Data: []byte("png-bytes")})
	require.NoError(t, err)
	assert.Equal(t, &UploadResult{URL: "https://cdn/scan.png", FileName: "scan.png", FileType: "image/png", Size: 9}, res)
}

func TestClientUploadValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "x"})
	})

	_, err := c.Upload(context.Background(), FileUpload{Data: []byte("x")})
	assert.Error(t, err)

	_, err = c.Upload(context.Background(), FileUpload{Name: "big.bin", Data: make([]byte, MaxUploadSize+1)})
	assert.ErrorContains(t, err, "maximum size")

	_, err = c.Upload(context.Background(), FileUpload{Name: "x.txt", Data: []byte("x")})
	assert.ErrorContains(t, err, "no url")
}

func TestClientEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/support/history/1-2", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithEndpoints(Endpoints{History: "/support/history"}), WithHTTPClient(srv.Client()))
	assert.Equal(t, srv.URL, c.BaseURL())
	list, err := c.History(context.Background(), "1-2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"a.png":   "image/png",
		"a.JPG":   "image/jpeg",
		"a.pdf":   "application/pdf",
		"a.heic":  "image/heic",
		"a.docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"noext":   "application/octet-stream",
		"a.zzzzz": "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, guessMimeType(name), name)
	}
}

func TestReadFileUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	f, err := ReadFileUpload(path)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", f.Name)
	assert.Equal(t, "application/pdf", f.MimeType)
	assert.Equal(t, []byte("%PDF-1.4"), f.Data)

	_, err = ReadFileUpload(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
