package chatsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timestampLayout is used for client-assigned timestamps.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func nowTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// Normalize maps a wire object in either naming convention onto a Message.
//
// Missing fields stay zero. The result may be Empty; callers decide whether
// to drop it.
func Normalize(wire map[string]any) Message {
	m := Message{
		ID:         pickString(wire, "id", "_id", "messageId", "message_id"),
		TempID:     pickString(wire, "tempId", "temp_id"),
		RoomID:     pickString(wire, "roomId", "room_id"),
		SenderID:   pickString(wire, "senderId", "sender_id"),
		SenderName: pickString(wire, "senderName", "sender_name"),
		ReceiverID: pickString(wire, "receiverId", "receiver_id"),
		Text:       pickString(wire, "text", "content"),
		Timestamp:  pickTimestamp(wire, "timestamp", "created_at", "createdAt"),
	}

	url := pickString(wire, "fileUrl", "file_url")
	if pickBool(wire, "isAttachment", "is_attachment") || url != "" {
		a := &Attachment{
			URL:       url,
			Name:      pickString(wire, "fileName", "file_name"),
			MimeType:  pickString(wire, "fileType", "file_type"),
			SizeBytes: pickInt(wire, "fileSize", "file_size"),
		}
		a.Kind = attachmentKind(pickString(wire, "attachmentType", "attachment_type"), a.MimeType)
		if a.URL != "" || a.Name != "" {
			m.Attachment = a
		}
	}
	if m.Text == "" && m.Attachment != nil {
		m.Text = attachmentPlaceholder(m.Attachment)
	}
	return m
}

// NormalizeJSON decodes one wire object and normalizes it.
func NormalizeJSON(data []byte) (Message, error) {
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return Normalize(wire), nil
}

func attachmentKind(declared, mimeType string) AttachmentKind {
	switch strings.ToLower(declared) {
	case "image":
		return AttachmentImage
	case "document", "file", "pdf":
		return AttachmentDocument
	}
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return AttachmentImage
	}
	return AttachmentDocument
}

func attachmentPlaceholder(a *Attachment) string {
	if a.Kind == AttachmentImage {
		return "[Image]"
	}
	if a.Name == "" {
		return "[Document]"
	}
	return "[Document] " + a.Name
}

// ── field pickers ──────────────────────────────────────────

func pickString(wire map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := wire[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func pickBool(wire map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := wire[k].(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		case float64:
			return v != 0
		}
	}
	return false
}

func pickInt(wire map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := wire[k].(type) {
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				return int64(v)
			}
		case int:
			return int64(v)
		case int64:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// pickTimestamp accepts ISO-8601 strings as-is and epoch milliseconds.
func pickTimestamp(wire map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := wire[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 {
				return time.UnixMilli(int64(v)).UTC().Format(timestampLayout)
			}
		}
	}
	return ""
}

// parseTimestamp returns the zero time for values it cannot read.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
