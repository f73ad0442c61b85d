package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyMessage is returned when a draft has neither text nor a file.
	ErrEmptyMessage = errors.New("chatsync: empty message")
	// ErrNoActiveRoom is returned when sending before a conversation is open.
	ErrNoActiveRoom = errors.New("chatsync: no active room")
	// ErrNotConnected is returned by socket writes while the channel is down.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrServerClosed marks a read error caused by a close frame from the server.
	ErrServerClosed = errors.New("chatsync: server closed connection")
	// ErrUnknownMessage is returned by Resend for a temp id that is not pending.
	ErrUnknownMessage = errors.New("chatsync: no pending message with that temp id")
)

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Messages
// ============================================================================

// Participant is one side of a two-party conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AttachmentKind distinguishes rendered images from downloadable documents.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment describes an uploaded file carried by a message.
type Attachment struct {
	Kind      AttachmentKind `json:"kind"`
	URL       string         `json:"url"`
	Name      string         `json:"name"`
	MimeType  string         `json:"mimeType"`
	SizeBytes int64          `json:"sizeBytes"`
}

// Message is one chat message in canonical form.
//
// ID is empty while the message is pending. TempID is assigned by the sending
// client and survives confirmation so the server copy can be matched exactly.
type Message struct {
	ID         string      `json:"id,omitempty"`
	TempID     string      `json:"tempId,omitempty"`
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	ReceiverID string      `json:"receiverId,omitempty"`
	Text       string      `json:"text"`
	Timestamp  string      `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Pending    bool        `json:"pending"`
}

// Empty reports whether the message has nothing to render.
func (m Message) Empty() bool {
	return m.Text == "" && m.Attachment == nil
}

func (m Message) clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// ConversationEntry is a room and its messages, newest first.
type ConversationEntry struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// ============================================================================
// Outbound
// ============================================================================

// FileUpload is a local file to attach to an outgoing message.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is what the user asked to send.
type Draft struct {
	Text string
	File *FileUpload
}

// UploadResult is the upload endpoint's response.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
}

// OutboundPayload is the body of send_message and of the HTTP send call.
type OutboundPayload struct {
	TempID         string `json:"tempId"`
	RoomID         string `json:"roomId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`
	IsAttachment   bool   `json:"isAttachment,omitempty"`
	AttachmentType string `json:"attachmentType,omitempty"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
}

func payloadFor(m Message) OutboundPayload {
	p := OutboundPayload{
		TempID:     m.TempID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
	}
	if a := m.Attachment; a != nil {
		p.IsAttachment = true
		p.AttachmentType = string(a.Kind)
		p.FileURL = a.URL
		p.FileName = a.Name
		p.FileType = a.MimeType
		p.FileSize = a.SizeBytes
	}
	return p
}

// ============================================================================
// Socket wire format
// ============================================================================

// Client commands.
const (
	CmdJoinRoom    = "join_room"
	CmdSendMessage = "send_message"
)

// Server events.
const (
	EvtReceiveMessage = "receive_message"
	EvtMessageSent    = "message_sent"
	EvtError          = "error"
)

// Envelope is the wire format for server events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type joinPayload struct {
	RoomID string `json:"roomId"`
}

// ServerErrorPayload is the body of an error event.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Session events
// ============================================================================

// Session event names passed to Session.On.
const (
	EventMessages   = "messages.changed"
	EventConnection = "connection.state"
	EventNotice     = "notice"
)

// NoticeKind classifies user-visible, non-blocking problems.
type NoticeKind string

const (
	NoticeDeliveryFailed     NoticeKind = "delivery_failed"
	NoticeUploadFailed       NoticeKind = "upload_failed"
	NoticeHistoryFailed      NoticeKind = "history_failed"
	NoticeReconnectExhausted NoticeKind = "reconnect_exhausted"
)

// Notice is emitted with EventNotice.
type Notice struct {
	Kind   NoticeKind
	RoomID string
	TempID string
	Err    error
}
