package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TempIDPrefix marks client-generated ids so they never collide with server ids.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh correlation token.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// pushChannel is the part of ConnectionManager used for sends.
type pushChannel interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
}

// Conversation identifies the two parties of the active room.
type Conversation struct {
	Self   Participant
	Peer   Participant
	RoomID string
}

// OutboundCoordinator turns send intents into pending messages and delivers
// them over the push channel or the HTTP fallback.
type OutboundCoordinator struct {
	store  *ConversationStore
	push   pushChannel
	api    API
	log    zerolog.Logger
	notify func(Notice)
	async  func(func(ctx context.Context))

	mu    sync.Mutex
	files map[string]FileUpload // temp id → file not yet uploaded
}

// NewOutboundCoordinator creates a coordinator. async runs background work
// (HTTP fallback, uploads); it must not block the caller.
func NewOutboundCoordinator(store *ConversationStore, push pushChannel, api API, log zerolog.Logger, notify func(Notice), async func(func(ctx context.Context))) *OutboundCoordinator {
	if notify == nil {
		notify = func(Notice) {}
	}
	if async == nil {
		async = func(fn func(ctx context.Context)) { go fn(context.Background()) }
	}
	return &OutboundCoordinator{
		store:  store,
		push:   push,
		api:    api,
		log:    log.With().Str(FieldComponent, "outbound").Logger(),
		notify: notify,
		async:  async,
		files:  make(map[string]FileUpload),
	}
}

// Send inserts a pending message and starts delivering it.
//
// The pending message is in the store before any network call is made and
// is returned to the caller. Delivery outcome is observed through the store
// and notices.
func (o *OutboundCoordinator) Send(ctx context.Context, conv Conversation, d Draft) (Message, error) {
	text := strings.TrimSpace(d.Text)
	if text == "" && d.File == nil {
		return Message{}, ErrEmptyMessage
	}
	if conv.RoomID == "" || conv.Peer.ID == "" {
		return Message{}, ErrNoActiveRoom
	}

	msg := Message{
		TempID:     NewTempID(),
		RoomID:     RoomID(conv.Self.ID, conv.Peer.ID),
		SenderID:   conv.Self.ID,
		SenderName: conv.Self.Name,
		ReceiverID: conv.Peer.ID,
		Text:       text,
		Timestamp:  nowTimestamp(),
		Pending:    true,
	}
	if d.File != nil {
		file := *d.File
		if file.MimeType == "" {
			file.MimeType = guessMimeType(file.Name)
		}
		msg.Attachment = &Attachment{
			Kind:      attachmentKind("", file.MimeType),
			Name:      file.Name,
			MimeType:  file.MimeType,
			SizeBytes: int64(len(file.Data)),
		}
		if msg.Text == "" {
			msg.Text = attachmentPlaceholder(msg.Attachment)
		}
		o.store.Prepend(msg.RoomID, msg)
		o.keepFile(msg.TempID, file)
		o.async(func(ctx context.Context) { o.uploadAndDeliver(ctx, msg) })
		return msg.clone(), nil
	}

	o.store.Prepend(msg.RoomID, msg)
	o.deliver(ctx, msg)
	return msg.clone(), nil
}

// Resend delivers a still-pending message again without adding an entry.
func (o *OutboundCoordinator) Resend(ctx context.Context, roomID, tempID string) error {
	msg, ok := o.store.PendingByTempID(roomID, tempID)
	if !ok {
		return ErrUnknownMessage
	}
	if msg.Attachment != nil && msg.Attachment.URL == "" {
		if _, ok := o.file(tempID); !ok {
			return errors.New("chatsync: attachment data is no longer available")
		}
		o.async(func(ctx context.Context) { o.uploadAndDeliver(ctx, msg) })
		return nil
	}
	o.deliver(ctx, msg)
	return nil
}

func (o *OutboundCoordinator) deliver(ctx context.Context, msg Message) {
	payload := payloadFor(msg)
	if o.push.Connected() {
		err := o.push.Emit(ctx, CmdSendMessage, payload)
		if err == nil {
			o.log.Debug().Str(FieldRoomID, msg.RoomID).Str(FieldTempID, msg.TempID).Msg("sent over push channel")
			return
		}
		o.log.Warn().Err(err).Str(FieldTempID, msg.TempID).Msg("push send failed, using HTTP")
	}
	o.async(func(ctx context.Context) { o.sendHTTP(ctx, payload) })
}

func (o *OutboundCoordinator) sendHTTP(ctx context.Context, payload OutboundPayload) {
	resp, err := o.api.Send(ctx, payload)
	if err != nil {
		o.log.Warn().Err(err).Str(FieldRoomID, payload.RoomID).Str(FieldTempID, payload.TempID).Msg("HTTP send failed")
		o.notify(Notice{Kind: NoticeDeliveryFailed, RoomID: payload.RoomID, TempID: payload.TempID, Err: err})
		return
	}

	confirmed := Normalize(resp)
	if confirmed.TempID == "" {
		confirmed.TempID = payload.TempID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = payload.SenderID
	}
	result := o.store.Confirm(payload.RoomID, confirmed)
	o.log.Debug().
		Str(FieldRoomID, payload.RoomID).
		Str(FieldTempID, payload.TempID).
		Str(FieldMessageID, confirmed.ID).
		Stringer(FieldResult, result).
		Msg("HTTP send confirmed")
}

func (o *OutboundCoordinator) uploadAndDeliver(ctx context.Context, msg Message) {
	file, ok := o.file(msg.TempID)
	if !ok {
		return
	}
	res, err := o.api.Upload(ctx, file)
	if err != nil {
		o.log.Warn().Err(err).Str(FieldTempID, msg.TempID).Msg("upload failed")
		o.notify(Notice{Kind: NoticeUploadFailed, RoomID: msg.RoomID, TempID: msg.TempID, Err: err})
		return
	}
	o.dropFile(msg.TempID)

	updated, ok := o.store.UpdatePending(msg.RoomID, msg.TempID, func(m *Message) {
		if m.Attachment == nil {
			m.Attachment = &Attachment{}
		}
		m.Attachment.URL = res.URL
		m.Attachment.Name = res.FileName
		m.Attachment.MimeType = res.FileType
		m.Attachment.SizeBytes = res.Size
		m.Attachment.Kind = attachmentKind("", res.FileType)
	})
	if !ok {
		return
	}
	o.deliver(ctx, updated)
}

func (o *OutboundCoordinator) keepFile(tempID string, f FileUpload) {
	o.mu.Lock()
	o.files[tempID] = f
	o.mu.Unlock()
}

func (o *OutboundCoordinator) file(tempID string) (FileUpload, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[tempID]
	return f, ok
}

func (o *OutboundCoordinator) dropFile(tempID string) {
	o.mu.Lock()
	delete(o.files, tempID)
	o.mu.Unlock()
}
