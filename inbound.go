package chatsync

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"
)

// InboundHandler merges pushed and fetched messages into the store.
type InboundHandler struct {
	self   Participant
	store  *ConversationStore
	api    API
	log    zerolog.Logger
	notify func(Notice)
	active func() string
}

// NewInboundHandler creates a handler for messages addressed to self.
// active returns the room to use when a pushed message names none.
func NewInboundHandler(self Participant, store *ConversationStore, api API, log zerolog.Logger, notify func(Notice), active func() string) *InboundHandler {
	if notify == nil {
		notify = func(Notice) {}
	}
	if active == nil {
		active = store.Active
	}
	return &InboundHandler{
		self:   self,
		store:  store,
		api:    api,
		log:    log.With().Str(FieldComponent, "inbound").Logger(),
		notify: notify,
		active: active,
	}
}

// HandleEnvelope dispatches one server event.
func (h *InboundHandler) HandleEnvelope(env Envelope) {
	switch env.Type {
	case EvtReceiveMessage, EvtMessageSent:
		var raw map[string]any
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			h.log.Warn().Err(err).Str(FieldEvent, env.Type).Msg("malformed payload")
			return
		}
		if env.Type == EvtMessageSent {
			h.OnConfirmation(raw)
		} else {
			h.OnPushMessage(raw)
		}
	case EvtError:
		var p ServerErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.log.Warn().Str(FieldEvent, env.Type).Msg(p.Message)
	default:
		h.log.Debug().Str(FieldEvent, env.Type).Msg("ignoring event")
	}
}

// OnPushMessage applies a message delivered by the push channel.
//
// Known ids are discarded. Messages sent by self are the server copies of
// local pending messages and go through reconciliation instead of insertion.
func (h *InboundHandler) OnPushMessage(raw map[string]any) MergeResult {
	msg := Normalize(raw)
	if msg.Empty() {
		return MergeIgnored
	}
	room := h.roomFor(msg)
	if room == "" {
		h.log.Debug().Str(FieldMessageID, msg.ID).Msg("dropping message without room")
		return MergeIgnored
	}
	if h.store.HasID(room, msg.ID) {
		return MergeDuplicate
	}

	var result MergeResult
	if msg.SenderID != "" && msg.SenderID == h.self.ID {
		result = h.store.Confirm(room, msg)
	} else {
		msg.Pending = false
		if h.store.Prepend(room, msg) {
			result = MergeInserted
		} else {
			result = MergeDuplicate
		}
	}
	h.log.Debug().
		Str(FieldRoomID, room).
		Str(FieldMessageID, msg.ID).
		Str(FieldTempID, msg.TempID).
		Stringer(FieldResult, result).
		Msg("push message")
	return result
}

// OnConfirmation applies an explicit send acknowledgement. Unlike pushed
// messages it may carry only ids and a timestamp.
func (h *InboundHandler) OnConfirmation(raw map[string]any) MergeResult {
	msg := Normalize(raw)
	if msg.SenderID == "" {
		msg.SenderID = h.self.ID
	}
	room := h.roomFor(msg)
	if room == "" {
		return MergeIgnored
	}
	result := h.store.Confirm(room, msg)
	h.log.Debug().
		Str(FieldRoomID, room).
		Str(FieldMessageID, msg.ID).
		Str(FieldTempID, msg.TempID).
		Stringer(FieldResult, result).
		Msg("confirmation")
	return result
}

// OnHistoryLoaded replaces the room with a fetched history.
func (h *InboundHandler) OnHistoryLoaded(roomID string, raw []map[string]any) {
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		m := Normalize(r)
		if m.Empty() {
			continue
		}
		msgs = append(msgs, m)
	}
	sortNewestFirst(msgs)
	h.store.ReplaceHistory(roomID, msgs)
	h.log.Debug().Str(FieldRoomID, roomID).Int(FieldCount, len(msgs)).Msg("history loaded")
}

// LoadHistory fetches the room from the API. Cached messages stay visible
// while the request runs and are kept if it fails.
func (h *InboundHandler) LoadHistory(ctx context.Context, roomID string) error {
	raw, err := h.api.History(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Str(FieldRoomID, roomID).Msg("history fetch failed")
		h.notify(Notice{Kind: NoticeHistoryFailed, RoomID: roomID, Err: err})
		return err
	}
	h.OnHistoryLoaded(roomID, raw)
	return nil
}

// roomFor resolves the room of m: its own room id, the sender and receiver
// pair, the room already holding its temp id, then the active room.
func (h *InboundHandler) roomFor(m Message) string {
	if m.RoomID != "" {
		return m.RoomID
	}
	if m.SenderID != "" && m.ReceiverID != "" {
		return RoomID(m.SenderID, m.ReceiverID)
	}
	if room := h.store.RoomOfTempID(m.TempID); room != "" {
		return room
	}
	return h.active()
}

// sortNewestFirst orders history served oldest first into newest first.
// Unreadable timestamps sort as oldest; ties take the reverse of the served
// order.
func sortNewestFirst(msgs []Message) {
	type keyed struct {
		at  int64
		msg Message
	}
	ks := make([]keyed, len(msgs))
	for i, m := range msgs {
		k := &ks[len(msgs)-1-i]
		k.msg = m
		if t := parseTimestamp(m.Timestamp); !t.IsZero() {
			k.at = t.UnixNano()
		}
	}
	sort.SliceStable(ks, func(a, b int) bool { return ks[a].at > ks[b].at })
	for i := range ks {
		msgs[i] = ks[i].msg
	}
}
