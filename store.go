package chatsync

import (
	"sort"
	"sync"
)

// MergeResult reports how an inbound or confirmed message was applied.
type MergeResult int

const (
	// MergeIgnored: empty message or nothing to do.
	MergeIgnored MergeResult = iota
	// MergeMatchedTempID: updated the entry with the same temp id.
	MergeMatchedTempID
	// MergeMatchedContent: updated the first pending entry with equal text and sender.
	MergeMatchedContent
	// MergeDuplicate: a message with this id is already present.
	MergeDuplicate
	// MergeInserted: prepended as a new message.
	MergeInserted
)

func (r MergeResult) String() string {
	switch r {
	case MergeMatchedTempID:
		return "matched_temp_id"
	case MergeMatchedContent:
		return "matched_content"
	case MergeDuplicate:
		return "duplicate"
	case MergeInserted:
		return "inserted"
	default:
		return "ignored"
	}
}

// ConversationStore is the per-session chat history cache.
//
// Each room holds its messages newest first. The active room's list is the
// live view returned by Messages. All methods are safe for concurrent use and
// every mutation is atomic; snapshots are copies.
type ConversationStore struct {
	mu     sync.RWMutex
	rooms  map[string][]Message
	active string

	onChange func(roomID string)
}

// NewConversationStore creates an empty store. onChange, when non-nil, is
// called after every effective mutation, outside the store lock.
func NewConversationStore(onChange func(roomID string)) *ConversationStore {
	return &ConversationStore{
		rooms:    make(map[string][]Message),
		onChange: onChange,
	}
}

func (s *ConversationStore) changed(roomID string) {
	if s.onChange != nil {
		s.onChange(roomID)
	}
}

// ── Live view ────────────────────────────────────────────

// SetActive makes roomID the live view. Cached messages for the room, if any,
// are visible immediately.
func (s *ConversationStore) SetActive(roomID string) {
	s.mu.Lock()
	if s.active == roomID {
		s.mu.Unlock()
		return
	}
	s.active = roomID
	s.mu.Unlock()
	s.changed(roomID)
}

// Active returns the live room id.
func (s *ConversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Messages returns a snapshot of the live view.
func (s *ConversationStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.rooms[s.active])
}

// ── Reads ────────────────────────────────────────────────

// Snapshot returns a copy of the room's messages, newest first.
func (s *ConversationStore) Snapshot(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.rooms[roomID])
}

// Entry returns the room as a ConversationEntry.
func (s *ConversationStore) Entry(roomID string) ConversationEntry {
	return ConversationEntry{RoomID: roomID, Messages: s.Snapshot(roomID)}
}

// Len returns the number of messages in the room.
func (s *ConversationStore) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// HasID reports whether the room holds a message with the given server id.
func (s *ConversationStore) HasID(roomID, id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexByID(s.rooms[roomID], id) >= 0
}

// Pending returns the room's pending messages, newest first.
func (s *ConversationStore) Pending(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.rooms[roomID] {
		if m.Pending {
			out = append(out, m.clone())
		}
	}
	return out
}

// PendingByTempID returns the pending message with the given temp id.
func (s *ConversationStore) PendingByTempID(roomID, tempID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	if i := indexByTempID(msgs, tempID); i >= 0 && msgs[i].Pending {
		return msgs[i].clone(), true
	}
	return Message{}, false
}

// RoomOfTempID returns the room holding a message with the given temp id, or
// "" when none does.
func (s *ConversationStore) RoomOfTempID(tempID string) string {
	if tempID == "" {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for room, msgs := range s.rooms {
		if indexByTempID(msgs, tempID) >= 0 {
			return room
		}
	}
	return ""
}

// Rooms returns the ids of all cached rooms, sorted.
func (s *ConversationStore) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ── Mutations ────────────────────────────────────────────

// Prepend inserts m at the front of its room. A message whose non-empty id is
// already present is discarded and Prepend returns false.
func (s *ConversationStore) Prepend(roomID string, m Message) bool {
	s.mu.Lock()
	msgs := s.rooms[roomID]
	if m.ID != "" && indexByID(msgs, m.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	m.RoomID = roomID
	s.rooms[roomID] = prepend(msgs, m.clone())
	s.mu.Unlock()
	s.changed(roomID)
	return true
}

// Confirm reconciles a server-confirmed message with the room's list.
//
// Matching order: same temp id; an existing entry with the same id (no-op);
// when c carries no temp id, the first pending entry with the same text and
// sender. The matched entry is updated in place and marked confirmed. With no
// counterpart the message is prepended.
func (s *ConversationStore) Confirm(roomID string, c Message) MergeResult {
	if c.ID == "" && c.TempID == "" && c.Empty() {
		return MergeIgnored
	}

	s.mu.Lock()
	msgs := s.rooms[roomID]
	result := MergeMatchedTempID
	idx := indexByTempID(msgs, c.TempID)
	if idx < 0 && indexByID(msgs, c.ID) >= 0 {
		s.mu.Unlock()
		return MergeDuplicate
	}
	if idx < 0 && c.TempID == "" && c.Text != "" {
		result = MergeMatchedContent
		idx = indexPendingByContent(msgs, c.Text, c.SenderID)
	}

	if idx < 0 {
		if c.Empty() {
			s.mu.Unlock()
			return MergeIgnored
		}
		c.RoomID = roomID
		c.Pending = false
		s.rooms[roomID] = prepend(msgs, c.clone())
		s.mu.Unlock()
		s.changed(roomID)
		return MergeInserted
	}

	msgs[idx] = mergeConfirmed(msgs[idx], c)
	if id := msgs[idx].ID; id != "" {
		msgs = dropOtherID(msgs, idx, id)
	}
	s.rooms[roomID] = msgs
	s.mu.Unlock()
	s.changed(roomID)
	return result
}

// UpdatePending applies fn to the pending message with the given temp id and
// returns the updated copy.
func (s *ConversationStore) UpdatePending(roomID, tempID string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	msgs := s.rooms[roomID]
	i := indexByTempID(msgs, tempID)
	if i < 0 || !msgs[i].Pending {
		s.mu.Unlock()
		return Message{}, false
	}
	fn(&msgs[i])
	msgs[i].Pending = true
	out := msgs[i].clone()
	s.mu.Unlock()
	s.changed(roomID)
	return out, true
}

// ReplaceHistory replaces the room with an authoritative list (newest first).
//
// Pending messages whose temp id does not appear in the list are kept at the
// front. Later duplicates of an id are dropped.
func (s *ConversationStore) ReplaceHistory(roomID string, history []Message) {
	s.mu.Lock()
	seenTemp := make(map[string]bool)
	for _, m := range history {
		if m.TempID != "" {
			seenTemp[m.TempID] = true
		}
	}

	next := make([]Message, 0, len(history))
	for _, m := range s.rooms[roomID] {
		if m.Pending && !seenTemp[m.TempID] {
			next = append(next, m)
		}
	}
	seenID := make(map[string]bool)
	for _, m := range history {
		if m.ID != "" {
			if seenID[m.ID] {
				continue
			}
			seenID[m.ID] = true
		}
		m = m.clone()
		m.RoomID = roomID
		m.Pending = false
		next = append(next, m)
	}
	s.rooms[roomID] = next
	s.mu.Unlock()
	s.changed(roomID)
}

// ── helpers ──────────────────────────────────────────────

func mergeConfirmed(cur, c Message) Message {
	if c.ID != "" {
		cur.ID = c.ID
	}
	if c.TempID != "" && cur.TempID == "" {
		cur.TempID = c.TempID
	}
	if c.Text != "" {
		cur.Text = c.Text
	}
	if c.Timestamp != "" {
		cur.Timestamp = c.Timestamp
	}
	if c.SenderName != "" {
		cur.SenderName = c.SenderName
	}
	if c.ReceiverID != "" {
		cur.ReceiverID = c.ReceiverID
	}
	if c.Attachment != nil {
		a := *c.Attachment
		cur.Attachment = &a
	}
	cur.Pending = false
	return cur
}

func prepend(msgs []Message, m Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, m)
	return append(out, msgs...)
}

func dropOtherID(msgs []Message, keep int, id string) []Message {
	out := msgs[:0]
	for i, m := range msgs {
		if i != keep && m.ID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}

func indexByID(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexByTempID(msgs []Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, m := range msgs {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

func indexPendingByContent(msgs []Message, text, senderID string) int {
	for i, m := range msgs {
		if m.Pending && m.Text == text && m.SenderID == senderID {
			return i
		}
	}
	return -1
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}
