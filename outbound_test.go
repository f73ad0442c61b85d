package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePush struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []OutboundPayload
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Emit(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if event == CmdSendMessage {
		p.sent = append(p.sent, payload.(OutboundPayload))
	}
	return nil
}

func (p *fakePush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type outboundFixture struct {
	out     *OutboundCoordinator
	store   *ConversationStore
	push    *fakePush
	api     *fakeAPI
	notices *noticeRecorder
	wg      sync.WaitGroup
}

func newOutboundFixture(connected bool) *outboundFixture {
	f := &outboundFixture{
		store:   NewConversationStore(nil),
		push:    &fakePush{connected: connected},
		api:     newFakeAPI(),
		notices: &noticeRecorder{},
	}
	f.store.SetActive(testRoom)
	async := func(fn func(ctx context.Context)) {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			fn(context.Background())
		}()
	}
	f.out = NewOutboundCoordinator(f.store, f.push, f.api, zerolog.Nop(), f.notices.notify, async)
	return f
}

var conv = Conversation{Self: u1, Peer: u2, RoomID: testRoom}

func TestOutboundRejectsInvalidDrafts(t *testing.T) {
	f := newOutboundFixture(true)

	_, err := f.out.Send(context.Background(), conv, Draft{Text: "  \n\t"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.out.Send(context.Background(), Conversation{Self: u1}, Draft{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	assert.Equal(t, 0, f.store.Len(testRoom))
	assert.Equal(t, 0, f.push.count())
}

func TestOutboundSendOverPush(t *testing.T) {
	f := newOutboundFixture(true)

	msg, err := f.out.Send(context.Background(), conv, Draft{Text: "  hello  "})
	require.NoError(t, err)
	f.wg.Wait()

	assert.True(t, strings.HasPrefix(msg.TempID, TempIDPrefix))
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.Pending)
	assert.Empty(t, msg.ID)

	require.Equal(t, 1, f.push.count())
	sent := f.push.sent[0]
	assert.Equal(t, msg.TempID, sent.TempID)
	assert.Equal(t, testRoom, sent.RoomID)
	assert.Equal(t, "u1", sent.SenderID)
	assert.Equal(t, "u2", sent.ReceiverID)
	assert.Equal(t, 0, f.api.sendCount())

	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].Pending, "stays pending until the server confirms")
}

// Offline scenario: u1 sends "hello" to u2 with the channel down.
func TestOutboundFallbackToHTTP(t *testing.T) {
	f := newOutboundFixture(false)

	msg, err := f.out.Send(context.Background(), conv, Draft{Text: "hello"})
	require.NoError(t, err)
	f.wg.Wait()

	assert.Equal(t, 0, f.push.count())
	require.Equal(t, 1, f.api.sendCount())
	assert.Equal(t, msg.TempID, f.api.sends[0].TempID)

	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m100", got[0].ID)
	assert.Equal(t, msg.TempID, got[0].TempID)
	assert.False(t, got[0].Pending)
	assert.Empty(t, f.notices.kinds())
}

func TestOutboundPushErrorFallsBack(t *testing.T) {
	f := newOutboundFixture(true)
	f.push.err = ErrNotConnected

	_, err := f.out.Send(context.Background(), conv, Draft{Text: "hello"})
	require.NoError(t, err)
	f.wg.Wait()

	assert.Equal(t, 1, f.api.sendCount())
	assert.Empty(t, f.store.Pending(testRoom))
}

func TestOutboundConfirmWithoutTempIDInResponse(t *testing.T) {
	f := newOutboundFixture(false)
	f.api.sendResp = func(OutboundPayload) map[string]any {
		return map[string]any{"ok": true, "id": "m7"}
	}

	_, err := f.out.Send(context.Background(), conv, Draft{Text: "hello"})
	require.NoError(t, err)
	f.wg.Wait()

	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m7", got[0].ID)
	assert.Equal(t, "hello", got[0].Text)
	assert.False(t, got[0].Pending)
}

func TestOutboundOptimisticFirst(t *testing.T) {
	f := newOutboundFixture(false)
	f.api.gate = make(chan struct{})

	msg, err := f.out.Send(context.Background(), conv, Draft{Text: "hello"})
	require.NoError(t, err)

	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, msg.TempID, got[0].TempID)
	assert.True(t, got[0].Pending)
	assert.Equal(t, 0, f.api.sendCount())

	close(f.api.gate)
	f.wg.Wait()
	assert.Empty(t, f.store.Pending(testRoom))
}

func TestOutboundHTTPFailureStaysPending(t *testing.T) {
	f := newOutboundFixture(false)
	f.api.setSendErr(&APIError{Status: 503, Message: "unavailable"})

	msg, err := f.out.Send(context.Background(), conv, Draft{Text: "hello"})
	require.NoError(t, err)
	f.wg.Wait()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, f.api.sendCount(), "no automatic retry")
	assert.Equal(t, []NoticeKind{NoticeDeliveryFailed}, f.notices.kinds())
	require.Len(t, f.store.Pending(testRoom), 1)

	f.api.setSendErr(nil)
	require.NoError(t, f.out.Resend(context.Background(), testRoom, msg.TempID))
	f.wg.Wait()

	assert.Equal(t, 2, f.api.sendCount())
	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.False(t, got[0].Pending)

	assert.ErrorIs(t, f.out.Resend(context.Background(), testRoom, msg.TempID), ErrUnknownMessage)
}

func TestOutboundAttachment(t *testing.T) {
	f := newOutboundFixture(false)

	msg, err := f.out.Send(context.Background(), conv, Draft{File: &FileUpload{Name: "scan.png", Data: []byte("png")}})
	require.NoError(t, err)
	assert.Equal(t, "[Image]", msg.Text)
	require.NotNil(t, msg.Attachment)
	assert.Empty(t, msg.Attachment.URL)
	f.wg.Wait()

	require.Equal(t, 1, f.api.uploadCount())
	assert.Equal(t, "image/png", f.api.uploads[0].MimeType)

	require.Equal(t, 1, f.api.sendCount())
	sent := f.api.sends[0]
	assert.True(t, sent.IsAttachment)
	assert.Equal(t, "image", sent.AttachmentType)
	assert.Equal(t, "https://cdn.example.org/scan.png", sent.FileURL)
	assert.Equal(t, int64(3), sent.FileSize)
	assert.Equal(t, msg.TempID, sent.TempID)
	assert.Empty(t, f.store.Pending(testRoom))
}

func TestOutboundUploadFailure(t *testing.T) {
	f := newOutboundFixture(true)
	f.api.uploadErr = errors.New("too large")

	msg, err := f.out.Send(context.Background(), conv, Draft{Text: "see file", File: &FileUpload{Name: "r.pdf", Data: []byte("%PDF")}})
	require.NoError(t, err)
	f.wg.Wait()

	assert.Equal(t, []NoticeKind{NoticeUploadFailed}, f.notices.kinds())
	assert.Equal(t, 0, f.push.count())
	assert.Equal(t, 0, f.api.sendCount())
	require.Len(t, f.store.Pending(testRoom), 1)

	f.api.mu.Lock()
	f.api.uploadErr = nil
	f.api.mu.Unlock()
	require.NoError(t, f.out.Resend(context.Background(), testRoom, msg.TempID))
	f.wg.Wait()

	assert.Equal(t, 2, f.api.uploadCount())
	require.Equal(t, 1, f.push.count())
	assert.Equal(t, "see file", f.push.sent[0].Text)
	assert.Equal(t, "https://cdn.example.org/r.pdf", f.push.sent[0].FileURL)
}
