package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-chat/internal/identity"
)

type stubLister struct {
	ids   []uuid.UUID
	calls atomic.Int32
}

func (s *stubLister) ActiveParticipantIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	s.calls.Add(1)
	return s.ids, nil
}

type nopInbound struct{}

func (nopInbound) Connected(identity.Identity)    {}
func (nopInbound) Disconnected(identity.Identity) {}
func (nopInbound) HandleFrame(context.Context, identity.Identity, InboundFrame) error {
	return nil
}

func startHub(t *testing.T, lister ParticipantLister) *Hub {
	t.Helper()
	h := NewHub(lister, nopInbound{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connect(h *Hub, userID uuid.UUID) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), who: identity.Identity{UserID: userID, Role: identity.RoleEmployee}}
	h.register <- c
	return c
}

func readFrame(t *testing.T, c *Client) OutboundFrame {
	t.Helper()
	select {
	case payload := <-c.send:
		var f OutboundFrame
		require.NoError(t, json.Unmarshal(payload, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return OutboundFrame{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected frame %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubMessageEventReachesParticipantsOnly(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	lister := &stubLister{ids: []uuid.UUID{alice, bob}}
	h := startHub(t, lister)

	ca, cb, cc := connect(h, alice), connect(h, bob), connect(h, carol)
	conv := uuid.New()

	h.onMessage(context.Background(), ChangeEvent{Table: TableMessages, Type: EventInsert, ConversationID: conv})

	for _, c := range []*Client{ca, cb} {
		thread := readFrame(t, c)
		assert.Equal(t, FrameInvalidate, thread.Type)
		assert.Equal(t, ScopeThread, thread.Scope)
		assert.Equal(t, conv.String(), thread.ConversationID)
		assert.Equal(t, ScopeDirectory, readFrame(t, c).Scope)
	}
	assertSilent(t, cc)

	// Participants are cached until the membership changes.
	h.onMessage(context.Background(), ChangeEvent{Table: TableMessages, Type: EventInsert, ConversationID: conv})
	assert.EqualValues(t, 1, lister.calls.Load())

	h.onParticipants(context.Background(), ChangeEvent{Table: TableParticipants, Type: EventUpdate, ConversationID: conv})
	h.onMessage(context.Background(), ChangeEvent{Table: TableMessages, Type: EventInsert, ConversationID: conv})
	assert.EqualValues(t, 2, lister.calls.Load())
}

func TestHubPresenceAndResyncBroadcast(t *testing.T) {
	h := startHub(t, &stubLister{})
	alice, bob := uuid.New(), uuid.New()
	ca, cb := connect(h, alice), connect(h, bob)

	h.onPresence(context.Background(), ChangeEvent{Table: TablePresence, Type: EventUpdate, UserIDs: []uuid.UUID{alice}})
	for _, c := range []*Client{ca, cb} {
		f := readFrame(t, c)
		assert.Equal(t, ScopePresence, f.Scope)
		assert.Equal(t, alice.String(), f.UserID)
	}

	h.onMessage(context.Background(), ChangeEvent{Type: EventResync})
	for _, c := range []*Client{ca, cb} {
		assert.Equal(t, FrameResync, readFrame(t, c).Type)
	}
}

func TestHubReplyTargetsSingleClient(t *testing.T) {
	h := startHub(t, &stubLister{})
	user := uuid.New()
	first, second := connect(h, user), connect(h, user)

	first.reply(OutboundFrame{Type: FrameAck, ClientNonce: "n1"})

	assert.Equal(t, "n1", readFrame(t, first).ClientNonce)
	assertSilent(t, second)
}
