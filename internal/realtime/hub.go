package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"wellness-chat/internal/identity"
	"wellness-chat/internal/metrics"
)

// ParticipantLister resolves who should hear about a conversation's changes.
type ParticipantLister interface {
	ActiveParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// Inbound handles what connected clients say and when they come and go.
type Inbound interface {
	Connected(who identity.Identity)
	Disconnected(who identity.Identity)
	HandleFrame(ctx context.Context, who identity.Identity, frame InboundFrame) error
}

type delivery struct {
	userIDs   []uuid.UUID
	payload   []byte
	broadcast bool
	only      *Client
}

// Hub owns the set of connected clients. Only Run touches clients.
type Hub struct {
	clients    map[uuid.UUID]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	done       chan struct{}

	members      ParticipantLister
	inbound      Inbound
	participants *lru.Cache
	log          zerolog.Logger
}

func NewHub(members ParticipantLister, inbound Inbound, log zerolog.Logger) *Hub {
	cache, _ := lru.New(1024)
	return &Hub{
		clients:      make(map[uuid.UUID]map[*Client]struct{}),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		deliver:      make(chan delivery, 256),
		done:         make(chan struct{}),
		members:      members,
		inbound:      inbound,
		participants: cache,
		log:          log.With().Str("component", "ws-hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[uuid.UUID]map[*Client]struct{})
			return

		case client := <-h.register:
			set, ok := h.clients[client.who.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.who.UserID] = set
			}
			set[client] = struct{}{}
			metrics.SocketConnections.Inc()

		case client := <-h.unregister:
			set, ok := h.clients[client.who.UserID]
			if !ok {
				continue
			}
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
				metrics.SocketConnections.Dec()
			}
			if len(set) == 0 {
				delete(h.clients, client.who.UserID)
			}

		case d := <-h.deliver:
			if d.only != nil {
				h.sendToClient(d.only, d.payload)
				continue
			}
			if d.broadcast {
				for userID := range h.clients {
					h.sendToUser(userID, d.payload)
				}
				continue
			}
			for _, userID := range d.userIDs {
				h.sendToUser(userID, d.payload)
			}
		}
	}
}

func (h *Hub) sendToClient(client *Client, payload []byte) {
	set, ok := h.clients[client.who.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) sendToUser(userID uuid.UUID, payload []byte) {
	set, ok := h.clients[userID]
	if !ok {
		return
	}
	for client := range set {
		select {
		case client.send <- payload:
		default:
			// Slow consumer: drop it rather than stall every other client.
			delete(set, client)
			close(client.send)
			metrics.SocketConnections.Dec()
		}
	}
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

// Attach subscribes the hub to every table on the bridge.
func (h *Hub) Attach(b *Bridge) []*Subscription {
	return []*Subscription{
		b.Subscribe(Filter{Table: TableMessages}, h.onMessage),
		b.Subscribe(Filter{Table: TableConversations}, h.onDirectory),
		b.Subscribe(Filter{Table: TableParticipants}, h.onParticipants),
		b.Subscribe(Filter{Table: TablePresence}, h.onPresence),
	}
}

func (h *Hub) onMessage(ctx context.Context, ev ChangeEvent) {
	if ev.Type == EventResync {
		h.onResync()
		return
	}
	users := h.audience(ctx, ev)
	conv := idString(ev.ConversationID)
	h.push(users, OutboundFrame{Type: FrameInvalidate, Scope: ScopeThread, ConversationID: conv})
	h.push(users, OutboundFrame{Type: FrameInvalidate, Scope: ScopeDirectory, ConversationID: conv})
}

func (h *Hub) onDirectory(ctx context.Context, ev ChangeEvent) {
	if ev.Type == EventResync {
		return
	}
	h.push(h.audience(ctx, ev), OutboundFrame{Type: FrameInvalidate, Scope: ScopeDirectory, ConversationID: idString(ev.ConversationID)})
}

func (h *Hub) onParticipants(ctx context.Context, ev ChangeEvent) {
	if ev.Type == EventResync {
		h.participants.Purge()
		return
	}
	h.participants.Remove(ev.ConversationID)
	h.onDirectory(ctx, ev)
}

func (h *Hub) onPresence(_ context.Context, ev ChangeEvent) {
	if ev.Type == EventResync {
		return
	}
	frame := OutboundFrame{Type: FrameInvalidate, Scope: ScopePresence}
	if len(ev.UserIDs) == 1 {
		frame.UserID = idString(ev.UserIDs[0])
	}
	h.broadcast(frame)
}

func (h *Hub) onResync() {
	h.broadcast(OutboundFrame{Type: FrameResync})
}

// audience merges the users named on the event with the conversation's members.
func (h *Hub) audience(ctx context.Context, ev ChangeEvent) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ev.UserIDs))
	users := make([]uuid.UUID, 0, len(ev.UserIDs))
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			users = append(users, id)
		}
	}
	for _, id := range ev.UserIDs {
		add(id)
	}
	if ev.ConversationID == uuid.Nil {
		return users
	}

	if cached, ok := h.participants.Get(ev.ConversationID); ok {
		for _, id := range cached.([]uuid.UUID) {
			add(id)
		}
		return users
	}

	ids, err := h.members.ActiveParticipantIDs(ctx, ev.ConversationID)
	if err != nil {
		h.log.Error().Err(err).Stringer("conversation_id", ev.ConversationID).Msg("resolve participants")
		return users
	}
	h.participants.Add(ev.ConversationID, ids)
	for _, id := range ids {
		add(id)
	}
	return users
}

func (h *Hub) push(users []uuid.UUID, frame OutboundFrame) {
	if len(users) == 0 {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	h.enqueue(delivery{userIDs: users, payload: payload})
}

func (h *Hub) broadcast(frame OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	h.enqueue(delivery{payload: payload, broadcast: true})
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}
