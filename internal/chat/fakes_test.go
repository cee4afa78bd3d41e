package chat

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"wellness-chat/internal/realtime"
)

// memStore is an in-memory ConversationStore and MessageStore with the same uniqueness
// rules as the database.
type memStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
	dedupe        map[string]uuid.UUID
	participants  map[uuid.UUID][]*Participant
	messages      []*Message
	clock         time.Time

	listErr   error
	insertErr error
	creates   int
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[uuid.UUID]*Conversation),
		dedupe:        make(map[string]uuid.UUID),
		participants:  make(map[uuid.UUID][]*Participant),
		clock:         time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) ListForUser(_ context.Context, userID uuid.UUID) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Conversation
	for id, c := range s.conversations {
		if s.activeLocked(id, userID) == nil {
			continue
		}
		conv := *c
		for _, p := range s.participants[id] {
			if p.Active {
				conv.Participants = append(conv.Participants, *p)
			}
		}
		out = append(out, conv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) FindByDedupeKey(_ context.Context, key string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dedupe[key]
	if !ok {
		return nil, nil
	}
	cp := *s.conversations[id]
	return &cp, nil
}

func (s *memStore) CreateWithParticipants(_ context.Context, conv NewConversation, members []NewParticipant) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.DedupeKey != nil {
		if id, ok := s.dedupe[*conv.DedupeKey]; ok {
			cp := *s.conversations[id]
			return &cp, false, nil
		}
	}
	now := s.tick()
	c := &Conversation{
		ID:                uuid.New(),
		Name:              conv.Name,
		Kind:              conv.Kind,
		CreatedBy:         conv.CreatedBy,
		OrganizationID:    conv.OrganizationID,
		CoachingContextID: conv.CoachingContextID,
		LastActivityAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.conversations[c.ID] = c
	if conv.DedupeKey != nil {
		s.dedupe[*conv.DedupeKey] = c.ID
	}
	for _, m := range members {
		s.participants[c.ID] = append(s.participants[c.ID], &Participant{
			ConversationID: c.ID, UserID: m.UserID, Role: m.Role, JoinedAt: now, Active: true,
		})
	}
	s.creates++
	cp := *c
	return &cp, true, nil
}

func (s *memStore) activeLocked(convID, userID uuid.UUID) *Participant {
	for _, p := range s.participants[convID] {
		if p.UserID == userID && p.Active {
			return p
		}
	}
	return nil
}

func (s *memStore) MarkRead(_ context.Context, convID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.activeLocked(convID, userID)
	if p == nil {
		return ErrNotFound
	}
	p.LastReadAt = &at
	return nil
}

func (s *memStore) Leave(_ context.Context, convID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.activeLocked(convID, userID)
	if p == nil {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

func (s *memStore) ActiveParticipantIDs(_ context.Context, convID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, p := range s.participants[convID] {
		if p.Active {
			ids = append(ids, p.UserID)
		}
	}
	return ids, nil
}

func (s *memStore) IsActiveParticipant(_ context.Context, convID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(convID, userID) != nil, nil
}

func (s *memStore) List(_ context.Context, convID uuid.UUID, opts ListOptions) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID != convID || m.Deleted {
			continue
		}
		if opts.Before != nil && !opts.Before.Precedes(m.CreatedAt, m.ID) {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Cursor{At: out[j].CreatedAt, ID: out[j].ID}.Precedes(out[i].CreatedAt, out[i].ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, msg NewMessage) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, false, s.insertErr
	}
	if msg.ClientNonce != nil {
		for _, m := range s.messages {
			if m.ConversationID == msg.ConversationID && m.SenderID == msg.SenderID &&
				m.ClientNonce != nil && *m.ClientNonce == *msg.ClientNonce {
				cp := *m
				return &cp, false, nil
			}
		}
	}
	now := s.tick()
	m := &Message{
		ID:             uuid.New(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Kind:           msg.Kind,
		Content:        msg.Content,
		Attachment:     msg.Attachment,
		ReplyToID:      msg.ReplyToID,
		ClientNonce:    msg.ClientNonce,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages = append(s.messages, m)
	if c, ok := s.conversations[msg.ConversationID]; ok {
		c.LastActivityAt = now
	}
	cp := *m
	return &cp, true, nil
}

func (s *memStore) SoftDelete(_ context.Context, messageID, senderID uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID && m.SenderID == senderID && !m.Deleted {
			m.Deleted = true
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) tables() []realtime.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.Table, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Table)
	}
	return out
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deleted []string
	putErr  error
	urlErr  error
	baseURL string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		baseURL: "https://files.example.com/chat-attachments",
	}
}

func (o *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if o.putErr != nil {
		return o.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	o.types[key] = contentType
	return nil
}

func (o *fakeObjects) PublicURL(key string) (string, error) {
	if o.urlErr != nil {
		return "", o.urlErr
	}
	return o.baseURL + "/" + key, nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objects[key]; !ok {
		return errors.New("no such key")
	}
	delete(o.objects, key)
	o.deleted = append(o.deleted, key)
	return nil
}

// stubFeed hands events to a running Bridge one at a time.
type stubFeed struct {
	once   sync.Once
	events chan realtime.ChangeEvent
}

func (f *stubFeed) Publish(context.Context, realtime.ChangeEvent) error { return nil }

func (f *stubFeed) Listen(context.Context, ...realtime.Table) (realtime.Stream, error) {
	return stubStream{events: f.events}, nil
}

// deliver returns once the bridge has dispatched ev.
func (f *stubFeed) deliver(t *testing.T, b *realtime.Bridge, ev realtime.ChangeEvent) {
	t.Helper()
	f.once.Do(func() {
		f.events = make(chan realtime.ChangeEvent)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = b.Run(ctx) }()
	})
	f.events <- ev
	// The bridge only asks for the next event after the previous dispatch returned.
	f.events <- realtime.ChangeEvent{Table: "noop", Type: realtime.EventUpdate}
}

type stubStream struct {
	events chan realtime.ChangeEvent
}

func (s stubStream) Next(ctx context.Context) (realtime.ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return realtime.ChangeEvent{}, ctx.Err()
	}
}

func (s stubStream) Close() error { return nil }
