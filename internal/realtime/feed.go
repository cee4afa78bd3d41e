package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Table string

const (
	TableConversations Table = "conversations"
	TableParticipants  Table = "conversation_participants"
	TableMessages      Table = "messages"
	TablePresence      Table = "presence"
)

var AllTables = []Table{TableConversations, TableParticipants, TableMessages, TablePresence}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventResync is emitted locally after the feed reconnects; events may have been
	// missed, so every read model should re-fetch.
	EventResync EventType = "RESYNC"
)

// ChangeEvent describes one row change. UserIDs lists users whose directory view is
// affected, when the publisher knows them.
type ChangeEvent struct {
	Table          Table       `json:"table"`
	Type           EventType   `json:"type"`
	RowID          string      `json:"row_id,omitempty"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	UserIDs        []uuid.UUID `json:"user_ids,omitempty"`
	At             time.Time   `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

type Stream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

type Feed interface {
	Publisher
	Listen(ctx context.Context, tables ...Table) (Stream, error)
}

var ErrMalformedEvent = errors.New("malformed change event")

const channelPrefix = "chat:changes:"

func channelFor(t Table) string { return channelPrefix + string(t) }

// RedisFeed carries change events over Redis pub/sub so every instance sees writes
// made by every other instance.
type RedisFeed struct {
	client redis.UniversalClient
}

func NewRedisFeed(client redis.UniversalClient) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := f.client.Publish(ctx, channelFor(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

func (f *RedisFeed) Listen(ctx context.Context, tables ...Table) (Stream, error) {
	channels := make([]string, 0, len(tables))
	for _, t := range tables {
		channels = append(channels, channelFor(t))
	}

	pubsub := f.client.Subscribe(ctx, channels...)
	// Wait for the subscription confirmation so no event published after Listen
	// returns can be lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe change feed: %w", err)
	}
	return &redisStream{pubsub: pubsub}, nil
}

type redisStream struct {
	pubsub *redis.PubSub
}

func (s *redisStream) Next(ctx context.Context) (ChangeEvent, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return ChangeEvent{}, err
	}
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (s *redisStream) Close() error {
	return s.pubsub.Close()
}
