package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/metrics"
)

type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribed
)

func (s State) String() string {
	if s == StateSubscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// Filter selects events for a subscription. Empty Events means all types; a nil
// ConversationID means any conversation. RESYNC always matches.
type Filter struct {
	Table          Table
	Events         []EventType
	ConversationID uuid.UUID
}

func (f Filter) Matches(ev ChangeEvent) bool {
	if ev.Type == EventResync {
		return true
	}
	if ev.Table != f.Table {
		return false
	}
	if f.ConversationID != uuid.Nil && ev.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Events) == 0 {
		return true
	}
	for _, t := range f.Events {
		if t == ev.Type {
			return true
		}
	}
	return false
}

type Handler func(ctx context.Context, ev ChangeEvent)

type Subscription struct {
	id      uint64
	filter  Filter
	handler Handler
	bridge  *Bridge
	state   atomic.Int32
}

func (s *Subscription) State() State { return State(s.state.Load()) }

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.state.CompareAndSwap(int32(StateSubscribed), int32(StateUnsubscribed)) {
		s.bridge.remove(s.id)
	}
}

// Bridge fans change events from the feed out to in-process subscribers.
type Bridge struct {
	feed       Feed
	log        zerolog.Logger
	newBackOff func() backoff.BackOff

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	listening atomic.Bool
}

func NewBridge(feed Feed, log zerolog.Logger) *Bridge {
	return &Bridge{
		feed: feed,
		log:  log.With().Str("component", "change-bridge").Logger(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		subs: make(map[uint64]*Subscription),
	}
}

func (b *Bridge) Subscribe(f Filter, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, filter: f, handler: h, bridge: b}
	sub.state.Store(int32(StateSubscribed))
	b.subs[sub.id] = sub
	return sub
}

func (b *Bridge) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Listening reports whether the bridge currently holds a live feed subscription.
func (b *Bridge) Listening() bool { return b.listening.Load() }

// Run consumes the feed until ctx is cancelled. Transport failures are retried with
// exponential backoff; each reconnect is followed by a RESYNC to all subscribers.
func (b *Bridge) Run(ctx context.Context) error {
	reconnect := false
	for {
		stream, err := b.listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.listening.Store(true)

		if reconnect {
			metrics.BridgeResubscribes.Inc()
			b.log.Info().Msg("change feed resubscribed")
			b.dispatch(ctx, ChangeEvent{Type: EventResync, At: time.Now().UTC()})
		}
		reconnect = true

		err = b.consume(ctx, stream)
		b.listening.Store(false)
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn().Err(err).Msg("change feed dropped")
	}
}

func (b *Bridge) listen(ctx context.Context) (Stream, error) {
	var stream Stream
	op := func() error {
		s, err := b.feed.Listen(ctx, AllTables...)
		if err != nil {
			b.log.Warn().Err(err).Msg("change feed subscribe failed")
			return err
		}
		stream = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return stream, nil
}

func (b *Bridge) consume(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				b.log.Warn().Err(err).Msg("skipping change event")
				continue
			}
			return err
		}
		metrics.BridgeEvents.WithLabelValues(string(ev.Table)).Inc()
		b.dispatch(ctx, ev)
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev ChangeEvent) {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if sub.State() == StateSubscribed {
			sub.handler(ctx, ev)
		}
	}
}
