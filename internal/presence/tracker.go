package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/lock"
	"wellness-chat/internal/metrics"
	"wellness-chat/internal/realtime"
)

const (
	writeTimeout = 5 * time.Second
	sweepLock    = "presence-sweep"
)

type Store interface {
	Upsert(ctx context.Context, rec Record) error
	All(ctx context.Context) ([]Record, error)
	MarkStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Options struct {
	Debounce        time.Duration
	RefreshInterval time.Duration
	Heartbeat       time.Duration
	StaleMargin     time.Duration
	ConnectDelay    time.Duration
}

func (o Options) StaleAfter() time.Duration { return o.Heartbeat + o.StaleMargin }

// Tracker records who is online and who is typing where. Writes are debounced per user:
// a burst of updates becomes one write carrying the last values.
type Tracker struct {
	store     Store
	publisher realtime.Publisher
	locker    Locker
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	debounced  map[uuid.UUID]func(func())
	pending    map[uuid.UUID]bool
	latest     map[uuid.UUID]Record
	conns      map[uuid.UUID]int
	connecting map[uuid.UUID]*time.Timer
	seq        map[uuid.UUID]uint64
	writers    map[uuid.UUID]*sync.Mutex

	snapMu   sync.RWMutex
	snapshot map[uuid.UUID]Record

	refresh chan struct{}
}

func NewTracker(store Store, publisher realtime.Publisher, locker Locker, opts Options, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		publisher:  publisher,
		locker:     locker,
		opts:       opts,
		log:        log.With().Str("component", "presence").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		debounced:  make(map[uuid.UUID]func(func())),
		pending:    make(map[uuid.UUID]bool),
		latest:     make(map[uuid.UUID]Record),
		conns:      make(map[uuid.UUID]int),
		connecting: make(map[uuid.UUID]*time.Timer),
		seq:        make(map[uuid.UUID]uint64),
		writers:    make(map[uuid.UUID]*sync.Mutex),
		snapshot:   make(map[uuid.UUID]Record),
		refresh:    make(chan struct{}, 1),
	}
}

// SetPresence schedules an upsert of the caller's presence row.
func (t *Tracker) SetPresence(who identity.Identity, status Status, typingIn *uuid.UUID) error {
	if !status.Valid() {
		return apperror.InvalidArg("status must be online or offline")
	}
	if status == StatusOffline {
		typingIn = nil
	}
	t.schedule(t.record(who.UserID, status, typingIn))
	return nil
}

func (t *Tracker) SetTyping(who identity.Identity, conversationID *uuid.UUID) {
	t.schedule(t.record(who.UserID, StatusOnline, conversationID))
}

// Heartbeat refreshes last_seen and keeps whatever typing state is current.
func (t *Tracker) Heartbeat(who identity.Identity) {
	t.mu.Lock()
	typing := t.latest[who.UserID].TypingIn
	t.mu.Unlock()
	t.schedule(t.record(who.UserID, StatusOnline, typing))
}

// Connect marks the user online shortly after their first connection opens.
func (t *Tracker) Connect(who identity.Identity) {
	userID := who.UserID
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[userID]++
	if t.conns[userID] > 1 {
		return
	}
	if t.opts.ConnectDelay <= 0 {
		go t.schedule(t.record(userID, StatusOnline, nil))
		return
	}
	t.connecting[userID] = time.AfterFunc(t.opts.ConnectDelay, func() {
		t.mu.Lock()
		delete(t.connecting, userID)
		open := t.conns[userID] > 0
		t.mu.Unlock()
		if open {
			t.schedule(t.record(userID, StatusOnline, nil))
		}
	})
}

// Disconnect writes offline once the user's last connection closes. The write skips the
// debounce and replaces anything still pending.
func (t *Tracker) Disconnect(who identity.Identity) {
	userID := who.UserID
	t.mu.Lock()
	if t.conns[userID] > 1 {
		t.conns[userID]--
		t.mu.Unlock()
		return
	}
	delete(t.conns, userID)
	if timer, ok := t.connecting[userID]; ok {
		timer.Stop()
		delete(t.connecting, userID)
	}
	if d, ok := t.debounced[userID]; ok && t.pending[userID] {
		d(func() {
			t.mu.Lock()
			delete(t.pending, userID)
			t.mu.Unlock()
		})
	}
	rec := Record{UserID: userID, Status: StatusOffline, LastSeen: t.now(), UpdatedAt: t.now()}
	t.latest[userID] = rec
	t.seq[userID]++
	seq := t.seq[userID]
	t.mu.Unlock()

	go t.write(rec, seq)
}

func (t *Tracker) record(userID uuid.UUID, status Status, typingIn *uuid.UUID) Record {
	now := t.now()
	return Record{UserID: userID, Status: status, TypingIn: typingIn, LastSeen: now, UpdatedAt: now}
}

func (t *Tracker) schedule(rec Record) {
	t.mu.Lock()
	d, ok := t.debounced[rec.UserID]
	if !ok {
		d = debounce.New(t.opts.Debounce)
		t.debounced[rec.UserID] = d
	}
	if t.pending[rec.UserID] {
		metrics.PresenceCoalesced.Inc()
	}
	t.pending[rec.UserID] = true
	t.latest[rec.UserID] = rec
	t.seq[rec.UserID]++
	seq := t.seq[rec.UserID]
	t.mu.Unlock()

	d(func() {
		t.mu.Lock()
		delete(t.pending, rec.UserID)
		t.mu.Unlock()
		t.write(rec, seq)
	})
}

// writerFor returns the lock that orders one user's writes.
func (t *Tracker) writerFor(userID uuid.UUID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writers[userID]
	if !ok {
		w = &sync.Mutex{}
		t.writers[userID] = w
	}
	return w
}

// write stores rec unless a newer update for the same user was scheduled since. Writes
// for one user never overlap, so the newest record is always the last one stored.
func (t *Tracker) write(rec Record, seq uint64) {
	w := t.writerFor(rec.UserID)
	w.Lock()
	defer w.Unlock()

	t.mu.Lock()
	superseded := t.seq[rec.UserID] > seq
	t.mu.Unlock()
	if superseded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := t.store.Upsert(ctx, rec); err != nil {
		t.log.Warn().Err(err).Stringer("user_id", rec.UserID).Str("status", string(rec.Status)).Msg("presence write failed")
		return
	}
	metrics.PresenceWrites.Inc()

	t.snapMu.Lock()
	t.snapshot[rec.UserID] = rec
	t.snapMu.Unlock()

	t.publish(ctx, rec.UserID)
}

func (t *Tracker) publish(ctx context.Context, userID uuid.UUID) {
	if t.publisher == nil {
		return
	}
	err := t.publisher.Publish(ctx, realtime.ChangeEvent{
		Table:   realtime.TablePresence,
		Type:    realtime.EventUpdate,
		RowID:   userID.String(),
		UserIDs: []uuid.UUID{userID},
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("publish presence change")
	}
}

// Snapshot returns every known presence row keyed by user, with stale rows shown offline.
func (t *Tracker) Snapshot() map[uuid.UUID]Record {
	now := t.now()
	staleAfter := t.opts.StaleAfter()

	t.snapMu.RLock()
	defer t.snapMu.RUnlock()
	out := make(map[uuid.UUID]Record, len(t.snapshot))
	for id, rec := range t.snapshot {
		out[id] = Effective(rec, now, staleAfter)
	}
	return out
}

// Refresh replaces the snapshot with the store's contents.
func (t *Tracker) Refresh(ctx context.Context) error {
	records, err := t.store.All(ctx)
	if err != nil {
		return err
	}
	next := make(map[uuid.UUID]Record, len(records))
	for _, rec := range records {
		next[rec.UserID] = rec
	}
	t.snapMu.Lock()
	t.snapshot = next
	t.snapMu.Unlock()
	return nil
}

func (t *Tracker) requestRefresh() {
	select {
	case t.refresh <- struct{}{}:
	default:
	}
}

// Run keeps the snapshot current until ctx is cancelled. Change events trigger a
// refresh; the interval refresh catches anything the feed missed. When a locker is set
// it also sweeps rows that stopped sending heartbeats.
func (t *Tracker) Run(ctx context.Context, bridge *realtime.Bridge) {
	if bridge != nil {
		sub := bridge.Subscribe(realtime.Filter{Table: realtime.TablePresence}, func(context.Context, realtime.ChangeEvent) {
			t.requestRefresh()
		})
		defer sub.Unsubscribe()
	}

	t.doRefresh(ctx)

	interval := t.opts.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	refreshTicker := time.NewTicker(interval)
	defer refreshTicker.Stop()

	var sweep <-chan time.Time
	if t.locker != nil && t.opts.Heartbeat > 0 {
		sweepTicker := time.NewTicker(t.opts.Heartbeat)
		defer sweepTicker.Stop()
		sweep = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.refresh:
			t.doRefresh(ctx)
		case <-refreshTicker.C:
			t.doRefresh(ctx)
		case <-sweep:
			if err := t.Sweep(ctx); err != nil {
				t.log.Warn().Err(err).Msg("presence sweep")
			}
		}
	}
}

func (t *Tracker) doRefresh(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn().Err(err).Msg("presence refresh")
	}
}

// Sweep marks rows that missed their heartbeat as offline. Only one instance sweeps at
// a time; the others skip the round.
func (t *Tracker) Sweep(ctx context.Context) error {
	err := t.locker.WithLock(ctx, sweepLock, t.opts.Heartbeat, func(ctx context.Context) error {
		ids, err := t.store.MarkStale(ctx, t.now().Add(-t.opts.StaleAfter()))
		if err != nil {
			return err
		}
		for _, id := range ids {
			t.publish(ctx, id)
		}
		if len(ids) > 0 {
			t.log.Info().Int("users", len(ids)).Msg("marked stale presence offline")
		}
		return nil
	})
	if errors.Is(err, lock.ErrHeld) {
		return nil
	}
	return err
}
