package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"wellness-chat/internal/realtime"
)

// ThreadCache holds the newest page of each recently viewed thread. Entries are dropped
// when the bridge reports a message change for that conversation.
//
// A reader takes a Version before querying the store and hands it back to Put. Any
// invalidation in between makes the version stale and the page is discarded, so a slow
// query can never install a page older than the last write.
type ThreadCache struct {
	mu    sync.Mutex
	pages *lru.Cache
	// gens counts invalidations per conversation. Forgetting a counter bumps epoch.
	gens  *lru.Cache
	epoch uint64
}

// Version identifies the cache state a reader started from.
type Version struct {
	epoch uint64
	gen   uint64
}

func NewThreadCache(size int) (*ThreadCache, error) {
	if size <= 0 {
		size = 256
	}
	c := &ThreadCache{}
	pages, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	gens, err := lru.NewWithEvict(size*4, func(_, _ interface{}) {
		// Runs inside gens calls, which are only made with c.mu held.
		c.epoch++
	})
	if err != nil {
		return nil, err
	}
	c.pages, c.gens = pages, gens
	return c, nil
}

func (c *ThreadCache) Get(conversationID uuid.UUID) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pages.Get(conversationID)
	if !ok {
		return nil, false
	}
	return v.([]Message), true
}

func (c *ThreadCache) Version(conversationID uuid.UUID) Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionLocked(conversationID)
}

func (c *ThreadCache) versionLocked(conversationID uuid.UUID) Version {
	v := Version{epoch: c.epoch}
	if g, ok := c.gens.Peek(conversationID); ok {
		v.gen = g.(uint64)
	}
	return v
}

// Put stores page if nothing was invalidated since v was taken. It reports whether the
// page was kept.
func (c *ThreadCache) Put(conversationID uuid.UUID, v Version, page []Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versionLocked(conversationID) != v {
		return false
	}
	c.pages.Add(conversationID, page)
	return true
}

func (c *ThreadCache) Invalidate(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages.Remove(conversationID)
	c.gens.Add(conversationID, c.versionLocked(conversationID).gen+1)
}

// Purge drops every page and outdates every version handed out so far.
func (c *ThreadCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.pages.Purge()
	c.gens.Purge()
}

func (c *ThreadCache) Len() int { return c.pages.Len() }

// Attach keeps the cache consistent with the change feed. A RESYNC empties it.
func (c *ThreadCache) Attach(b *realtime.Bridge) *realtime.Subscription {
	return b.Subscribe(realtime.Filter{Table: realtime.TableMessages}, func(_ context.Context, ev realtime.ChangeEvent) {
		if ev.Type == realtime.EventResync {
			c.Purge()
			return
		}
		c.Invalidate(ev.ConversationID)
	})
}
