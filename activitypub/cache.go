package activitypub

import (
	"sync"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

// ActorCache keeps recently resolved remote actors keyed by canonical URI.
type ActorCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]actorEntry
}

type actorEntry struct {
	actor   domain.RemoteAccount
	expires time.Time
}

// NewActorCache returns a cache whose entries live for ttl as measured by now.
// A nil now uses the wall clock.
func NewActorCache(ttl time.Duration, now func() time.Time) *ActorCache {
	if now == nil {
		now = time.Now
	}
	return &ActorCache{ttl: ttl, now: now, entries: make(map[string]actorEntry)}
}

// Get returns a copy of the cached actor.
func (c *ActorCache) Get(uri string) (*domain.RemoteAccount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[uri]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, uri)
		return nil, false
	}
	actor := e.actor
	return &actor, true
}

func (c *ActorCache) Put(actor *domain.RemoteAccount) {
	if c.ttl <= 0 || actor == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[actor.ActorURI] = actorEntry{actor: *actor, expires: c.now().Add(c.ttl)}
}

func (c *ActorCache) Invalidate(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uri)
}

func (c *ActorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
